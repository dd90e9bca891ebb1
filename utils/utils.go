package utils

import (
	"crypto/rand"
	"encoding/json"
	"net/http"

	"quill/globals"
)

type M map[string]interface{}

const randomChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateRandomString returns an alphanumeric string of length n.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; fall back to zeros
		for i := range b {
			b[i] = randomChars[0]
		}
		return string(b)
	}
	for i := range b {
		b[i] = randomChars[int(b[i])%len(randomChars)]
	}
	return string(b)
}

func RespondWithJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// GetUserIDFromRequest reads the user id placed in the context by the auth middleware.
func GetUserIDFromRequest(r *http.Request) string {
	uid, _ := r.Context().Value(globals.UserIDKey).(string)
	return uid
}
