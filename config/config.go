package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr  string
	MongoURI  string
	MongoDB   string
	RedisAddr string
	NatsURL   string
	JWTSecret string

	// UserID is the identity this client daemon syncs on behalf of.
	UserID   string
	UserName string
}

// Load reads .env (if present) and then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8480"),
		MongoURI:  getEnv("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:   getEnv("MONGO_DB", "quill"),
		RedisAddr: getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		NatsURL:   getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		UserID:    getEnv("QUILL_USER_ID", ""),
		UserName:  getEnv("QUILL_USER_NAME", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
