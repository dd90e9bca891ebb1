// Package ratelim rate-limits bridge endpoints per remote address.
package ratelim

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

const (
	requestsPerSecond = 20
	burst             = 40
	visitorTTL        = 10 * time.Minute
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{visitors: make(map[string]*visitor)}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) limiterFor(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[host]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(requestsPerSecond, burst)}
		rl.visitors[host] = v
	}
	v.lastSeen = time.Now()
	return v.lim
}

// Limit wraps a handler, rejecting callers that exceed their budget.
func (rl *RateLimiter) Limit(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !rl.limiterFor(r.RemoteAddr).Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r, ps)
	}
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-visitorTTL)
		rl.mu.Lock()
		for host, v := range rl.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(rl.visitors, host)
			}
		}
		rl.mu.Unlock()
	}
}
