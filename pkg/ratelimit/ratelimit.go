package ratelimit

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
}

// DefaultCallbackConfig allows 5 req/s per client with a burst of 10. A
// browser completing a login sends one or two requests.
func DefaultCallbackConfig() Config {
	return Config{
		Rate:  5,
		Burst: 10,
	}
}

// Limiter keeps one token bucket per client address. Entries are never
// evicted since the servers it guards live for a single login.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   Config

	// OnReject is called with the client key of every rejected request.
	OnReject func(key string)
}

func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
	}
}

// Allow reports whether a request from key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !l.Allow(key) {
			if l.OnReject != nil {
				l.OnReject(key)
			}
			c.Header("Retry-After", "1")
			c.String(http.StatusTooManyRequests, "Too many requests, please try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Config returns a copy of the configuration.
func (l *Limiter) Config() Config {
	return l.config
}
