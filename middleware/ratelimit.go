package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimit provides token-bucket rate limiting per caller. Behind Auth the
// caller is the user, so one user cannot spread load over many IPs;
// elsewhere it is the client IP. r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	limiters := &sync.Map{}

	// Cleanup goroutine: remove stale entries every 5 minutes.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-10 * time.Minute)
			limiters.Range(func(k, v interface{}) bool {
				kl := v.(*keyedLimiter)
				kl.mu.Lock()
				stale := kl.lastSeen.Before(cutoff)
				kl.mu.Unlock()
				if stale {
					limiters.Delete(k)
				}
				return true
			})
		}
	}()

	getLimiter := func(key string) *rate.Limiter {
		v, _ := limiters.LoadOrStore(key, &keyedLimiter{limiter: rate.NewLimiter(r, b)})
		kl := v.(*keyedLimiter)
		kl.mu.Lock()
		kl.lastSeen = time.Now()
		kl.mu.Unlock()
		return kl.limiter
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := GetUserID(c); uid != "" {
			key = "user:" + uid
		}
		if !getLimiter(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "retryable": true})
			return
		}
		c.Next()
	}
}
