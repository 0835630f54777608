package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/yoockh/careertalk/internal/utils"
)

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimit applies a token bucket per client ip. Idle buckets are swept once a minute.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}

	var (
		mu      sync.Mutex
		clients = map[string]*clientLimiter{}
		swept   = time.Now()
	)

	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		if now.Sub(swept) > time.Minute {
			for k, cl := range clients {
				if now.Sub(cl.seen) > 3*time.Minute {
					delete(clients, k)
				}
			}
			swept = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.seen = now
		allowed := cl.lim.Allow()
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apiError{
				Code:    utils.CodeRateLimited,
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}
