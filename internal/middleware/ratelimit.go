package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/security"
)

// ActionHTTPRequest is the limiter action for the coarse per-IP guard.
const ActionHTTPRequest security.Action = "http_request"

// IPRateLimiter is a per-IP guard in front of the API, sharing the sliding
// window store used by the session engine.
type IPRateLimiter struct {
	limiter *security.RateLimiter
	log     zerolog.Logger
}

// NewIPRateLimiter allows limit requests per window per client IP.
func NewIPRateLimiter(store security.Store, limit int, window time.Duration, log zerolog.Logger) *IPRateLimiter {
	policies := map[security.Action]security.Policy{
		ActionHTTPRequest: {Limit: limit, Window: window, Cooldown: window},
	}
	return &IPRateLimiter{
		limiter: security.NewRateLimiter(store, policies),
		log:     log.With().Str("component", "ip_rate_limiter").Logger(),
	}
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
// Limiter store failures let the request through.
func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		d, err := rl.limiter.Allow(c.Request.Context(), ActionHTTPRequest, ip)
		if err != nil {
			rl.log.Warn().Err(err).Str("ip", ip).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !d.Allowed {
			c.Header("Retry-After", d.RetryAfterSeconds())
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
