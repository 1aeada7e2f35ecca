package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-tenant request rate on the chat endpoints.
// Tenants are identified by the X-Tenant-Slug header; requests without
// one are limited per client IP.
type RateLimiter struct {
	perMinute int
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
}

// NewRateLimiter creates a RateLimiter allowing perMinute requests per
// tenant with a matching burst.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Middleware returns the echo middleware enforcing the limit.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-Tenant-Slug")
			if key == "" {
				key = c.RealIP()
			}
			if !rl.limiter(key).Allow() {
				return problem(c, http.StatusTooManyRequests, "Rate limit exceeded", "Too many requests, slow down")
			}
			return next(c)
		}
	}
}
