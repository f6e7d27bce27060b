package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"thirdcoast.systems/clipqueue/internal/ttlcache"
)

const rateWindow = 15 * time.Minute

// rateBucket tracks one limiter per key. Limiters age out of the cache after
// one idle window, so memory is bounded by active callers.
type rateBucket struct {
	limiters *ttlcache.Cache[*rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newRateBucket(requests int, window time.Duration) *rateBucket {
	return &rateBucket{
		limiters: ttlcache.New[*rate.Limiter](window, time.Minute),
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
	}
}

func (b *rateBucket) limiter(key string) *rate.Limiter {
	l, _ := b.limiters.GetOrLoad(context.Background(), key, func(context.Context) (*rate.Limiter, error) {
		return rate.NewLimiter(b.limit, b.burst), nil
	})
	return l
}

// Allow consumes one token for key.
func (b *rateBucket) Allow(key string) bool {
	return b.limiter(key).Allow()
}

// Exhausted reports whether key has no tokens left, without consuming one.
func (b *rateBucket) Exhausted(key string) bool {
	return b.limiter(key).Tokens() < 1
}

// Consume burns one token without caring about the answer, for buckets that
// count events rather than gate them up front.
func (b *rateBucket) Consume(key string) {
	b.limiter(key).Allow()
}

func (b *rateBucket) Close() {
	b.limiters.Close()
}

type rateLimits struct {
	public       *rateBucket // reads, keyed by IP
	authed       *rateBucket // mutations, keyed by user id with IP fallback
	authFailures *rateBucket // 401/403 responses, keyed by IP
}

func newRateLimits() *rateLimits {
	return &rateLimits{
		public:       newRateBucket(500, rateWindow),
		authed:       newRateBucket(100, rateWindow),
		authFailures: newRateBucket(20, rateWindow),
	}
}

func (r *rateLimits) Close() {
	r.public.Close()
	r.authed.Close()
	r.authFailures.Close()
}

func rateLimited() *apiError {
	return &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "too many requests"}
}

// publicRateLimit gates unauthenticated reads per client IP.
func (s *Webserver) publicRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limits.public.Allow(c.RealIP()) {
			return rateLimited()
		}
		return next(c)
	}
}

// authedRateLimit gates authenticated actions per user, falling back to the
// client IP when no principal resolved. Runs after requirePrincipal.
func (s *Webserver) authedRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.RealIP()
		if p := principalFrom(c); p != nil {
			key = p.UserID
		}
		if !s.limits.authed.Allow(key) {
			return rateLimited()
		}
		return next(c)
	}
}

// authFailureRateLimit slows credential probing: an IP that accumulated too
// many 401/403 responses is cut off before the handler runs. Only failures
// consume tokens.
func (s *Webserver) authFailureRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		if s.limits.authFailures.Exhausted(ip) {
			return rateLimited()
		}
		err := next(c)
		status := c.Response().Status
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			s.limits.authFailures.Consume(ip)
		}
		return err
	}
}
