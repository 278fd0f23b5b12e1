package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxRateLimitKeys bounds the number of tracked clients; the least recently
// seen bucket is dropped first.
const maxRateLimitKeys = 10000

// rateLimiter holds one token bucket per key.
type rateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	// lru.New only errors on a non-positive size.
	buckets, _ := lru.New[string, *rate.Limiter](maxRateLimitKeys)
	return &rateLimiter{
		buckets: buckets,
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.buckets.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets.Add(key, l)
	}
	return l.AllowN(rl.now(), 1)
}

// ipRateLimitMiddleware rate-limits by remote IP. RemoteAddr is already the
// client address after chi's RealIP middleware.
func ipRateLimitMiddleware(rl *rateLimiter, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // fallback if no port
			}
			if !rl.allow(ip) {
				if onLimited != nil {
					onLimited()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
