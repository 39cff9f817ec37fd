package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter allows each client a fixed number of requests per window.
// Clients are keyed by IP address.
type RateLimiter struct {
	limit      int
	window     time.Duration
	trustProxy bool
	exclude    []string
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	nextGC  time.Time
}

// RateOption configures a RateLimiter.
type RateOption func(*RateLimiter)

// WithExclude exempts request paths starting with any of prefixes.
func WithExclude(prefixes ...string) RateOption {
	return func(rl *RateLimiter) { rl.exclude = append(rl.exclude, prefixes...) }
}

// WithTrustProxy keys clients on the first X-Forwarded-For address.
func WithTrustProxy() RateOption {
	return func(rl *RateLimiter) { rl.trustProxy = true }
}

// WithClock sets the time source. Default: time.Now.
func WithClock(now func() time.Time) RateOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithLogger sets the logger for blocked requests. Default: slog.Default().
func WithLogger(l *slog.Logger) RateOption {
	return func(rl *RateLimiter) { rl.logger = l }
}

// NewRateLimiter allows limit requests per window and client.
func NewRateLimiter(limit int, window time.Duration, opts ...RateOption) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		logger:  slog.Default(),
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Allow counts one request for key. When the budget is spent it returns
// false and the time left until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextGC) {
		for k, b := range rl.buckets {
			if !now.Before(b.resetAt) {
				delete(rl.buckets, k)
			}
		}
		rl.nextGC = now.Add(rl.window)
	}

	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if b.count >= rl.limit {
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

// Middleware answers 429 with a JSON error and Retry-After once a client
// has spent its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ip := ClientIP(r, rl.trustProxy)
		ok, wait := rl.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("shield: rate limited", "ip", ip, "method", r.Method, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the client address of r. With trustProxy the first
// X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
