package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterExpiry is how long a client's bucket is kept after its last
// request.
const rateLimiterExpiry = 5 * time.Minute

// RateLimit configures a per-client token bucket. A zero PerSecond disables
// limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

func (l RateLimit) enabled() bool {
	return l.PerSecond > 0 && l.Burst > 0
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter holds one limiter per client IP. Stale entries are swept
// while serving requests, so no background goroutine is needed.
type ipRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newIPRateLimiter(cfg RateLimit) *ipRateLimiter {
	return &ipRateLimiter{
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// reserve reports whether the request from ip may proceed and, when it may
// not, how long the client should wait.
func (l *ipRateLimiter) reserve(ip string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= rateLimiterExpiry {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) >= rateLimiterExpiry {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := v.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

func (l *ipRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// RateLimitByIP returns a middleware that answers 429 once a client IP
// exhausts its bucket. It expects middleware.RealIP to have normalised
// RemoteAddr. A disabled limit returns a pass-through middleware.
func RateLimitByIP(cfg RateLimit) func(http.Handler) http.Handler {
	if !cfg.enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newIPRateLimiter(cfg)
	return limiter.middleware
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.reserve(clientIP(r))
		if !ok {
			ErrTooManyRequests(w, wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	return strconv.Itoa(max(secs, 1))
}
