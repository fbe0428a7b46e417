package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long a client's bucket survives without requests.
const idleTTL = 10 * time.Minute

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a per-client-IP token bucket. A zero limit disables it.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	exclude []string // path prefixes excluded from rate limiting

	mu      sync.Mutex
	clients map[string]*client
}

// NewRateLimiter allows each client IP limit requests/s with the given burst.
func NewRateLimiter(limit rate.Limit, burst int, excludePrefixes ...string) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		exclude: excludePrefixes,
		clients: make(map[string]*client),
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (rl *RateLimiter) Enabled() bool { return rl.limit > 0 }

// StartGC drops idle buckets every minute until done is closed. It does
// nothing on a disabled limiter, which never allocates buckets.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	if !rl.Enabled() {
		return
	}
	tick := time.NewTicker(time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-tick.C:
				rl.gc(now)
			}
		}
	}()
}

func (rl *RateLimiter) gc(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if now.Sub(c.seen) > idleTTL {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.seen = now
	rl.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// Middleware answers 429 with Retry-After once a client exceeds its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		if rl.allow(ip, time.Now()) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
}

// ExtractIP returns the host part of RemoteAddr. Forwarding headers are
// only honoured when a proxy-aware middleware (chi's RealIP) has already
// rewritten RemoteAddr from them.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
