package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter is a fixed-window request limiter keyed by client identifier.
// It is an explicit, injected dependency (never a package-level map) and
// evicts expired windows on a timer instead of accumulating forever.
type Limiter struct {
	window        time.Duration
	maxRequests   int
	sweepInterval time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	count int
	reset time.Time
}

// New creates a limiter allowing maxRequests per window per key and starts
// its eviction loop.
func New(maxRequests int, window time.Duration) *Limiter {
	l := &Limiter{
		window:        window,
		maxRequests:   maxRequests,
		sweepInterval: defaultSweepInterval,
		entries:       make(map[string]*entry),
		stopCh:        make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow checks and counts one request for the key.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok || now.After(e.reset) {
		e = &entry{count: 1, reset: now.Add(l.window)}
		l.entries[key] = e
		return Result{Allowed: true, Remaining: l.maxRequests - 1, Reset: e.reset}
	}

	if e.count >= l.maxRequests {
		return Result{Allowed: false, Remaining: 0, Reset: e.reset}
	}

	e.count++
	return Result{Allowed: true, Remaining: l.maxRequests - e.count, Reset: e.reset}
}

// Stop terminates the eviction loop.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops windows that have already expired.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if now.After(e.reset) {
			delete(l.entries, key)
		}
	}
}

// Middleware rejects requests over the per-client limit with 429 and
// standard X-RateLimit headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.Allow(ClientKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.maxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(res.Reset).Seconds())+1))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller, preferring proxy headers over the
// socket address.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
