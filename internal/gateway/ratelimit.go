package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/basket/taskhub/internal/config"
)

// slidingWindow counts request timestamps inside a rolling window.
type slidingWindow struct {
	mu         sync.Mutex
	hits       []time.Time
	lastAccess time.Time
}

// allow records one request and reports whether it fits within max over
// window, pruning expired timestamps first.
func (w *slidingWindow) allow(window time.Duration, max int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.lastAccess = now
	cutoff := now.Add(-window)
	keep := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.hits = keep

	if len(w.hits) >= max {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// RateLimitMiddleware enforces a per-token sliding-window limit on task
// submission. Idle windows are evicted lazily.
type RateLimitMiddleware struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	cfg     config.RateLimitConfig

	onReject func() // metrics hook, may be nil
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, onReject func()) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		windows:  make(map[string]*slidingWindow),
		cfg:      cfg,
		onReject: onReject,
	}
}

// Wrap rejects requests over the limit with 429. Keyed by bearer token so
// each agent identity gets its own budget.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearer(r)
		if token == "" {
			// Auth rejects these; no window needed.
			next.ServeHTTP(w, r)
			return
		}
		if !rl.window(token).allow(rl.cfg.Window, rl.cfg.MaxRequests) {
			if rl.onReject != nil {
				rl.onReject()
			}
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) window(token string) *slidingWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[token]
	if !ok {
		w = &slidingWindow{}
		rl.windows[token] = w
		if len(rl.windows) > 1024 {
			rl.evictIdleLocked()
		}
	}
	return w
}

// evictIdleLocked drops windows idle longer than twice the window span.
func (rl *RateLimitMiddleware) evictIdleLocked() {
	cutoff := time.Now().Add(-2 * rl.cfg.Window)
	for token, w := range rl.windows {
		w.mu.Lock()
		idle := w.lastAccess.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(rl.windows, token)
		}
	}
}
