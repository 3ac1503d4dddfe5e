package arbitrage

import (
	"sync"
	"time"
)

// window suppresses re-emission of the same opportunity fingerprint within a
// time-to-live. It is safe for concurrent use.
type window struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

func newWindow(ttl time.Duration) *window {
	return &window{seen: make(map[string]time.Time), ttl: ttl}
}

// Seen reports whether key was recorded within the TTL. Unseen or expired
// keys are recorded at now and false is returned.
func (w *window) Seen(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.seen[key]; ok && now.Sub(last) < w.ttl {
		return true
	}
	w.seen[key] = now
	return false
}

// Cleanup removes entries older than the TTL.
func (w *window) Cleanup(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, ts := range w.seen {
		if now.Sub(ts) >= w.ttl {
			delete(w.seen, k)
		}
	}
}

func (w *window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
