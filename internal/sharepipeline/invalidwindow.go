package sharepipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InvalidShareSlidingWindowMaxLimit bounds the 1-minute sum of invalid
// shares a session may have before the engine suppresses further
// publication of invalid shares to the share topic (the miner still always
// gets a reply), grounded directly on the original session's
// invalidSharesCounter_/INVALID_SHARE_SLIDING_WINDOWS_MAX_LIMIT behavior.
const InvalidShareSlidingWindowMaxLimit = 30

// InvalidShareWindow tracks per-session invalid share counts over a rolling
// minute and rate-limits share-topic publication once the window saturates.
type InvalidShareWindow struct {
	mu      sync.Mutex
	buckets map[int64]int
	limiter *rate.Limiter
}

// NewInvalidShareWindow creates a window with its own suppression limiter.
// Once the window is saturated the limiter lets at most one invalid share
// through every 2 seconds.
func NewInvalidShareWindow() *InvalidShareWindow {
	return &InvalidShareWindow{
		buckets: make(map[int64]int),
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Record adds one invalid share at t and reports whether it should still be
// published to the share topic (false means suppressed).
func (w *InvalidShareWindow) Record(t time.Time) (shouldPublish bool) {
	w.mu.Lock()
	key := t.Unix()
	w.buckets[key]++
	cutoff := key - 59
	for k := range w.buckets {
		if k < cutoff {
			delete(w.buckets, k)
		}
	}
	var sum int
	for _, v := range w.buckets {
		sum += v
	}
	w.mu.Unlock()

	if sum <= InvalidShareSlidingWindowMaxLimit {
		return true
	}
	return w.limiter.Allow()
}
