package workers

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter paces delivery attempts per destination. A zero or negative rate
// means unlimited.
type Limiter interface {
	Allow(ctx context.Context, destinationID string, ratePerSec float64, burst int) (bool, error)
}

// LocalLimiter is the in-process fallback: one token bucket per destination.
// It only paces the local process; multi-process deployments should use the
// redis limiter.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: map[string]*rate.Limiter{}}
}

func (l *LocalLimiter) Allow(_ context.Context, destinationID string, ratePerSec float64, burst int) (bool, error) {
	if ratePerSec <= 0 {
		return true, nil
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	bucket, ok := l.buckets[destinationID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		l.buckets[destinationID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}
