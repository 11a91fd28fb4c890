package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles writes per destination, so a migration stays inside a
// table's provisioned write capacity
type Limiter struct {
	limiters     map[string]*rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter allowing writesPerSecond per destination.
// A non-positive rate means unlimited.
func NewLimiter(writesPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 5
	}

	limit := rate.Limit(writesPerSecond)
	if writesPerSecond <= 0 {
		limit = rate.Inf
	}

	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limit,
		defaultBurst: burst,
	}
}

// Wait blocks until a write to dest is allowed or ctx is done
func (l *Limiter) Wait(ctx context.Context, dest string) error {
	return l.getLimiter(dest).Wait(ctx)
}

func (l *Limiter) getLimiter(dest string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[dest]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[dest]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[dest] = limiter
	return limiter
}
