// Package throttle limits how often each instrument may be published.
package throttle

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle keeps one limiter per instrument with a burst of one, so an
// attempt inside the minimum interval is dropped rather than queued.
type Throttle struct {
	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a throttle allowing maxEventsPerSecond publishes per instrument.
// Zero disables throttling.
func New(maxEventsPerSecond float64) (*Throttle, error) {
	if maxEventsPerSecond < 0 {
		return nil, fmt.Errorf("max events per second must not be negative, got %v", maxEventsPerSecond)
	}
	t := &Throttle{limiters: make(map[string]*rate.Limiter)}
	if maxEventsPerSecond > 0 {
		t.interval = time.Duration(float64(time.Second) / maxEventsPerSecond)
	}
	return t, nil
}

// Interval is the minimum gap between two publishes of one instrument.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Allow reports whether instrument may be published at now.
func (t *Throttle) Allow(instrument string, now time.Time) bool {
	if t == nil || t.interval <= 0 {
		return true
	}

	t.mu.Lock()
	l, ok := t.limiters[instrument]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[instrument] = l
	}
	t.mu.Unlock()

	return l.AllowN(now, 1)
}
