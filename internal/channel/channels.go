package channel

import (
	"context"
	"sync"
	"time"

	"bfxflow/logger"
)

type Stats struct {
	Sent    int64
	Dropped int64
}

// Queue is a bounded buffered channel that never blocks the sender: a full
// queue drops the message and counts it.
type Queue[T any] struct {
	name string
	ch   chan T

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewQueue[T any](name string, bufferSize int) *Queue[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	q := &Queue[T]{
		name: name,
		ch:   make(chan T, bufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"queue":       name,
		"buffer_size": bufferSize,
	}).Debug("queue initialized")

	return q
}

func (q *Queue[T]) Name() string { return q.name }

// C exposes the receive side for the consumer goroutine.
func (q *Queue[T]) C() <-chan T { return q.ch }

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Send enqueues msg without blocking. It returns false when ctx is done or the
// queue is full.
func (q *Queue[T]) Send(ctx context.Context, msg T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case q.ch <- msg:
		q.statsMutex.Lock()
		q.stats.Sent++
		q.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		q.statsMutex.Lock()
		q.stats.Dropped++
		q.statsMutex.Unlock()
		return false
	}
}

func (q *Queue[T]) GetStats() Stats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}

// StartMetricsReporting logs the queue statistics every interval until ctx is
// done.
func (q *Queue[T]) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.logStats()
			}
		}
	}()
}

func (q *Queue[T]) logStats() {
	stats := q.GetStats()
	q.log.WithComponent("channels").WithFields(logger.Fields{
		"queue":   q.name,
		"sent":    stats.Sent,
		"dropped": stats.Dropped,
		"len":     q.Len(),
		"cap":     q.Cap(),
	}).Info("channel statistics")
}
