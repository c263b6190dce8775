package metrics

import (
	"context"
	"time"

	"bfxflow/logger"
)

// Sizer is a bounded queue whose occupancy can be sampled.
type Sizer interface {
	Name() string
	Len() int
	Cap() int
}

// StartQueueSizeMetrics samples the occupancy of the given queues every
// interval until ctx is cancelled. When interval <= 0 a one-second cadence is
// used.
func StartQueueSizeMetrics(ctx context.Context, interval time.Duration, queues ...Sizer) {
	if len(queues) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleQueues(log, queues)
			}
		}
	}()
}

func sampleQueues(log *logger.Log, queues []Sizer) {
	for _, q := range queues {
		if queueLength != nil {
			queueLength.WithLabelValues(q.Name()).Set(float64(q.Len()))
		}
		log.WithComponent("channel_buffers").WithFields(logger.Fields{
			"queue":    q.Name(),
			"length":   q.Len(),
			"capacity": q.Cap(),
		}).Debug("queue occupancy")
	}
}
