package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"bfxflow/internal/channel"
	"bfxflow/internal/metrics"
	"bfxflow/logger"
)

// Stage is one step of a pipeline. Apply returns the (possibly transformed)
// item and whether it continues downstream. An error makes the stage retry
// the same item.
type Stage[T any] struct {
	Name  string
	Apply func(ctx context.Context, v T) (T, bool, error)
}

type RetryPolicy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Min:    5 * time.Second,
		Max:    10 * time.Minute,
		Factor: 2,
		Jitter: true,
	}
}

func (p RetryPolicy) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
}

// Pipeline runs each stage in its own goroutine, connected by bounded queues.
// Stage i reads from queue i and feeds queue i+1; the output of the last stage
// is discarded.
type Pipeline[T any] struct {
	name   string
	stages []Stage[T]
	queues []*channel.Queue[T]
	retry  RetryPolicy
	asset  func(T) string

	received  atomic.Int64
	completed atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Log
}

// NewPipeline builds a pipeline. asset extracts the instrument of an item for
// drop and retry logs; it may be nil.
func NewPipeline[T any](name string, queueSize int, retry RetryPolicy, asset func(T) string, stages ...Stage[T]) *Pipeline[T] {
	queues := make([]*channel.Queue[T], len(stages))
	for i, s := range stages {
		queues[i] = channel.NewQueue[T](name+"."+s.Name, queueSize)
	}
	if asset == nil {
		asset = func(T) string { return "" }
	}
	return &Pipeline[T]{
		name:   name,
		stages: stages,
		queues: queues,
		retry:  retry,
		asset:  asset,
		log:    logger.GetLogger(),
	}
}

func (p *Pipeline[T]) Name() string { return p.name }

// Queues exposes the stage queues for size sampling.
func (p *Pipeline[T]) Queues() []*channel.Queue[T] { return p.queues }

// ReportQueues logs the statistics of every stage queue each interval until
// ctx is done.
func (p *Pipeline[T]) ReportQueues(ctx context.Context, interval time.Duration) {
	for _, q := range p.queues {
		q.StartMetricsReporting(ctx, interval)
	}
}

// Received counts items handed to the pipeline, including dropped ones.
func (p *Pipeline[T]) Received() int64 { return p.received.Load() }

// Completed counts items that passed every stage.
func (p *Pipeline[T]) Completed() int64 { return p.completed.Load() }

// Handle enqueues v into the first stage. A full queue drops the item.
func (p *Pipeline[T]) Handle(ctx context.Context, v T) error {
	p.received.Add(1)
	if len(p.stages) == 0 {
		return nil
	}
	if !p.queues[0].Send(ctx, v) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordQueueDrop(p.log, p.queues[0].Name(), p.asset(v), p.stages[0].Name)
	}
	return nil
}

func (p *Pipeline[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline %s already running", p.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel

	for i := range p.stages {
		p.wg.Add(1)
		go p.runStage(runCtx, i)
	}
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"pipeline": p.name,
		"stages":   len(p.stages),
	}).Info("pipeline started")
	return nil
}

// Stop cancels the stage goroutines and waits for them. Items still queued are
// abandoned.
func (p *Pipeline[T]) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.WithComponent("pipeline").WithField("pipeline", p.name).Info("pipeline stopped")
}

func (p *Pipeline[T]) runStage(ctx context.Context, i int) {
	defer p.wg.Done()
	in := p.queues[i].C()
	last := i == len(p.stages)-1

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			out, keep, err := p.apply(ctx, p.stages[i], v)
			if err != nil {
				return
			}
			if !keep {
				continue
			}
			if last {
				p.completed.Add(1)
				continue
			}
			if !p.queues[i+1].Send(ctx, out) && ctx.Err() == nil {
				metrics.RecordQueueDrop(p.log, p.queues[i+1].Name(), p.asset(out), p.stages[i+1].Name)
			}
		}
	}
}

// apply runs the stage until it succeeds or ctx ends. Only a context error is
// returned.
func (p *Pipeline[T]) apply(ctx context.Context, stage Stage[T], v T) (T, bool, error) {
	b := p.retry.backoff()
	for {
		out, keep, err := stage.Apply(ctx, v)
		if err == nil {
			return out, keep, nil
		}
		if ctx.Err() != nil {
			return out, false, ctx.Err()
		}

		attempt := int(b.Attempt()) + 1
		delay := b.Duration()
		metrics.IncStageRetries(p.name, stage.Name)
		entry := p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
			"pipeline": p.name,
			"stage":    stage.Name,
			"asset":    p.asset(v),
			"attempt":  attempt,
			"delay":    delay.String(),
		})
		if attempt == 1 {
			entry.Warn("stage failed, retrying")
		} else {
			entry.Debug("stage failed, retrying")
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, false, ctx.Err()
		case <-t.C:
		}
	}
}
