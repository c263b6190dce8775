package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/redis/go-redis/v9"

	appconfig "bfxflow/config"
	"bfxflow/internal/metrics"
	"bfxflow/logger"
)

// ErrClosed is returned by Publish after Stop.
var ErrClosed = errors.New("redis writer stopped")

// Entry is one pending stream record.
type Entry struct {
	Stream string
	Data   []byte
}

// StreamClient appends a batch of entries to their streams.
type StreamClient interface {
	AddBatch(ctx context.Context, maxLen int64, entries []Entry) error
	Ping(ctx context.Context) error
	Close() error
}

type redisStreams struct {
	client *redis.Client
}

// NewRedisStreams connects to the server behind url (redis://host:port/db).
func NewRedisStreams(url string) (StreamClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &redisStreams{client: redis.NewClient(opt)}, nil
}

// AddBatch sends every entry as XADD ... MAXLEN ~ maxLen in one pipeline.
func (r *redisStreams) AddBatch(ctx context.Context, maxLen int64, entries []Entry) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: e.Stream,
				MaxLen: maxLen,
				Approx: true,
				Values: map[string]any{"data": string(e.Data)},
			})
		}
		return nil
	})
	return err
}

func (r *redisStreams) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStreams) Close() error {
	return r.client.Close()
}

// RedisWriter buffers envelopes and writes them to Redis streams in batches.
type RedisWriter struct {
	cfg    appconfig.RedisConfig
	client StreamClient

	pendingMu sync.Mutex
	pending   deque.Deque[Entry]
	flushMu   sync.Mutex

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	failures int
	log      *logger.Log
}

func NewRedisWriter(cfg appconfig.RedisConfig, client StreamClient) *RedisWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.QueueCapacity < cfg.BatchSize {
		cfg.QueueCapacity = cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	w := &RedisWriter{
		cfg:    cfg,
		client: client,
		log:    logger.GetLogger(),
	}
	w.log.WithComponent("redis_writer").WithFields(logger.Fields{
		"batch_size":     cfg.BatchSize,
		"flush_interval": cfg.FlushInterval.String(),
		"queue_capacity": cfg.QueueCapacity,
		"max_len":        cfg.MaxLen,
	}).Debug("redis writer initialized")
	return w
}

// Pending is the number of queued entries.
func (w *RedisWriter) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.pending.Len()
}

// Healthy pings the server.
func (w *RedisWriter) Healthy(ctx context.Context) error {
	return w.client.Ping(ctx)
}

// Publish wraps v in an envelope and queues it for stream. Once a full batch
// is pending it is flushed synchronously. A failed flush keeps the entries
// queued and is not reported to the caller.
func (w *RedisWriter) Publish(ctx context.Context, stream string, v any) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := newEnvelope(v, time.Now())
	if err != nil {
		return err
	}

	w.pendingMu.Lock()
	if w.pending.Len() >= w.cfg.QueueCapacity {
		dropped := w.pending.PopFront()
		metrics.RecordQueueDrop(w.log, "redis_pending", "", dropped.Stream)
	}
	w.pending.PushBack(Entry{Stream: stream, Data: data})
	full := w.pending.Len() >= w.cfg.BatchSize
	w.pendingMu.Unlock()

	if full {
		if err := w.Flush(ctx); err != nil {
			w.logFlushError(err)
		}
	}
	return nil
}

// Flush writes the pending entries in batches of BatchSize. A failed batch is
// put back at the front of the queue and its error returned.
func (w *RedisWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		batch := w.take()
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		if err := w.client.AddBatch(ctx, w.cfg.MaxLen, batch); err != nil {
			w.requeue(batch)
			return fmt.Errorf("xadd batch of %d: %w", len(batch), err)
		}
		if w.failures > 0 {
			w.log.WithComponent("redis_writer").WithFields(logger.Fields{"failures": w.failures}).Info("redis writes recovered")
			w.failures = 0
		}
		w.log.WithComponent("redis_writer").WithFields(logger.Fields{
			"entries":  len(batch),
			"duration": time.Since(start).String(),
		}).Debug("batch written to redis")
	}
}

func (w *RedisWriter) take() []Entry {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	n := min(w.pending.Len(), w.cfg.BatchSize)
	batch := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, w.pending.PopFront())
	}
	return batch
}

// requeue restores batch ahead of anything queued since it was taken. If the
// queue filled up meanwhile, the oldest batch entries are dropped.
func (w *RedisWriter) requeue(batch []Entry) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for i := len(batch) - 1; i >= 0; i-- {
		if w.pending.Len() >= w.cfg.QueueCapacity {
			metrics.RecordQueueDrop(w.log, "redis_pending", "", batch[i].Stream)
			continue
		}
		w.pending.PushFront(batch[i])
	}
}

func (w *RedisWriter) logFlushError(err error) {
	w.flushMu.Lock()
	w.failures++
	failures := w.failures
	w.flushMu.Unlock()

	entry := w.log.WithComponent("redis_writer").WithError(err).WithFields(logger.Fields{
		"failures": failures,
		"pending":  w.Pending(),
	})
	if failures == 1 {
		entry.Warn("redis flush failed, entries kept")
	} else {
		entry.Debug("redis flush failed, entries kept")
	}
}

func (w *RedisWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("redis writer already running")
	}
	if w.closed {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel

	w.wg.Add(1)
	go w.flusher(runCtx)

	w.log.WithComponent("redis_writer").Info("redis writer started")
	return nil
}

func (w *RedisWriter) flusher(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.logFlushError(err)
			}
		}
	}
}

// Stop ends the flusher, writes what remains and closes the client.
func (w *RedisWriter) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	running, cancel := w.running, w.cancel
	w.running = false
	w.mu.Unlock()

	if running {
		cancel()
		w.wg.Wait()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := w.Flush(ctx); err != nil {
		w.log.WithComponent("redis_writer").WithError(err).WithFields(logger.Fields{"pending": w.Pending()}).Warn("final flush failed, entries lost")
	}
	if err := w.client.Close(); err != nil {
		w.log.WithComponent("redis_writer").WithError(err).Debug("redis client close failed")
	}
	w.log.WithComponent("redis_writer").Info("redis writer stopped")
}
