// Package harvester keeps per-instrument order books in sync with the
// exchange feed and hands throttled, deduplicated results to the publisher.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bfxflow/internal/dedup"
	"bfxflow/internal/metrics"
	"bfxflow/internal/orderbook"
	"bfxflow/internal/retry"
	"bfxflow/internal/symbols"
	"bfxflow/internal/throttle"
	"bfxflow/logger"
	"bfxflow/models"
	"bfxflow/reader/bitfinex"
)

const component = "orderbooks_harvester"

type binding struct {
	pair string
	kind bitfinex.ChannelKind
}

// OrderBooksHarvester owns one websocket connection carrying book and ticker
// channels for every resolved pair.
type OrderBooksHarvester struct {
	opts      Options
	messenger bitfinex.Messenger
	mapper    *symbols.Mapper
	source    symbols.Source
	books     models.Handler[models.OrderBook]
	ticks     models.Handler[models.TickPrice]

	store    *orderbook.Store
	throttle *throttle.Throttle
	dedup    *dedup.Deduplicator

	bindingsMu sync.RWMutex
	bindings   map[int64]binding

	mu       sync.Mutex
	running  bool
	halted   bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	statsWG  sync.WaitGroup

	timerMu   sync.Mutex
	heartbeat *time.Timer
	refresh   *time.Timer

	restartMu  sync.Mutex
	restarting atomic.Bool
	state      atomic.Int32
	received   atomic.Int64
	published  atomic.Int64

	now func() time.Time
	log *logger.Log
}

// New wires the harvester. source is only consulted when the mapper does not
// filter; books or ticks may be nil when that output is disabled.
func New(opts Options, messenger bitfinex.Messenger, mapper *symbols.Mapper, source symbols.Source,
	books models.Handler[models.OrderBook], ticks models.Handler[models.TickPrice]) (*OrderBooksHarvester, error) {
	if messenger == nil {
		return nil, errors.New("harvester needs a messenger")
	}
	if mapper == nil {
		return nil, errors.New("harvester needs a symbol mapper")
	}
	th, err := throttle.New(opts.MaxEventsPerSecond)
	if err != nil {
		return nil, fmt.Errorf("create throttle: %w", err)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "orderbooks"
	}

	return &OrderBooksHarvester{
		opts:      opts,
		messenger: messenger,
		mapper:    mapper,
		source:    source,
		books:     books,
		ticks:     ticks,
		store:     orderbook.NewStore(),
		throttle:  th,
		dedup:     dedup.New(dedup.DefaultMultiplier),
		bindings:  make(map[int64]binding),
		now:       time.Now,
		log:       logger.GetLogger(),
	}, nil
}

func (h *OrderBooksHarvester) State() State {
	return State(h.state.Load())
}

func (h *OrderBooksHarvester) setState(s State) {
	if State(h.state.Swap(int32(s))) == s {
		return
	}
	metrics.SetHarvesterState(h.opts.Name, int(s))
	h.log.WithComponent(component).WithFields(logger.Fields{"state": s.String()}).Debug("state changed")
}

// Healthy reports an error unless the harvester is streaming.
func (h *OrderBooksHarvester) Healthy() error {
	if s := h.State(); s != StateStreaming {
		return fmt.Errorf("harvester is %s", s)
	}
	return nil
}

// Start launches the message loop, the statistics task and the heartbeat
// timer under a cancellation scope derived from ctx.
func (h *OrderBooksHarvester) Start(ctx context.Context) error {
	h.mu.Lock()
	h.halted = false
	h.mu.Unlock()
	return h.start(ctx)
}

func (h *OrderBooksHarvester) start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("orderbooks harvester already running")
	}
	if h.halted {
		return fmt.Errorf("orderbooks harvester stopped")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.ctx = ctx
	h.cancel = cancel
	h.loopDone = make(chan struct{})

	h.log.WithComponent(component).WithFields(logger.Fields{
		"heartbeat_period":       h.opts.HeartbeatPeriod.String(),
		"snapshot_refresh_delay": h.opts.SnapshotRefreshDelay.String(),
		"max_events_per_second":  h.opts.MaxEventsPerSecond,
	}).Info("starting orderbooks harvester")

	h.statsWG.Add(1)
	go h.reportStatistics(loopCtx)

	h.timerMu.Lock()
	h.heartbeat = time.AfterFunc(h.opts.HeartbeatPeriod, h.onHeartbeatTimeout)
	h.timerMu.Unlock()

	go h.run(loopCtx, h.loopDone)
	return nil
}

// Stop cancels the loop, waits for it up to the stop timeout, then disposes
// the timers and joins the statistics task. A restart in progress is waited
// for first. Stopping twice is a no-op.
func (h *OrderBooksHarvester) Stop() {
	h.mu.Lock()
	h.halted = true
	h.mu.Unlock()

	h.restartMu.Lock()
	defer h.restartMu.Unlock()
	h.stop()
}

func (h *OrderBooksHarvester) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel, done := h.cancel, h.loopDone
	h.mu.Unlock()

	log := h.log.WithComponent(component)
	log.Info("stopping orderbooks harvester")

	cancel()
	select {
	case <-done:
	case <-time.After(h.opts.StopTimeout):
		log.WithFields(logger.Fields{"timeout": h.opts.StopTimeout.String()}).Warn("message loop did not stop in time")
	}

	h.timerMu.Lock()
	if h.heartbeat != nil {
		h.heartbeat.Stop()
		h.heartbeat = nil
	}
	h.timerMu.Unlock()
	h.CancelSnapshotRefresh()

	h.statsWG.Wait()
	h.setState(StateDisconnected)
	log.Info("orderbooks harvester stopped")
}

// RestartMessenger stops and starts the harvester unless a restart is
// already underway.
func (h *OrderBooksHarvester) RestartMessenger(reason string) {
	if !h.restarting.CompareAndSwap(false, true) {
		return
	}
	defer h.restarting.Store(false)

	h.restartMu.Lock()
	defer h.restartMu.Unlock()

	h.mu.Lock()
	ctx, halted := h.ctx, h.halted
	h.mu.Unlock()
	if halted || ctx == nil || ctx.Err() != nil {
		return
	}

	h.log.WithComponent(component).WithFields(logger.Fields{"reason": reason}).Warn("restarting messenger")
	metrics.IncRestarts(reason)
	h.setState(StateRestarting)

	h.stop()
	if err := h.start(ctx); err != nil {
		h.log.WithComponent(component).WithError(err).Warn("restart aborted")
	}
}

func (h *OrderBooksHarvester) onHeartbeatTimeout() {
	h.RestartMessenger(ReasonHeartbeat)
}

func (h *OrderBooksHarvester) rechargeHeartbeat() {
	h.timerMu.Lock()
	if h.heartbeat != nil {
		h.heartbeat.Reset(h.opts.HeartbeatPeriod)
	}
	h.timerMu.Unlock()
}

func (h *OrderBooksHarvester) pauseHeartbeat() {
	h.timerMu.Lock()
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	h.timerMu.Unlock()
}

// ScheduleSnapshotRefresh arms the single-shot resubscription timer. It does
// nothing while one is already pending.
func (h *OrderBooksHarvester) ScheduleSnapshotRefresh() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if h.refresh != nil {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(h.opts.SnapshotRefreshDelay, func() {
		h.timerMu.Lock()
		if h.refresh != t {
			h.timerMu.Unlock()
			return
		}
		h.refresh = nil
		h.timerMu.Unlock()
		h.RestartMessenger(ReasonRefresh)
	})
	h.refresh = t
}

func (h *OrderBooksHarvester) CancelSnapshotRefresh() {
	h.timerMu.Lock()
	if h.refresh != nil {
		h.refresh.Stop()
		h.refresh = nil
	}
	h.timerMu.Unlock()
}

// RefreshPending reports whether a snapshot refresh is scheduled.
func (h *OrderBooksHarvester) RefreshPending() bool {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	return h.refresh != nil
}

func (h *OrderBooksHarvester) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	log := h.log.WithComponent(component)
	r := retry.New(h.opts.Retry, func(a retry.Attempt) {
		h.pauseHeartbeat()
		h.setState(StateDisconnected)
		entry := log.WithError(a.Err).WithFields(logger.Fields{
			"attempt": a.Number,
			"delay":   a.Delay.String(),
		})
		switch {
		case a.Number == 1:
			entry.Warn("connection attempt failed, retrying")
		case a.Long:
			entry.Error("connection keeps failing, backing off")
		default:
			entry.Debug("connection attempt failed, retrying")
		}
	})

	if err := r.Run(ctx, h.attempt); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("message loop ended")
	}
	h.setState(StateDisconnected)
}

func (h *OrderBooksHarvester) attempt(ctx context.Context) error {
	h.setState(StateConnecting)
	if err := h.messenger.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer h.messenger.Close()
	h.rechargeHeartbeat()

	h.bindingsMu.Lock()
	h.bindings = make(map[int64]binding)
	h.bindingsMu.Unlock()
	h.store.Reset()

	pairs, err := h.mapper.Pairs(ctx, h.source)
	if err != nil {
		return err
	}

	h.setState(StateSubscribing)
	if err := h.subscribe(ctx, pairs); err != nil {
		return err
	}

	h.setState(StateStreaming)
	for {
		frame, err := h.messenger.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		h.received.Add(1)
		h.rechargeHeartbeat()
		metrics.IncFramesReceived("orderbooks_ws")
		logger.RecordStreamMessage("orderbooks_ws", len(frame))

		msg, err := bitfinex.Decode(frame, h)
		if err != nil {
			h.log.WithComponent(component).WithError(err).Warn("dropping undecodable frame")
			continue
		}
		if err := h.handle(ctx, msg, h.now()); err != nil {
			return err
		}
	}
}

func (h *OrderBooksHarvester) subscribe(ctx context.Context, pairs []string) error {
	log := h.log.WithComponent(component)
	log.WithFields(logger.Fields{"pairs": len(pairs)}).Info("subscribing")

	send := func(req any) error {
		if err := h.messenger.Send(ctx, req); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if h.opts.SubscribeInterval <= 0 {
			return nil
		}
		t := time.NewTimer(h.opts.SubscribeInterval)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, pair := range pairs {
		if h.opts.PublishBooks {
			if err := send(bitfinex.NewSubscribeBookRequest(pair)); err != nil {
				return err
			}
		}
		if h.opts.PublishTicks {
			if err := send(bitfinex.NewSubscribeTickerRequest(pair)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChannelKind resolves channel ids for the decoder.
func (h *OrderBooksHarvester) ChannelKind(chanID int64) (bitfinex.ChannelKind, bool) {
	b, ok := h.binding(chanID)
	return b.kind, ok
}

func (h *OrderBooksHarvester) binding(chanID int64) (binding, bool) {
	h.bindingsMu.RLock()
	defer h.bindingsMu.RUnlock()
	b, ok := h.bindings[chanID]
	return b, ok
}

func (h *OrderBooksHarvester) boundPair(chanID int64, kind bitfinex.ChannelKind) (string, error) {
	b, ok := h.binding(chanID)
	if !ok {
		return "", &orderbook.ConsistencyError{Reason: fmt.Sprintf("channel %d is not bound", chanID)}
	}
	if b.kind != kind {
		return "", &orderbook.ConsistencyError{Pair: b.pair, Reason: fmt.Sprintf("channel %d is a %s channel, got %s payload", chanID, b.kind, kind)}
	}
	return b.pair, nil
}

// handle applies one decoded message. at is its receive time; it stamps the
// book and is the time the throttle judges.
func (h *OrderBooksHarvester) handle(ctx context.Context, msg bitfinex.Message, at time.Time) error {
	log := h.log.WithComponent(component)

	switch m := msg.(type) {
	case bitfinex.SubscribedEvent:
		pair := symbols.Normalize(m.Pair)
		h.bindingsMu.Lock()
		h.bindings[m.ChanID] = binding{pair: pair, kind: bitfinex.KindOf(m.Channel)}
		h.bindingsMu.Unlock()
		log.WithFields(logger.Fields{"chan_id": m.ChanID, "channel": m.Channel, "pair": pair}).Debug("subscribed")

	case bitfinex.InfoEvent:
		log.WithFields(logger.Fields{"version": m.Version, "code": m.Code, "msg": m.Msg}).Info("exchange info")

	case bitfinex.ErrorEvent:
		return fmt.Errorf("exchange error %d: %s", m.Code, m.Msg)

	case bitfinex.UnboundChannelMessage:
		return &orderbook.ConsistencyError{Reason: fmt.Sprintf("channel %d is not bound", m.ChanID)}

	case bitfinex.SnapshotMessage:
		pair, err := h.boundPair(m.ChanID, bitfinex.ChannelBook)
		if err != nil {
			return err
		}
		h.store.ApplySnapshot(pair, at, m.Entries)
		if h.store.DetectNegativeSpread(pair) {
			log.WithFields(logger.Fields{"pair": pair}).Warn("negative spread in snapshot")
			h.ScheduleSnapshotRefresh()
		} else {
			h.CancelSnapshotRefresh()
		}
		h.publishBook(ctx, pair, at)

	case bitfinex.DeltaMessage:
		pair, err := h.boundPair(m.ChanID, bitfinex.ChannelBook)
		if err != nil {
			return err
		}
		if err := h.store.ApplyDelta(pair, at, m.Entry); err != nil {
			return err
		}
		if h.store.DetectNegativeSpread(pair) {
			log.WithFields(logger.Fields{"pair": pair}).Debug("negative spread, refresh scheduled")
			h.ScheduleSnapshotRefresh()
			return nil
		}
		h.CancelSnapshotRefresh()
		h.publishBook(ctx, pair, at)

	case bitfinex.TickerMessage:
		pair, err := h.boundPair(m.ChanID, bitfinex.ChannelTicker)
		if err != nil {
			return err
		}
		h.publishTicker(ctx, pair, m, at)

	case bitfinex.Unrecognized:
		log.WithFields(logger.Fields{"frame": string(m.Raw)}).Warn("unrecognized frame")

	case bitfinex.AuthEvent, bitfinex.PongEvent, bitfinex.HeartbeatEvent, bitfinex.AccountMessage, bitfinex.TradeExecutionMessage:
	}
	return nil
}

func (h *OrderBooksHarvester) publishBook(ctx context.Context, pair string, at time.Time) {
	h.published.Add(1)
	if h.books == nil {
		return
	}
	log := h.log.WithComponent(component).WithFields(logger.Fields{"pair": pair})

	instrument, err := h.mapper.ExchangeToInstrument(pair)
	if err != nil {
		log.WithError(err).Warn("book not published")
		return
	}
	if !h.throttle.Allow(instrument, at) {
		metrics.IncThrottled("harvester_books")
		return
	}

	book, ok := h.store.Materialize(pair)
	if !ok {
		return
	}
	book.Asset = instrument
	if !h.dedup.Accept(book.TickPrice()) {
		metrics.IncDedupRejected(instrument)
		return
	}

	if err := h.books.Handle(ctx, book); err != nil {
		log.WithError(err).Warn("order book handler failed")
		return
	}
	metrics.IncHarvested("orderbook", instrument)
}

func (h *OrderBooksHarvester) publishTicker(ctx context.Context, pair string, m bitfinex.TickerMessage, at time.Time) {
	if h.ticks == nil {
		return
	}
	log := h.log.WithComponent(component).WithFields(logger.Fields{"pair": pair})

	instrument, err := h.mapper.ExchangeToInstrument(pair)
	if err != nil {
		log.WithError(err).Warn("tick not published")
		return
	}
	if !h.throttle.Allow("ticker:"+instrument, at) {
		metrics.IncThrottled("harvester_ticks")
		return
	}

	tick := models.TickPrice{
		Source:    models.ExchangeName,
		Asset:     instrument,
		Timestamp: at,
		Ask:       m.Ask,
		Bid:       m.Bid,
	}
	if err := h.ticks.Handle(ctx, tick); err != nil {
		log.WithError(err).Warn("tick handler failed")
		return
	}
	metrics.IncHarvested("tickprice", instrument)
}

// reportStatistics logs and resets the received and published counters
// every statistics interval.
func (h *OrderBooksHarvester) reportStatistics(ctx context.Context) {
	defer h.statsWG.Done()
	interval := h.opts.StatisticsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.logStatistics(interval)
		}
	}
}

func (h *OrderBooksHarvester) logStatistics(interval time.Duration) {
	received := h.received.Swap(0)
	published := h.published.Swap(0)
	secs := interval.Seconds()
	h.log.WithComponent(component).WithFields(logger.Fields{
		"received":             received,
		"published":            published,
		"received_per_second":  float64(received) / secs,
		"published_per_second": float64(published) / secs,
		"interval":             interval.String(),
		"state":                h.State().String(),
	}).Info("harvester statistics")

	h.log.LogMetric(component, "frames_received", received, "counter", logger.Fields{"harvester": h.opts.Name})
	h.log.LogMetric(component, "items_harvested", published, "counter", logger.Fields{"harvester": h.opts.Name})
}
