package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bfxflow/config"
	"bfxflow/internal/metrics"
	"bfxflow/internal/throttle"
	"bfxflow/logger"
	"bfxflow/models"
)

// Publisher delivers one entity to a named stream of the bus.
type Publisher interface {
	Publish(ctx context.Context, stream string, v any) error
}

// anomalyRatio is the mid-price jump, in either direction, beyond which a book
// is considered broken.
var anomalyRatio = decimal.NewFromInt(10)

type ServiceOptions struct {
	Publisher              config.PublisherConfig
	MaxEventsPerSecond     float64
	AllowedAnomalousAssets []string
	StatisticsInterval     time.Duration
	Retry                  RetryPolicy
}

func ServiceOptionsFromConfig(cfg *config.Config) ServiceOptions {
	return ServiceOptions{
		Publisher:              cfg.Publisher,
		MaxEventsPerSecond:     cfg.Bitfinex.MaxEventPerSecondByInstrument,
		AllowedAnomalousAssets: cfg.Bitfinex.AllowedAnomalousAssets,
		StatisticsInterval:     cfg.Bitfinex.StatisticsInterval,
		Retry:                  DefaultRetryPolicy(),
	}
}

type midPrices struct {
	ask, bid       decimal.Decimal
	hasAsk, hasBid bool
}

// PublishingService filters harvested books and ticks and publishes them to
// the bus.
type PublishingService struct {
	opts      ServiceOptions
	publisher Publisher

	books      *Pipeline[models.OrderBook]
	ticks      *Pipeline[models.TickPrice]
	executions *Pipeline[models.ExecutionReport]

	bookThrottle *throttle.Throttle
	tickThrottle *throttle.Throttle
	allowed      map[string]struct{}

	mu       sync.Mutex
	mids     map[string]midPrices
	lastTick map[string]models.TickPrice

	runMu        sync.Mutex
	running      bool
	cancel       context.CancelFunc
	statsWG      sync.WaitGroup
	lastReceived int64
	lastBooksOut int64
	lastTicksOut int64

	log *logger.Log
}

func NewPublishingService(opts ServiceOptions, publisher Publisher) (*PublishingService, error) {
	bookThrottle, err := throttle.New(opts.MaxEventsPerSecond)
	if err != nil {
		return nil, err
	}
	tickThrottle, err := throttle.New(opts.MaxEventsPerSecond)
	if err != nil {
		return nil, err
	}
	if opts.StatisticsInterval <= 0 {
		opts.StatisticsInterval = time.Minute
	}

	s := &PublishingService{
		opts:         opts,
		publisher:    publisher,
		bookThrottle: bookThrottle,
		tickThrottle: tickThrottle,
		allowed:      make(map[string]struct{}, len(opts.AllowedAnomalousAssets)),
		mids:         make(map[string]midPrices),
		lastTick:     make(map[string]models.TickPrice),
		log:          logger.GetLogger(),
	}
	for _, a := range opts.AllowedAnomalousAssets {
		s.allowed[a] = struct{}{}
	}

	size := opts.Publisher.QueueSize
	bookAsset := func(b models.OrderBook) string { return b.Asset }
	tickAsset := func(t models.TickPrice) string { return t.Asset }
	bookTime := func(b models.OrderBook) time.Time { return b.Timestamp }
	tickTime := func(t models.TickPrice) time.Time { return t.Timestamp }

	s.books = NewPipeline("orderbooks", size, opts.Retry, bookAsset,
		Stage[models.OrderBook]{Name: "positive_spread", Apply: s.positiveSpread},
		Stage[models.OrderBook]{Name: "anomaly", Apply: s.filterAnomaly},
		Stage[models.OrderBook]{Name: "throttle", Apply: throttleStage(bookThrottle, bookAsset, bookTime, "orderbooks")},
		Stage[models.OrderBook]{Name: "publish", Apply: publishStage(s.publisher, opts.Publisher.OrderBooks, bookAsset, metrics.IncBooksPublished)},
	)
	s.ticks = NewPipeline("tickprices", size, opts.Retry, tickAsset,
		Stage[models.TickPrice]{Name: "distinct", Apply: s.distinct},
		Stage[models.TickPrice]{Name: "throttle", Apply: throttleStage(tickThrottle, tickAsset, tickTime, "tickprices")},
		Stage[models.TickPrice]{Name: "publish", Apply: publishStage(s.publisher, opts.Publisher.TickPrices, tickAsset, metrics.IncTicksPublished)},
	)
	s.executions = NewPipeline("executions", size, opts.Retry,
		func(r models.ExecutionReport) string { return r.Instrument },
		Stage[models.ExecutionReport]{Name: "publish", Apply: publishStage(s.publisher, opts.Publisher.Executions, nil, nil)},
	)
	return s, nil
}

// OrderBooks is the handler the order-book harvester feeds.
func (s *PublishingService) OrderBooks() models.Handler[models.OrderBook] {
	if !s.booksEnabled() {
		return discard[models.OrderBook]()
	}
	return s.books
}

// TickPrices is the handler for ticker-channel ticks. Ticks derived from books
// enter the same pipeline.
func (s *PublishingService) TickPrices() models.Handler[models.TickPrice] {
	if !s.opts.Publisher.TickPrices.Enabled {
		return discard[models.TickPrice]()
	}
	return s.ticks
}

func (s *PublishingService) Executions() models.Handler[models.ExecutionReport] {
	if !s.opts.Publisher.Executions.Enabled {
		return discard[models.ExecutionReport]()
	}
	return s.executions
}

// Books also drive tick prices, so the book pipeline runs when either output
// is enabled.
func (s *PublishingService) booksEnabled() bool {
	return s.opts.Publisher.OrderBooks.Enabled || s.opts.Publisher.TickPrices.Enabled
}

func discard[T any]() models.Handler[T] {
	return models.HandlerFunc[T](func(context.Context, T) error { return nil })
}

// Sizers lists every stage queue for the queue size gauge.
func (s *PublishingService) Sizers() []metrics.Sizer {
	var out []metrics.Sizer
	for _, q := range s.books.Queues() {
		out = append(out, q)
	}
	for _, q := range s.ticks.Queues() {
		out = append(out, q)
	}
	for _, q := range s.executions.Queues() {
		out = append(out, q)
	}
	return out
}

type runnable interface {
	Start(ctx context.Context) error
	Stop()
	ReportQueues(ctx context.Context, interval time.Duration)
}

func (s *PublishingService) enabledPipelines() []runnable {
	var out []runnable
	if s.booksEnabled() {
		out = append(out, s.books)
	}
	if s.opts.Publisher.TickPrices.Enabled {
		out = append(out, s.ticks)
	}
	if s.opts.Publisher.Executions.Enabled {
		out = append(out, s.executions)
	}
	return out
}

func (s *PublishingService) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("publishing service already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	var started []runnable
	for _, p := range s.enabledPipelines() {
		if err := p.Start(runCtx); err != nil {
			for _, r := range started {
				r.Stop()
			}
			cancel()
			return err
		}
		started = append(started, p)
	}
	for _, p := range started {
		p.ReportQueues(runCtx, s.opts.StatisticsInterval)
	}

	s.running = true
	s.cancel = cancel
	s.statsWG.Add(1)
	go s.reportStatistics(runCtx)

	s.log.WithComponent("publishing_service").WithFields(logger.Fields{
		"order_books": s.opts.Publisher.OrderBooks.Enabled,
		"tick_prices": s.opts.Publisher.TickPrices.Enabled,
		"executions":  s.opts.Publisher.Executions.Enabled,
	}).Info("publishing service started")
	return nil
}

func (s *PublishingService) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runMu.Unlock()

	cancel()
	s.books.Stop()
	s.ticks.Stop()
	s.executions.Stop()
	s.statsWG.Wait()
	s.log.WithComponent("publishing_service").Info("publishing service stopped")
}

func (s *PublishingService) positiveSpread(ctx context.Context, ob models.OrderBook) (models.OrderBook, bool, error) {
	return ob, !ob.HasNegativeSpread(), nil
}

// filterAnomaly drops a book whose ask or bid mid-price moved more than
// anomalyRatio times against the last accepted book of the asset. Accepted
// books also feed the tick pipeline.
func (s *PublishingService) filterAnomaly(ctx context.Context, ob models.OrderBook) (models.OrderBook, bool, error) {
	if _, ok := s.allowed[ob.Asset]; !ok {
		if !s.acceptMids(ob) {
			metrics.IncAnomalies(ob.Asset)
			return ob, false, nil
		}
	}

	if s.opts.Publisher.TickPrices.Enabled {
		if err := s.ticks.Handle(ctx, ob.TickPrice()); err != nil {
			return ob, false, err
		}
	}
	return ob, s.opts.Publisher.OrderBooks.Enabled, nil
}

func (s *PublishingService) acceptMids(ob models.OrderBook) bool {
	ask, hasAsk := midPrice(ob.Asks)
	bid, hasBid := midPrice(ob.Bids)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mids[ob.Asset]

	if s.anomalous(ob.Asset, "ask", prev.ask, ask, prev.hasAsk && hasAsk) ||
		s.anomalous(ob.Asset, "bid", prev.bid, bid, prev.hasBid && hasBid) {
		return false
	}

	if hasAsk {
		prev.ask, prev.hasAsk = ask, true
	}
	if hasBid {
		prev.bid, prev.hasBid = bid, true
	}
	s.mids[ob.Asset] = prev
	return true
}

func (s *PublishingService) anomalous(asset, side string, prev, cur decimal.Decimal, both bool) bool {
	if !both || !isAnomaly(prev, cur) {
		return false
	}
	s.log.WithComponent("publishing_service").WithFields(logger.Fields{
		"asset":    asset,
		"side":     side,
		"previous": prev.String(),
		"current":  cur.String(),
	}).Warn("found anomaly, order book skipped")
	return true
}

// midPrice is the midpoint between the extreme prices of one side.
func midPrice(levels []models.PriceLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	lo, hi := levels[0].Price, levels[0].Price
	for _, l := range levels[1:] {
		lo = decimal.Min(lo, l.Price)
		hi = decimal.Max(hi, l.Price)
	}
	return lo.Add(hi).Div(decimal.NewFromInt(2)), true
}

func isAnomaly(prev, cur decimal.Decimal) bool {
	if prev.IsZero() || cur.IsZero() {
		return false
	}
	return cur.Div(prev).GreaterThan(anomalyRatio) || prev.Div(cur).GreaterThan(anomalyRatio)
}

// distinct drops a tick that quotes the same prices as the previous one of
// its asset.
func (s *PublishingService) distinct(ctx context.Context, t models.TickPrice) (models.TickPrice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastTick[t.Asset]; ok && prev.SamePrices(t) {
		return t, false, nil
	}
	s.lastTick[t.Asset] = t
	return t, true, nil
}

// throttleStage gates on the item's own timestamp, not on when it reaches the
// stage, so queueing delay upstream cannot push an item inside the interval.
func throttleStage[T any](th *throttle.Throttle, asset func(T) string, stamp func(T) time.Time, name string) func(context.Context, T) (T, bool, error) {
	return func(ctx context.Context, v T) (T, bool, error) {
		at := stamp(v)
		if at.IsZero() {
			at = time.Now()
		}
		if !th.Allow(asset(v), at) {
			metrics.IncThrottled(name)
			return v, false, nil
		}
		return v, true, nil
	}
}

func publishStage[T any](pub Publisher, target config.PublishTarget, asset func(T) string, count func(string)) func(context.Context, T) (T, bool, error) {
	return func(ctx context.Context, v T) (T, bool, error) {
		if err := pub.Publish(ctx, target.Stream, v); err != nil {
			return v, false, fmt.Errorf("publish to %s: %w", target.Stream, err)
		}
		if count != nil && asset != nil {
			count(asset(v))
		}
		return v, true, nil
	}
}

func (s *PublishingService) reportStatistics(ctx context.Context) {
	defer s.statsWG.Done()
	ticker := time.NewTicker(s.opts.StatisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStatistics()
		}
	}
}

func (s *PublishingService) logStatistics() {
	received := s.books.Received()
	booksOut := s.books.Completed()
	ticksOut := s.ticks.Completed()

	counts := map[string]int64{"orderbooks_received": received - s.lastReceived}
	if s.opts.Publisher.OrderBooks.Enabled {
		counts["orderbooks_published"] = booksOut - s.lastBooksOut
	}
	if s.opts.Publisher.TickPrices.Enabled {
		counts["tickprices_published"] = ticksOut - s.lastTicksOut
	}
	s.lastReceived, s.lastBooksOut, s.lastTicksOut = received, booksOut, ticksOut

	fields := logger.Fields{"window": s.opts.StatisticsInterval.String()}
	for name, n := range counts {
		fields[name] = n
	}
	s.log.WithComponent("publishing_service").WithFields(fields).Info("publishing statistics")
	for name, n := range counts {
		s.log.LogMetric("publishing_service", name, n, "counter", nil)
	}
}
