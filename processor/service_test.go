package processor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxflow/config"
	"bfxflow/logger"
	"bfxflow/models"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	streams  map[string][]any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{streams: make(map[string][]any)}
}

func (f *fakePublisher) Publish(ctx context.Context, stream string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("bus unavailable")
	}
	f.streams[stream] = append(f.streams[stream], v)
	return nil
}

func (f *fakePublisher) count(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[stream])
}

func (f *fakePublisher) items(stream string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.streams[stream]...)
}

func testServiceOptions() ServiceOptions {
	cfg := config.Default()
	return ServiceOptions{
		Publisher:          cfg.Publisher,
		StatisticsInterval: time.Hour,
		Retry:              RetryPolicy{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}
}

func startService(t *testing.T, opts ServiceOptions, pub Publisher) *PublishingService {
	t.Helper()
	s, err := NewPublishingService(opts, pub)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func book(asset string, ask, bid float64) models.OrderBook {
	return models.OrderBook{
		Source:    models.ExchangeName,
		Asset:     asset,
		Timestamp: time.Now().UTC(),
		Asks:      []models.PriceLevel{{Price: decimal.NewFromFloat(ask), Volume: decimal.NewFromInt(1)}},
		Bids:      []models.PriceLevel{{Price: decimal.NewFromFloat(bid), Volume: decimal.NewFromInt(1)}},
	}
}

func streams() (string, string, string) {
	p := config.Default().Publisher
	return p.OrderBooks.Stream, p.TickPrices.Stream, p.Executions.Stream
}

func TestBookIsPublishedWithDerivedTick(t *testing.T) {
	pub := newFakePublisher()
	s := startService(t, testServiceOptions(), pub)
	books, ticks, _ := streams()

	require.NoError(t, s.OrderBooks().Handle(context.Background(), book("BTCUSD", 101, 100)))

	require.Eventually(t, func() bool { return pub.count(books) == 1 && pub.count(ticks) == 1 }, time.Second, 5*time.Millisecond)
	tick := pub.items(ticks)[0].(models.TickPrice)
	assert.Equal(t, "BTCUSD", tick.Asset)
	assert.True(t, tick.Ask.Equal(decimal.NewFromInt(101)))
	assert.True(t, tick.Bid.Equal(decimal.NewFromInt(100)))
}

func TestNegativeSpreadBookIsDropped(t *testing.T) {
	pub := newFakePublisher()
	s := startService(t, testServiceOptions(), pub)
	books, _, _ := streams()

	require.NoError(t, s.OrderBooks().Handle(context.Background(), book("BTCUSD", 100, 101)))
	require.NoError(t, s.OrderBooks().Handle(context.Background(), book("ETHUSD", 11, 10)))

	require.Eventually(t, func() bool { return pub.count(books) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ETHUSD", pub.items(books)[0].(models.OrderBook).Asset)
}

func TestAnomalousBookIsSkipped(t *testing.T) {
	pub := newFakePublisher()
	opts := testServiceOptions()
	opts.AllowedAnomalousAssets = []string{"XRPUSD"}
	s := startService(t, opts, pub)
	books, _, _ := streams()
	ctx := context.Background()

	require.NoError(t, s.OrderBooks().Handle(ctx, book("BTCUSD", 101, 100)))
	require.NoError(t, s.OrderBooks().Handle(ctx, book("BTCUSD", 2001, 2000)))
	require.NoError(t, s.OrderBooks().Handle(ctx, book("BTCUSD", 103, 102)))
	require.NoError(t, s.OrderBooks().Handle(ctx, book("XRPUSD", 1.1, 1)))
	require.NoError(t, s.OrderBooks().Handle(ctx, book("XRPUSD", 30, 29)))

	require.Eventually(t, func() bool { return pub.count(books) == 4 }, time.Second, 5*time.Millisecond)
	var btc []string
	for _, v := range pub.items(books) {
		ob := v.(models.OrderBook)
		if ob.Asset == "BTCUSD" {
			btc = append(btc, ob.Asks[0].Price.String())
		}
	}
	assert.Equal(t, []string{"101", "103"}, btc)
}

func TestMidPriceAndAnomaly(t *testing.T) {
	mid, ok := midPrice([]models.PriceLevel{
		{Price: decimal.NewFromInt(10)},
		{Price: decimal.NewFromInt(30)},
		{Price: decimal.NewFromInt(20)},
	})
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(20)))

	_, ok = midPrice(nil)
	assert.False(t, ok)

	assert.True(t, isAnomaly(decimal.NewFromInt(1), decimal.NewFromInt(11)))
	assert.True(t, isAnomaly(decimal.NewFromInt(11), decimal.NewFromInt(1)))
	assert.False(t, isAnomaly(decimal.NewFromInt(1), decimal.NewFromInt(10)))
}

func TestDistinctTicks(t *testing.T) {
	pub := newFakePublisher()
	s := startService(t, testServiceOptions(), pub)
	_, ticks, _ := streams()
	ctx := context.Background()

	tick := models.TickPrice{Asset: "BTCUSD", Ask: decimal.NewFromInt(2), Bid: decimal.NewFromInt(1)}
	require.NoError(t, s.TickPrices().Handle(ctx, tick))
	tick.Timestamp = time.Now()
	require.NoError(t, s.TickPrices().Handle(ctx, tick))
	tick.Ask = decimal.NewFromInt(3)
	require.NoError(t, s.TickPrices().Handle(ctx, tick))

	require.Eventually(t, func() bool { return pub.count(ticks) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, pub.count(ticks))
}

func TestPublishFailureIsRetried(t *testing.T) {
	pub := newFakePublisher()
	pub.failures = 3
	s := startService(t, testServiceOptions(), pub)
	_, _, executions := streams()

	report := models.ExecutionReport{ExchangeOrderID: 7, Instrument: "BTCUSD"}
	require.NoError(t, s.Executions().Handle(context.Background(), report))

	require.Eventually(t, func() bool { return pub.count(executions) == 1 }, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	assert.Equal(t, 4, pub.calls)
	pub.mu.Unlock()
}

func TestDisabledOrderBooksStillDriveTicks(t *testing.T) {
	pub := newFakePublisher()
	opts := testServiceOptions()
	opts.Publisher.OrderBooks.Enabled = false
	s := startService(t, opts, pub)
	books, ticks, _ := streams()

	require.NoError(t, s.OrderBooks().Handle(context.Background(), book("BTCUSD", 101, 100)))

	require.Eventually(t, func() bool { return pub.count(ticks) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, pub.count(books))
}

func TestDisabledTargetsDiscard(t *testing.T) {
	pub := newFakePublisher()
	opts := testServiceOptions()
	opts.Publisher.OrderBooks.Enabled = false
	opts.Publisher.TickPrices.Enabled = false
	opts.Publisher.Executions.Enabled = false
	s := startService(t, opts, pub)

	ctx := context.Background()
	require.NoError(t, s.OrderBooks().Handle(ctx, book("BTCUSD", 101, 100)))
	require.NoError(t, s.TickPrices().Handle(ctx, models.TickPrice{Asset: "BTCUSD"}))
	require.NoError(t, s.Executions().Handle(ctx, models.ExecutionReport{}))
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Zero(t, pub.calls)
}

func TestThrottledPipelineDropsBurst(t *testing.T) {
	pub := newFakePublisher()
	opts := testServiceOptions()
	opts.MaxEventsPerSecond = 1
	s := startService(t, opts, pub)
	books, _, _ := streams()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.OrderBooks().Handle(ctx, book("BTCUSD", 101+float64(i), 100)))
	}
	require.Eventually(t, func() bool { return pub.count(books) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pub.count(books))
}

func TestThrottleJudgesBookTimestamps(t *testing.T) {
	pub := newFakePublisher()
	opts := testServiceOptions()
	opts.MaxEventsPerSecond = 2
	s := startService(t, opts, pub)
	books, _, _ := streams()
	ctx := context.Background()

	start := time.Now().UTC()
	for i := 0; i < 4; i++ {
		ob := book("BTCUSD", 101+float64(i), 100)
		ob.Timestamp = start.Add(time.Duration(i) * 500 * time.Millisecond)
		require.NoError(t, s.OrderBooks().Handle(ctx, ob))
	}
	require.Eventually(t, func() bool { return pub.count(books) == 4 }, time.Second, 5*time.Millisecond)

	late := book("BTCUSD", 110, 100)
	late.Timestamp = start.Add(1600 * time.Millisecond)
	require.NoError(t, s.OrderBooks().Handle(ctx, late))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, pub.count(books))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartReportsQueuesAndStatistics(t *testing.T) {
	out := &syncBuffer{}
	logger.GetLogger().SetOutput(out)

	opts := testServiceOptions()
	opts.StatisticsInterval = 10 * time.Millisecond
	opts.Publisher.Executions.Enabled = false
	startService(t, opts, newFakePublisher())

	require.Eventually(t, func() bool {
		logs := out.String()
		return strings.Contains(logs, `"queue":"orderbooks.positive_spread"`) &&
			strings.Contains(logs, `"metric":"orderbooks_received"`)
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, out.String(), `"queue":"executions.publish"`)
}

func TestServiceStartTwice(t *testing.T) {
	s := startService(t, testServiceOptions(), newFakePublisher())
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestNegativeRateIsRejected(t *testing.T) {
	opts := testServiceOptions()
	opts.MaxEventsPerSecond = -1
	_, err := NewPublishingService(opts, newFakePublisher())
	assert.Error(t, err)
}
