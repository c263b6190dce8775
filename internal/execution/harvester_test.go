package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxflow/config"
	"bfxflow/internal/retry"
	"bfxflow/internal/symbols"
	"bfxflow/models"
	"bfxflow/reader/bitfinex"
)

type fakeMessenger struct {
	mu       sync.Mutex
	frames   chan []byte
	sent     []any
	connects int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{frames: make(chan []byte, 16)}
}

func (f *fakeMessenger) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeMessenger) Send(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeMessenger) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeMessenger) Close() error { return nil }

func (f *fakeMessenger) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeMessenger) sentOfType(match func(any) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sent {
		if match(v) {
			n++
		}
	}
	return n
}

type reports struct {
	mu    sync.Mutex
	items []models.ExecutionReport
}

func (r *reports) Handle(ctx context.Context, rep models.ExecutionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, rep)
	return nil
}

func (r *reports) list() []models.ExecutionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ExecutionReport(nil), r.items...)
}

func testOptions() Options {
	return Options{
		PingPeriod:       time.Hour,
		HeartbeatTimeout: time.Hour,
		StopTimeout:      time.Second,
		Retry:            retry.Policy{Short: 10 * time.Millisecond, Long: 10 * time.Millisecond, LongEvery: 20},
	}
}

var testMapper = symbols.NewMapper([]config.CurrencySymbol{{Internal: "BTCUSD.int", Exchange: "BTCUSD"}}, true)

func TestEmptyCredentialsFailPermanently(t *testing.T) {
	m := newFakeMessenger()
	h := New(Credential{Name: "main", APIKey: "key"}, testOptions(), m, testMapper, &reports{})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("harvester did not stop")
	}
	assert.True(t, errors.Is(h.Err(), ErrAuthentication))
	assert.True(t, retry.IsPermanent(h.Err()))
	assert.Zero(t, m.connectCount(), "must not connect without credentials")
}

func TestRejectedAuthFailsPermanently(t *testing.T) {
	m := newFakeMessenger()
	h := New(Credential{Name: "main", APIKey: "key", APISecret: "secret"}, testOptions(), m, testMapper, &reports{})
	m.frames <- []byte(`{"event":"auth","status":"FAILED","chanId":0,"code":10100,"msg":"apikey: invalid"}`)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("harvester did not stop")
	}
	assert.True(t, errors.Is(h.Err(), ErrAuthentication))
	assert.Equal(t, 1, m.connectCount())
	assert.Equal(t, 1, m.sentOfType(func(v any) bool { _, ok := v.(bitfinex.AuthRequest); return ok }))
}

func TestTradeUpdateBecomesExecutionReport(t *testing.T) {
	m := newFakeMessenger()
	out := &reports{}
	h := New(Credential{Name: "main", APIKey: "key", APISecret: "secret"}, testOptions(), m, testMapper, out)
	m.frames <- []byte(`{"event":"auth","status":"OK","chanId":0,"userId":42}`)
	m.frames <- []byte(`[0,"tu",[123,"BTCUSD",1514764800,987,-0.5,13500.5,"EXCHANGE LIMIT",13500,-0.01,"USD"]]`)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	require.Eventually(t, func() bool { return len(out.list()) == 1 }, time.Second, 5*time.Millisecond)
	rep := out.list()[0]
	assert.Equal(t, int64(987), rep.ExchangeOrderID)
	assert.Equal(t, "BTCUSD.int", rep.Instrument)
	assert.Equal(t, models.TradeTypeSell, rep.TradeType)
	assert.True(t, rep.Price.Equal(decimal.RequireFromString("13500.5")))
	assert.True(t, rep.ExecutedVolume.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rep.Fee.Equal(decimal.RequireFromString("-0.01")))
	assert.Equal(t, "USD", rep.FeeCurrency)
	assert.Equal(t, "EXCHANGE LIMIT", rep.OrderType)
	assert.Equal(t, models.OrderStatusFill, rep.ExecutionStatus)
	assert.Equal(t, models.ExecTypeTrade, rep.ExecType)
	assert.Equal(t, time.Unix(1514764800, 0).UTC(), rep.Time.UTC())
	assert.NoError(t, h.Err())
}

func TestUnmappedPairIsSkipped(t *testing.T) {
	m := newFakeMessenger()
	out := &reports{}
	h := New(Credential{Name: "main", APIKey: "key", APISecret: "secret"}, testOptions(), m, testMapper, out)

	err := h.handle(context.Background(), bitfinex.TradeExecutionMessage{Pair: "XRPUSD", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Empty(t, out.list())
}

func TestPingAndWatchdog(t *testing.T) {
	m := newFakeMessenger()
	opts := testOptions()
	opts.PingPeriod = 10 * time.Millisecond
	opts.HeartbeatTimeout = 40 * time.Millisecond
	h := New(Credential{Name: "main", APIKey: "key", APISecret: "secret"}, opts, m, testMapper, &reports{})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	isPing := func(v any) bool { _, ok := v.(bitfinex.PingRequest); return ok }
	require.Eventually(t, func() bool { return m.sentOfType(isPing) >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.connectCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, h.Err(), "watchdog reconnects are not terminal")
}

func TestSupervisorIsolatesCredentials(t *testing.T) {
	var mu sync.Mutex
	var messengers []*fakeMessenger
	factory := func() bitfinex.Messenger {
		mu.Lock()
		defer mu.Unlock()
		m := newFakeMessenger()
		messengers = append(messengers, m)
		return m
	}

	s := NewSupervisor(map[string]config.Credential{
		"broken": {APIKey: ""},
		"good":   {APIKey: "key", APISecret: "secret"},
	}, testOptions(), factory, testMapper, &reports{})
	require.NoError(t, s.StartAll(context.Background()))
	t.Cleanup(s.StopAll)

	assert.Equal(t, []string{"broken", "good"}, s.Names())
	broken, ok := s.Harvester("broken")
	require.True(t, ok)
	good, _ := s.Harvester("good")

	select {
	case <-broken.Done():
	case <-time.After(time.Second):
		t.Fatal("broken credential did not stop")
	}
	assert.True(t, errors.Is(broken.Err(), ErrAuthentication))

	select {
	case <-good.Done():
		t.Fatal("good credential must keep running")
	case <-time.After(30 * time.Millisecond):
	}
	assert.NoError(t, good.Err())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bitfinex.PingPeriod = 2 * time.Second
	cfg.Bitfinex.HeartbeatPeriod = 0

	opts := OptionsFromConfig(&cfg)
	assert.Equal(t, 2*time.Second, opts.PingPeriod)
	assert.Equal(t, 30*time.Second, opts.HeartbeatTimeout)
}
