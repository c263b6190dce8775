package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxflow/config"
)

var configured = []config.CurrencySymbol{
	{Internal: "BTCUSD", Exchange: "BTCUSD"},
	{Internal: "ETHEUR", Exchange: "ethusd"},
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"btcusd", "BTCUSD"},
		{"tBTCUSD", "BTCUSD"},
		{"BTC/USD", "BTCUSD"},
		{"tTESTBTC:TESTUSD", "TESTBTCTESTUSD"},
		{" ethusd ", "ETHUSD"},
		{"trxusd", "TRXUSD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestExchangeToInstrumentWithFilter(t *testing.T) {
	m := NewMapper(configured, true)

	inst, err := m.ExchangeToInstrument("ETHUSD")
	require.NoError(t, err)
	assert.Equal(t, "ETHEUR", inst)

	_, err = m.ExchangeToInstrument("XRPUSD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnmapped))

	ex, err := m.InstrumentToExchange("btcusd")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", ex)
}

func TestExchangeToInstrumentWithoutFilter(t *testing.T) {
	m := NewMapper(configured, false)

	inst, err := m.ExchangeToInstrument("XRPUSD")
	require.NoError(t, err)
	assert.Equal(t, "XRPUSD", inst)

	ex, err := m.InstrumentToExchange("xrpusd")
	require.NoError(t, err)
	assert.Equal(t, "XRPUSD", ex)
}

type staticSource struct {
	symbols []string
	err     error
	calls   int
}

func (s *staticSource) AllSymbols(ctx context.Context) ([]string, error) {
	s.calls++
	return s.symbols, s.err
}

func TestPairs(t *testing.T) {
	src := &staticSource{symbols: []string{"btcusd", "xrpusd", "ltcusd"}}

	pairs, err := NewMapper(configured, true).Pairs(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, pairs)
	assert.Zero(t, src.calls, "filtered mapper must not hit the source")

	pairs, err = NewMapper(configured, false).Pairs(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD", "XRPUSD", "LTCUSD"}, pairs)

	src.err = errors.New("boom")
	_, err = NewMapper(configured, false).Pairs(context.Background(), src)
	require.Error(t, err)
}

func TestMergeDropsDuplicates(t *testing.T) {
	got := Merge([]string{"BTCUSD", ""}, []string{"btcusd", "tETHUSD", "ETHUSD"})
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, got)
}
