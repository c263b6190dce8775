package symbols

import (
	"context"
	"errors"
	"fmt"

	"bfxflow/config"
)

// ErrUnmapped is returned when a symbol has no configured mapping and the
// configured symbols act as a filter.
var ErrUnmapped = errors.New("symbol is not mapped")

// Source lists every pair the exchange trades.
type Source interface {
	AllSymbols(ctx context.Context) ([]string, error)
}

// Mapper translates between exchange pairs and internal instrument names.
// Lookups are case-insensitive.
type Mapper struct {
	toInstrument map[string]string
	toExchange   map[string]string
	exchange     []string
	filter       bool
}

func NewMapper(symbols []config.CurrencySymbol, useAsFilter bool) *Mapper {
	m := &Mapper{
		toInstrument: make(map[string]string, len(symbols)),
		toExchange:   make(map[string]string, len(symbols)),
		filter:       useAsFilter,
	}
	for _, s := range symbols {
		ex := Normalize(s.Exchange)
		if _, dup := m.toInstrument[ex]; dup {
			continue
		}
		m.toInstrument[ex] = s.Internal
		m.toExchange[Normalize(s.Internal)] = ex
		m.exchange = append(m.exchange, ex)
	}
	return m
}

// Filter reports whether unmapped symbols are rejected.
func (m *Mapper) Filter() bool { return m.filter }

// ExchangeToInstrument returns the internal name of an exchange pair. Without
// the filter an unmapped pair maps to itself.
func (m *Mapper) ExchangeToInstrument(pair string) (string, error) {
	if inst, ok := m.toInstrument[Normalize(pair)]; ok {
		return inst, nil
	}
	if m.filter {
		return "", fmt.Errorf("%w: bitfinex pair %s", ErrUnmapped, pair)
	}
	return pair, nil
}

func (m *Mapper) InstrumentToExchange(instrument string) (string, error) {
	if ex, ok := m.toExchange[Normalize(instrument)]; ok {
		return ex, nil
	}
	if m.filter {
		return "", fmt.Errorf("%w: instrument %s", ErrUnmapped, instrument)
	}
	return Normalize(instrument), nil
}

// ExchangeSymbols returns the configured exchange pairs in configuration order.
func (m *Mapper) ExchangeSymbols() []string {
	out := make([]string, len(m.exchange))
	copy(out, m.exchange)
	return out
}

// Pairs resolves the pairs to subscribe. With the filter on these are the
// configured pairs; otherwise the source listing is merged in.
func (m *Mapper) Pairs(ctx context.Context, src Source) ([]string, error) {
	if m.filter || src == nil {
		return m.ExchangeSymbols(), nil
	}
	fetched, err := src.AllSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exchange symbols: %w", err)
	}
	return Merge(m.exchange, fetched), nil
}

// Merge concatenates the lists, normalizing and dropping duplicates while
// keeping first-seen order.
func Merge(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, s := range list {
			n := Normalize(s)
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}
