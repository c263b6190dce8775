// Package orderbook keeps the live per-pair limit order books rebuilt from
// exchange snapshots and deltas.
package orderbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bfxflow/models"

	"github.com/shopspring/decimal"
)

// ConsistencyError signals that the incoming stream cannot be applied to the
// current state, for example a delta before any snapshot.
type ConsistencyError struct {
	Pair   string
	Reason string
}

func (e *ConsistencyError) Error() string {
	if e.Pair == "" {
		return "order book consistency: " + e.Reason
	}
	return fmt.Sprintf("order book consistency for %s: %s", e.Pair, e.Reason)
}

// book holds one side map per direction keyed by the canonical price string.
type book struct {
	pair      string
	timestamp time.Time
	bids      map[string]models.PriceLevel
	asks      map[string]models.PriceLevel
}

func newBook(pair string) *book {
	return &book{
		pair: pair,
		bids: make(map[string]models.PriceLevel),
		asks: make(map[string]models.PriceLevel),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

func (b *book) upsert(e models.BookEntry) {
	key := priceKey(e.Price)
	switch {
	case e.Amount.IsPositive():
		delete(b.asks, key)
		b.bids[key] = models.PriceLevel{Price: e.Price, Volume: e.Amount}
	case e.Amount.IsNegative():
		delete(b.bids, key)
		b.asks[key] = models.PriceLevel{Price: e.Price, Volume: e.Amount.Abs()}
	default:
		b.remove(e.Price)
	}
}

// remove drops the price from both sides; deletions do not carry a side.
func (b *book) remove(price decimal.Decimal) {
	key := priceKey(price)
	delete(b.bids, key)
	delete(b.asks, key)
}

func (b *book) bestBid() (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, l := range b.bids {
		if !found || l.Price.GreaterThan(best) {
			best, found = l.Price, true
		}
	}
	return best, found
}

func (b *book) bestAsk() (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, l := range b.asks {
		if !found || l.Price.LessThan(best) {
			best, found = l.Price, true
		}
	}
	return best, found
}

func (b *book) negativeSpread() bool {
	bid, okBid := b.bestBid()
	ask, okAsk := b.bestAsk()
	return okBid && okAsk && bid.GreaterThanOrEqual(ask)
}

func sortedLevels(side map[string]models.PriceLevel, descending bool) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(side))
	for _, l := range side {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// Store is safe for concurrent use. Mutations come from a single message loop;
// timers and the publisher read through the same lock.
type Store struct {
	mu    sync.RWMutex
	books map[string]*book
}

func NewStore() *Store {
	return &Store{books: make(map[string]*book)}
}

// ApplySnapshot replaces every level of pair. Positive amounts become bids,
// negative amounts become asks sized by the absolute amount.
func (s *Store) ApplySnapshot(pair string, ts time.Time, entries []models.BookEntry) {
	b := newBook(pair)
	b.timestamp = ts
	for _, e := range entries {
		if e.Count == 0 {
			continue
		}
		b.upsert(e)
	}

	s.mu.Lock()
	s.books[pair] = b
	s.mu.Unlock()
}

// ApplyDelta updates a single level. A zero count removes the price from both
// sides. Deltas before the first snapshot of pair are a ConsistencyError.
func (s *Store) ApplyDelta(pair string, ts time.Time, e models.BookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[pair]
	if !ok {
		return &ConsistencyError{Pair: pair, Reason: "delta received before snapshot"}
	}
	b.timestamp = ts
	if e.Count == 0 {
		b.remove(e.Price)
		return nil
	}
	b.upsert(e)
	return nil
}

// DetectNegativeSpread reports whether the best bid is at or above the best
// ask. Unknown pairs and books with an empty side report false.
func (s *Store) DetectNegativeSpread(pair string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[pair]
	if !ok {
		return false
	}
	return b.negativeSpread()
}

// Materialize returns a sorted copy of the book that later mutations do not
// touch. Asset is the exchange pair; callers map it to an instrument.
func (s *Store) Materialize(pair string) (models.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[pair]
	if !ok {
		return models.OrderBook{}, false
	}
	return models.OrderBook{
		Source:    models.ExchangeName,
		Asset:     b.pair,
		Timestamp: b.timestamp,
		Asks:      sortedLevels(b.asks, false),
		Bids:      sortedLevels(b.bids, true),
	}, true
}

// Has reports whether a snapshot was applied for pair.
func (s *Store) Has(pair string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.books[pair]
	return ok
}

func (s *Store) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]string, 0, len(s.books))
	for p := range s.books {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

// Reset drops every book. Called when the connection is re-established.
func (s *Store) Reset() {
	s.mu.Lock()
	s.books = make(map[string]*book)
	s.mu.Unlock()
}
