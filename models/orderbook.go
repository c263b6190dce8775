package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeName is the source tag attached to every published entity.
const ExchangeName = "bitfinex"

// BookEntry is a single raw level as the exchange sends it. A positive amount
// is a bid, a negative amount is an ask, and a zero count removes the price.
type BookEntry struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// PriceLevel represents a single price level in the orderbook
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// OrderBook is the materialized, instrument-mapped book that gets published.
// Asks are sorted ascending and bids descending, so index 0 is the best level.
type OrderBook struct {
	Source    string       `json:"source"`
	Asset     string       `json:"asset"`
	Timestamp time.Time    `json:"timestamp"`
	Asks      []PriceLevel `json:"asks"`
	Bids      []PriceLevel `json:"bids"`
}

// BestAsk returns the lowest ask price.
func (ob OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(ob.Asks) == 0 {
		return decimal.Zero, false
	}
	return ob.Asks[0].Price, true
}

// BestBid returns the highest bid price.
func (ob OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(ob.Bids) == 0 {
		return decimal.Zero, false
	}
	return ob.Bids[0].Price, true
}

// HasNegativeSpread reports whether the best bid is at or above the best ask.
// A book with an empty side never has a negative spread.
func (ob OrderBook) HasNegativeSpread() bool {
	ask, okAsk := ob.BestAsk()
	bid, okBid := ob.BestBid()
	if !okAsk || !okBid {
		return false
	}
	return bid.GreaterThanOrEqual(ask)
}

// TickPrice derives the best bid/ask summary of the book. Missing sides are zero.
func (ob OrderBook) TickPrice() TickPrice {
	ask, _ := ob.BestAsk()
	bid, _ := ob.BestBid()
	return TickPrice{
		Source:    ob.Source,
		Asset:     ob.Asset,
		Timestamp: ob.Timestamp,
		Ask:       ask,
		Bid:       bid,
	}
}

// TickPrice is the best bid/ask summary for one instrument.
type TickPrice struct {
	Source    string          `json:"source"`
	Asset     string          `json:"asset"`
	Timestamp time.Time       `json:"timestamp"`
	Ask       decimal.Decimal `json:"ask"`
	Bid       decimal.Decimal `json:"bid"`
}

// SamePrices reports whether two ticks quote the same asset at the same prices.
// Timestamps are ignored.
func (t TickPrice) SamePrices(other TickPrice) bool {
	return t.Asset == other.Asset && t.Ask.Equal(other.Ask) && t.Bid.Equal(other.Bid)
}
