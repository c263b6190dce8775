package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func level(price, volume int64) PriceLevel {
	return PriceLevel{Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(volume)}
}

func TestOrderBookBestPrices(t *testing.T) {
	ob := OrderBook{
		Source:    ExchangeName,
		Asset:     "BTCUSD",
		Timestamp: time.Unix(0, 0),
		Asks:      []PriceLevel{level(10000, 1), level(10010, 2)},
		Bids:      []PriceLevel{level(9990, 1), level(9980, 3)},
	}
	ask, ok := ob.BestAsk()
	if !ok || !ask.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected best ask: %s", ask)
	}
	bid, ok := ob.BestBid()
	if !ok || !bid.Equal(decimal.NewFromInt(9990)) {
		t.Fatalf("unexpected best bid: %s", bid)
	}
	if ob.HasNegativeSpread() {
		t.Fatalf("book should have a positive spread")
	}

	tick := ob.TickPrice()
	if tick.Asset != "BTCUSD" || !tick.Ask.Equal(ask) || !tick.Bid.Equal(bid) {
		t.Fatalf("unexpected tick: %+v", tick)
	}
}

func TestOrderBookNegativeSpread(t *testing.T) {
	ob := OrderBook{
		Asks: []PriceLevel{level(10000, 1)},
		Bids: []PriceLevel{level(10000, 1)},
	}
	if !ob.HasNegativeSpread() {
		t.Fatalf("equal best prices must count as negative spread")
	}

	ob.Asks = nil
	if ob.HasNegativeSpread() {
		t.Fatalf("empty ask side must not count as negative spread")
	}
}

func TestTickPriceSamePrices(t *testing.T) {
	a := TickPrice{Asset: "ETHUSD", Ask: decimal.RequireFromString("2000.5"), Bid: decimal.NewFromInt(2000), Timestamp: time.Unix(1, 0)}
	b := a
	b.Timestamp = time.Unix(2, 0)
	b.Ask = decimal.RequireFromString("2000.50")
	if !a.SamePrices(b) {
		t.Fatalf("ticks differing only by timestamp and scale should match")
	}
	b.Bid = decimal.NewFromInt(1999)
	if a.SamePrices(b) {
		t.Fatalf("ticks with different bids must not match")
	}
}

func TestTradeTypeFromAmount(t *testing.T) {
	if TradeTypeFromAmount(decimal.NewFromFloat(-0.5)) != TradeTypeSell {
		t.Errorf("negative amount should be a sell")
	}
	if TradeTypeFromAmount(decimal.NewFromFloat(0.5)) != TradeTypeBuy {
		t.Errorf("positive amount should be a buy")
	}
}
