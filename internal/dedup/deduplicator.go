// Package dedup suppresses ticks whose best prices collapsed implausibly
// against the last accepted value for the same instrument.
package dedup

import (
	"sync"

	"bfxflow/logger"
	"bfxflow/models"

	"github.com/shopspring/decimal"
)

// DefaultMultiplier is the drop factor beyond which a tick is rejected.
const DefaultMultiplier = 10

type Deduplicator struct {
	multiplier decimal.Decimal
	mu         sync.Mutex
	last       map[string]models.TickPrice
	log        *logger.Log
}

func New(multiplier int64) *Deduplicator {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Deduplicator{
		multiplier: decimal.NewFromInt(multiplier),
		last:       make(map[string]models.TickPrice),
		log:        logger.GetLogger(),
	}
}

// Accept records tick and returns true unless its ask or bid is more than the
// multiplier times smaller than the previously accepted one. The first tick of
// an instrument is always accepted. Rejections keep the stored value.
func (d *Deduplicator) Accept(tick models.TickPrice) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.last[tick.Asset]
	if !ok {
		d.last[tick.Asset] = tick
		return true
	}

	if prev.Ask.GreaterThan(tick.Ask.Mul(d.multiplier)) || prev.Bid.GreaterThan(tick.Bid.Mul(d.multiplier)) {
		d.log.WithComponent("deduplicator").WithFields(logger.Fields{
			"asset":    tick.Asset,
			"last_ask": prev.Ask.String(),
			"last_bid": prev.Bid.String(),
			"new_ask":  tick.Ask.String(),
			"new_bid":  tick.Bid.String(),
		}).Warn("implausible price drop, update skipped")
		return false
	}

	d.last[tick.Asset] = tick
	return true
}
