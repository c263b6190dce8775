package harvester

import (
	"time"

	"bfxflow/config"
	"bfxflow/internal/retry"
)

const (
	ReasonHeartbeat = "No messages from the exchange"
	ReasonRefresh   = "Refresh order book snapshot"
)

type Options struct {
	Name                 string
	MaxEventsPerSecond   float64
	HeartbeatPeriod      time.Duration
	SnapshotRefreshDelay time.Duration
	StatisticsInterval   time.Duration
	SubscribeInterval    time.Duration
	StopTimeout          time.Duration
	PublishBooks         bool
	PublishTicks         bool
	Retry                retry.Policy
}

func DefaultOptions() Options {
	return Options{
		Name:                 "orderbooks",
		MaxEventsPerSecond:   0,
		HeartbeatPeriod:      30 * time.Second,
		SnapshotRefreshDelay: 5 * time.Second,
		StatisticsInterval:   time.Minute,
		SubscribeInterval:    50 * time.Millisecond,
		StopTimeout:          10 * time.Second,
		PublishBooks:         true,
		PublishTicks:         true,
		Retry:                retry.DefaultPolicy(),
	}
}

// OptionsFromConfig maps the bitfinex and publisher sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	b := cfg.Bitfinex
	opts.MaxEventsPerSecond = b.MaxEventPerSecondByInstrument
	if b.HeartbeatPeriod > 0 {
		opts.HeartbeatPeriod = b.HeartbeatPeriod
	}
	if b.SnapshotRefreshDelay > 0 {
		opts.SnapshotRefreshDelay = b.SnapshotRefreshDelay
	}
	if b.StatisticsInterval > 0 {
		opts.StatisticsInterval = b.StatisticsInterval
	}
	if b.SubscribeInterval > 0 {
		opts.SubscribeInterval = b.SubscribeInterval
	}
	// tick prices are also derived from books
	opts.PublishBooks = cfg.Publisher.OrderBooks.Enabled || cfg.Publisher.TickPrices.Enabled
	opts.PublishTicks = cfg.Publisher.TickPrices.Enabled
	return opts
}
