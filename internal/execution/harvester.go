// Package execution streams fills from authenticated account channels, one
// connection per configured credential.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bfxflow/config"
	"bfxflow/internal/metrics"
	"bfxflow/internal/retry"
	"bfxflow/internal/symbols"
	"bfxflow/logger"
	"bfxflow/models"
	"bfxflow/reader/bitfinex"
)

const component = "execution_harvester"

// ErrAuthentication means the exchange rejected, or could never accept, the
// credential. It is not retried.
var ErrAuthentication = errors.New("bitfinex authentication failed")

var errHeartbeatTimeout = errors.New("no messages from the exchange")

type Credential struct {
	Name      string
	APIKey    string
	APISecret string
}

type Options struct {
	PingPeriod       time.Duration
	HeartbeatTimeout time.Duration
	StopTimeout      time.Duration
	Retry            retry.Policy
}

func DefaultOptions() Options {
	return Options{
		PingPeriod:       5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		StopTimeout:      10 * time.Second,
		Retry:            retry.DefaultPolicy(),
	}
}

// OptionsFromConfig takes the ping period and heartbeat from the bitfinex
// section; unset values keep their defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Bitfinex.PingPeriod > 0 {
		opts.PingPeriod = cfg.Bitfinex.PingPeriod
	}
	if cfg.Bitfinex.HeartbeatPeriod > 0 {
		opts.HeartbeatTimeout = cfg.Bitfinex.HeartbeatPeriod
	}
	return opts
}

// Harvester converts "tu" trade updates of one account into execution
// reports.
type Harvester struct {
	cred      Credential
	opts      Options
	messenger bitfinex.Messenger
	mapper    *symbols.Mapper
	handler   models.Handler[models.ExecutionReport]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	log *logger.Log
}

func New(cred Credential, opts Options, messenger bitfinex.Messenger, mapper *symbols.Mapper,
	handler models.Handler[models.ExecutionReport]) *Harvester {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Harvester{
		cred:      cred,
		opts:      opts,
		messenger: messenger,
		mapper:    mapper,
		handler:   handler,
		log:       logger.GetLogger(),
	}
}

func (h *Harvester) Name() string { return h.cred.Name }

func (h *Harvester) entry() *logger.Entry {
	return h.log.WithComponent(component).WithFields(logger.Fields{"credential": h.cred.Name})
}

func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("execution harvester %s already running", h.cred.Name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	h.err = nil

	h.entry().Info("starting execution harvester")
	go h.run(loopCtx, h.done)
	return nil
}

func (h *Harvester) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(h.opts.StopTimeout):
		h.entry().Warn("execution loop did not stop in time")
	}
	h.entry().Info("execution harvester stopped")
}

// Done is closed when the loop of the current run has ended.
func (h *Harvester) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Err returns the error that ended the loop, if it ended on its own.
func (h *Harvester) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Harvester) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	r := retry.New(h.opts.Retry, func(a retry.Attempt) {
		entry := h.entry().WithError(a.Err).WithFields(logger.Fields{"attempt": a.Number, "delay": a.Delay.String()})
		switch {
		case a.Number == 1:
			entry.Warn("execution stream failed, retrying")
		case a.Long:
			entry.Error("execution stream keeps failing, backing off")
		default:
			entry.Debug("execution stream failed, retrying")
		}
	})

	err := r.Run(ctx, h.attempt)
	if err != nil && ctx.Err() == nil {
		h.entry().WithError(err).Error("execution harvester stopped permanently")
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}
}

func (h *Harvester) attempt(ctx context.Context) error {
	if h.cred.APIKey == "" || h.cred.APISecret == "" {
		return retry.Permanent(fmt.Errorf("%w: credential %s has an empty api key or secret", ErrAuthentication, h.cred.Name))
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := h.messenger.Connect(attemptCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer h.messenger.Close()

	if err := h.messenger.Send(attemptCtx, bitfinex.NewAuthRequest(h.cred.APIKey, h.cred.APISecret)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	watchdog := time.AfterFunc(h.opts.HeartbeatTimeout, func() { cancel(errHeartbeatTimeout) })
	defer watchdog.Stop()
	ping := time.AfterFunc(h.opts.PingPeriod, func() {
		if err := h.messenger.Send(attemptCtx, bitfinex.NewPingRequest()); err != nil {
			h.entry().WithError(err).Debug("ping failed")
		}
	})
	defer ping.Stop()

	for {
		frame, err := h.messenger.Read(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cause := context.Cause(attemptCtx); errors.Is(cause, errHeartbeatTimeout) {
				return cause
			}
			return fmt.Errorf("read: %w", err)
		}
		watchdog.Reset(h.opts.HeartbeatTimeout)
		ping.Reset(h.opts.PingPeriod)
		logger.RecordStreamMessage("executions_ws", len(frame))

		msg, err := bitfinex.Decode(frame, nil)
		if err != nil {
			h.entry().WithError(err).Warn("dropping undecodable frame")
			continue
		}
		if err := h.handle(attemptCtx, msg); err != nil {
			return err
		}
	}
}

func (h *Harvester) handle(ctx context.Context, msg bitfinex.Message) error {
	switch m := msg.(type) {
	case bitfinex.AuthEvent:
		if !m.OK() {
			return retry.Permanent(fmt.Errorf("%w: %s (code %d)", ErrAuthentication, m.Msg, m.Code))
		}
		h.entry().WithFields(logger.Fields{"user_id": m.UserID}).Info("authenticated")

	case bitfinex.ErrorEvent:
		return fmt.Errorf("exchange error %d: %s", m.Code, m.Msg)

	case bitfinex.InfoEvent:
		h.entry().WithFields(logger.Fields{"version": m.Version, "code": m.Code}).Info("exchange info")

	case bitfinex.TradeExecutionMessage:
		report, err := h.toReport(m)
		if err != nil {
			h.entry().WithError(err).Warn("trade update not converted")
			return nil
		}
		if err := h.handler.Handle(ctx, report); err != nil {
			h.entry().WithError(err).Warn("execution handler failed")
			return nil
		}
		metrics.IncExecutions(h.cred.Name)

	case bitfinex.Unrecognized:
		h.entry().WithFields(logger.Fields{"frame": m.Raw}).Debug("unrecognized frame")
	}
	return nil
}

// toReport maps a trade update to a fill. The executed amount is signed on
// the wire; its sign gives the trade type and its magnitude both volumes.
func (h *Harvester) toReport(m bitfinex.TradeExecutionMessage) (models.ExecutionReport, error) {
	instrument, err := h.mapper.ExchangeToInstrument(m.Pair)
	if err != nil {
		return models.ExecutionReport{}, err
	}
	volume := m.Amount.Abs()
	return models.ExecutionReport{
		ExchangeOrderID: m.OrderID,
		Instrument:      instrument,
		TradeType:       models.TradeTypeFromAmount(m.Amount),
		Price:           m.Price,
		OriginalVolume:  volume,
		ExecutedVolume:  volume,
		ExecutionStatus: models.OrderStatusFill,
		Time:            m.Time,
		Fee:             m.Fee,
		FeeCurrency:     m.FeeCurrency,
		OrderType:       m.OrderType,
		ExecType:        models.ExecTypeTrade,
		Success:         true,
	}, nil
}
