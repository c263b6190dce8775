package bitfinex

import (
	"time"

	"bfxflow/models"

	"github.com/shopspring/decimal"
)

// Message is the closed set of decoded inbound frames. Callers branch on the
// concrete type with a type switch.
type Message interface {
	isMessage()
}

type InfoEvent struct {
	Version string
	Code    int
	Msg     string
}

type AuthEvent struct {
	Status string
	UserID int64
	Code   int
	Msg    string
}

// OK reports whether the exchange accepted the credentials.
func (e AuthEvent) OK() bool {
	return e.Status == "OK"
}

type ErrorEvent struct {
	Code int
	Msg  string
}

type SubscribedEvent struct {
	ChanID  int64
	Channel string
	Pair    string
	Freq    string
	Prec    string
	Len     string
}

type PongEvent struct{}

type HeartbeatEvent struct {
	ChanID int64
}

type SnapshotMessage struct {
	ChanID  int64
	Entries []models.BookEntry
}

type DeltaMessage struct {
	ChanID int64
	Entry  models.BookEntry
}

type TickerMessage struct {
	ChanID int64
	Ask    decimal.Decimal
	Bid    decimal.Decimal
}

// TradeExecutionMessage is a "tu" update on the authenticated account channel.
type TradeExecutionMessage struct {
	TradeID     int64
	Pair        string
	Time        time.Time
	OrderID     int64
	Amount      decimal.Decimal
	Price       decimal.Decimal
	OrderType   string
	OrderPrice  decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

// AccountMessage is any other account channel traffic (positions, wallets,
// orders). It carries no data the harvesters use.
type AccountMessage struct {
	Tag string
}

// UnboundChannelMessage is a channel payload for an id no subscription has
// acknowledged on this connection.
type UnboundChannelMessage struct {
	ChanID int64
}

type Unrecognized struct {
	Raw string
}

func (InfoEvent) isMessage()             {}
func (AuthEvent) isMessage()             {}
func (ErrorEvent) isMessage()            {}
func (SubscribedEvent) isMessage()       {}
func (PongEvent) isMessage()             {}
func (HeartbeatEvent) isMessage()        {}
func (SnapshotMessage) isMessage()       {}
func (DeltaMessage) isMessage()          {}
func (TickerMessage) isMessage()         {}
func (TradeExecutionMessage) isMessage() {}
func (AccountMessage) isMessage()        {}
func (UnboundChannelMessage) isMessage() {}
func (Unrecognized) isMessage()          {}

// ChannelKind is the subscription type a channel id was bound to.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelBook
	ChannelTicker
)

const (
	channelNameBook   = "book"
	channelNameTicker = "ticker"
)

// KindOf maps the channel name of a subscribed event to its kind.
func KindOf(channel string) ChannelKind {
	switch channel {
	case channelNameBook:
		return ChannelBook
	case channelNameTicker:
		return ChannelTicker
	default:
		return ChannelUnknown
	}
}

func (k ChannelKind) String() string {
	switch k {
	case ChannelBook:
		return channelNameBook
	case ChannelTicker:
		return channelNameTicker
	default:
		return "unknown"
	}
}

// ChannelResolver looks up the kind of a bound channel id.
type ChannelResolver interface {
	ChannelKind(chanID int64) (ChannelKind, bool)
}

// ChannelResolverFunc adapts a function to ChannelResolver.
type ChannelResolverFunc func(chanID int64) (ChannelKind, bool)

func (f ChannelResolverFunc) ChannelKind(chanID int64) (ChannelKind, bool) {
	return f(chanID)
}
