package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeType string

const (
	TradeTypeBuy  TradeType = "Buy"
	TradeTypeSell TradeType = "Sell"
)

type OrderStatus string

const (
	OrderStatusFill OrderStatus = "Fill"
)

type ExecType string

const (
	ExecTypeTrade ExecType = "Trade"
)

// ExecutionReport is a normalized fill forwarded once per inbound trade update.
type ExecutionReport struct {
	ExchangeOrderID int64           `json:"exchangeOrderId"`
	Instrument      string          `json:"instrument"`
	TradeType       TradeType       `json:"tradeType"`
	Price           decimal.Decimal `json:"price"`
	OriginalVolume  decimal.Decimal `json:"originalVolume"`
	ExecutedVolume  decimal.Decimal `json:"executedVolume"`
	ExecutionStatus OrderStatus     `json:"executionStatus"`
	Time            time.Time       `json:"time"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"feeCurrency"`
	OrderType       string          `json:"orderType"`
	ExecType        ExecType        `json:"execType"`
	Success         bool            `json:"success"`
}

// TradeTypeFromAmount maps the signed executed amount to a trade direction.
func TradeTypeFromAmount(amount decimal.Decimal) TradeType {
	if amount.IsNegative() {
		return TradeTypeSell
	}
	return TradeTypeBuy
}
