package writer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bfxflow/models"
)

// Envelope wraps every entity written to the bus.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func typeOf(v any) string {
	switch v.(type) {
	case models.OrderBook, *models.OrderBook:
		return "orderbook"
	case models.TickPrice, *models.TickPrice:
		return "tickprice"
	case models.ExecutionReport, *models.ExecutionReport:
		return "execution"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func newEnvelope(v any, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typeOf(v), err)
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Type:      typeOf(v),
		Source:    models.ExchangeName,
		Timestamp: now.UTC(),
		Payload:   payload,
	})
}
