package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"bfxflow/models"

	"github.com/shopspring/decimal"
)

const (
	heartbeatMarker = "hb"
	tradeUpdateTag  = "tu"
	accountChannel  = 0
)

// DecodeError reports a frame that could not be mapped to any message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode bitfinex frame: %s: %v", e.Reason, e.Err)
	}
	return "decode bitfinex frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type eventFrame struct {
	Event   string          `json:"event"`
	Version json.RawMessage `json:"version"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Status  string          `json:"status"`
	UserID  int64           `json:"userId"`
	ChanID  int64           `json:"chanId"`
	Channel string          `json:"channel"`
	Pair    string          `json:"pair"`
	Freq    string          `json:"freq"`
	Prec    string          `json:"prec"`
	Len     json.RawMessage `json:"len"`
}

// Decode maps one raw frame to exactly one Message. Object frames are
// discriminated by their event name; array frames are channel payloads whose
// scalar form is resolved through the kind the channel was bound to.
func Decode(frame []byte, channels ChannelResolver) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	switch frame[0] {
	case '{':
		return decodeEvent(frame)
	case '[':
		return decodeChannelPayload(frame, channels)
	default:
		return Unrecognized{Raw: string(frame)}, nil
	}
}

func decodeEvent(frame []byte) (Message, error) {
	var ev eventFrame
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, &DecodeError{Reason: "malformed event", Err: err}
	}
	switch ev.Event {
	case "info":
		return InfoEvent{Version: rawScalar(ev.Version), Code: ev.Code, Msg: ev.Msg}, nil
	case "auth":
		return AuthEvent{Status: ev.Status, UserID: ev.UserID, Code: ev.Code, Msg: ev.Msg}, nil
	case "error":
		return ErrorEvent{Code: ev.Code, Msg: ev.Msg}, nil
	case "subscribed":
		return SubscribedEvent{
			ChanID:  ev.ChanID,
			Channel: ev.Channel,
			Pair:    ev.Pair,
			Freq:    ev.Freq,
			Prec:    ev.Prec,
			Len:     rawScalar(ev.Len),
		}, nil
	case "pong":
		return PongEvent{}, nil
	default:
		return Unrecognized{Raw: string(frame)}, nil
	}
}

func decodeChannelPayload(frame []byte, channels ChannelResolver) (Message, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(frame, &items); err != nil {
		return nil, &DecodeError{Reason: "malformed channel payload", Err: err}
	}
	if len(items) < 2 {
		return nil, &DecodeError{Reason: fmt.Sprintf("channel payload has %d elements", len(items))}
	}
	var chanID int64
	if err := json.Unmarshal(items[0], &chanID); err != nil {
		return nil, &DecodeError{Reason: "channel id is not an integer", Err: err}
	}

	second := bytes.TrimSpace(items[1])
	switch {
	case len(second) > 0 && second[0] == '"':
		var tag string
		if err := json.Unmarshal(second, &tag); err != nil {
			return nil, &DecodeError{Reason: "malformed payload tag", Err: err}
		}
		return decodeTagged(chanID, tag, items, frame)
	case len(second) > 0 && second[0] == '[':
		entries, err := decodeEntries(second)
		if err != nil {
			return nil, err
		}
		return SnapshotMessage{ChanID: chanID, Entries: entries}, nil
	}

	kind := ChannelUnknown
	if channels != nil {
		if k, ok := channels.ChannelKind(chanID); ok {
			kind = k
		}
	}
	switch kind {
	case ChannelBook:
		if len(items) != 4 {
			return nil, &DecodeError{Reason: fmt.Sprintf("book delta has %d elements", len(items))}
		}
		entry, err := decodeEntry(items[1:])
		if err != nil {
			return nil, err
		}
		return DeltaMessage{ChanID: chanID, Entry: entry}, nil
	case ChannelTicker:
		return decodeTicker(chanID, items)
	default:
		return UnboundChannelMessage{ChanID: chanID}, nil
	}
}

func decodeTagged(chanID int64, tag string, items []json.RawMessage, frame []byte) (Message, error) {
	if tag == heartbeatMarker {
		return HeartbeatEvent{ChanID: chanID}, nil
	}
	if chanID != accountChannel {
		return Unrecognized{Raw: string(frame)}, nil
	}
	if tag != tradeUpdateTag {
		return AccountMessage{Tag: tag}, nil
	}
	if len(items) < 3 {
		return nil, &DecodeError{Reason: "trade update without body"}
	}
	return decodeTradeUpdate(items[2])
}

func decodeEntries(raw json.RawMessage) ([]models.BookEntry, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &DecodeError{Reason: "malformed snapshot", Err: err}
	}
	entries := make([]models.BookEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) != 3 {
			return nil, &DecodeError{Reason: fmt.Sprintf("snapshot level has %d elements", len(row))}
		}
		entry, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeEntry(fields []json.RawMessage) (models.BookEntry, error) {
	price, err := decodeDecimal(fields[0], "price")
	if err != nil {
		return models.BookEntry{}, err
	}
	count, err := decodeDecimal(fields[1], "count")
	if err != nil {
		return models.BookEntry{}, err
	}
	amount, err := decodeDecimal(fields[2], "amount")
	if err != nil {
		return models.BookEntry{}, err
	}
	return models.BookEntry{Price: price, Count: count.IntPart(), Amount: amount}, nil
}

// decodeTicker accepts the full ticker layout [chan, BID, BID_SIZE, ASK,
// ASK_SIZE, ...] and the short [chan, ask, bid] form.
func decodeTicker(chanID int64, items []json.RawMessage) (Message, error) {
	var askIdx, bidIdx int
	switch {
	case len(items) >= 5:
		bidIdx, askIdx = 1, 3
	case len(items) == 3:
		askIdx, bidIdx = 1, 2
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("ticker has %d elements", len(items))}
	}
	ask, err := decodeDecimal(items[askIdx], "ask")
	if err != nil {
		return nil, err
	}
	bid, err := decodeDecimal(items[bidIdx], "bid")
	if err != nil {
		return nil, err
	}
	return TickerMessage{ChanID: chanID, Ask: ask, Bid: bid}, nil
}

// decodeTradeUpdate reads [TRD_ID, PAIR, TIMESTAMP, ORD_ID, AMOUNT, PRICE,
// ORD_TYPE, ORD_PRICE, FEE, FEE_CURRENCY], optionally prefixed by a sequence id.
func decodeTradeUpdate(raw json.RawMessage) (Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Reason: "malformed trade update", Err: err}
	}
	if len(fields) == 11 {
		fields = fields[1:]
	}
	if len(fields) != 10 {
		return nil, &DecodeError{Reason: fmt.Sprintf("trade update has %d fields", len(fields))}
	}

	var (
		msg TradeExecutionMessage
		ts  int64
		err error
	)
	if err = json.Unmarshal(fields[0], &msg.TradeID); err != nil {
		return nil, &DecodeError{Reason: "trade id", Err: err}
	}
	if err = json.Unmarshal(fields[1], &msg.Pair); err != nil {
		return nil, &DecodeError{Reason: "trade pair", Err: err}
	}
	if err = json.Unmarshal(fields[2], &ts); err != nil {
		return nil, &DecodeError{Reason: "trade timestamp", Err: err}
	}
	msg.Time = time.Unix(ts, 0).UTC()
	if err = json.Unmarshal(fields[3], &msg.OrderID); err != nil {
		return nil, &DecodeError{Reason: "order id", Err: err}
	}
	if msg.Amount, err = decodeDecimal(fields[4], "amount"); err != nil {
		return nil, err
	}
	if msg.Price, err = decodeDecimal(fields[5], "price"); err != nil {
		return nil, err
	}
	if err = json.Unmarshal(fields[6], &msg.OrderType); err != nil {
		return nil, &DecodeError{Reason: "order type", Err: err}
	}
	if msg.OrderPrice, err = decodeDecimal(fields[7], "order price"); err != nil {
		return nil, err
	}
	if msg.Fee, err = decodeDecimal(fields[8], "fee"); err != nil {
		return nil, err
	}
	if err = json.Unmarshal(fields[9], &msg.FeeCurrency); err != nil {
		return nil, &DecodeError{Reason: "fee currency", Err: err}
	}
	return msg, nil
}

func decodeDecimal(raw json.RawMessage, field string) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, &DecodeError{Reason: field, Err: err}
	}
	return d, nil
}

// rawScalar renders a JSON string or number as plain text.
func rawScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}
