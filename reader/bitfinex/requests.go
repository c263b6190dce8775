package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	bookFrequency = "F0"
	bookPrecision = "P0"
	bookLength    = 100
	authPrefix    = "AUTH"
)

type SubscribeBookRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Pair    string `json:"pair"`
	Freq    string `json:"freq"`
	Prec    string `json:"prec"`
	Len     int    `json:"len"`
}

func NewSubscribeBookRequest(pair string) SubscribeBookRequest {
	return SubscribeBookRequest{
		Event:   "subscribe",
		Channel: channelNameBook,
		Pair:    pair,
		Freq:    bookFrequency,
		Prec:    bookPrecision,
		Len:     bookLength,
	}
}

type SubscribeTickerRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Pair    string `json:"pair"`
}

func NewSubscribeTickerRequest(pair string) SubscribeTickerRequest {
	return SubscribeTickerRequest{Event: "subscribe", Channel: channelNameTicker, Pair: pair}
}

type PingRequest struct {
	Event string `json:"event"`
}

func NewPingRequest() PingRequest {
	return PingRequest{Event: "ping"}
}

type AuthRequest struct {
	Event       string `json:"event"`
	APIKey      string `json:"apiKey"`
	AuthSig     string `json:"authSig"`
	AuthNonce   string `json:"authNonce"`
	AuthPayload string `json:"authPayload"`
}

var nonceSeed atomic.Int64

// nextNonce is strictly increasing across the process even when two requests
// are built within the same microsecond.
func nextNonce() int64 {
	return time.Now().UnixMicro() + nonceSeed.Add(1)
}

// NewAuthRequest builds the signed authentication handshake.
func NewAuthRequest(apiKey, apiSecret string) AuthRequest {
	nonce := strconv.FormatInt(nextNonce(), 10)
	payload := authPrefix + nonce
	return AuthRequest{
		Event:       "auth",
		APIKey:      apiKey,
		AuthSig:     Sign(payload, apiSecret),
		AuthNonce:   nonce,
		AuthPayload: payload,
	}
}

// Sign returns the lowercase hex HMAC-SHA384 of payload keyed by secret.
func Sign(payload, secret string) string {
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
