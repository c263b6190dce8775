package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeBookRequestJSON(t *testing.T) {
	data, err := json.Marshal(NewSubscribeBookRequest("BTCUSD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribe","channel":"book","pair":"BTCUSD","freq":"F0","prec":"P0","len":100}`, string(data))
}

func TestSubscribeTickerRequestJSON(t *testing.T) {
	data, err := json.Marshal(NewSubscribeTickerRequest("ETHUSD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribe","channel":"ticker","pair":"ETHUSD"}`, string(data))
}

func TestPingRequestJSON(t *testing.T) {
	data, err := json.Marshal(NewPingRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(data))
}

func TestAuthRequestSignature(t *testing.T) {
	req := NewAuthRequest("key", "secret")

	assert.Equal(t, "auth", req.Event)
	assert.Equal(t, "key", req.APIKey)
	assert.Equal(t, "AUTH"+req.AuthNonce, req.AuthPayload)
	_, err := strconv.ParseInt(req.AuthNonce, 10, 64)
	require.NoError(t, err)

	mac := hmac.New(sha512.New384, []byte("secret"))
	mac.Write([]byte(req.AuthPayload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.AuthSig)
	assert.Len(t, req.AuthSig, 96)
	assert.Equal(t, strings.ToLower(req.AuthSig), req.AuthSig)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"event", "apiKey", "authSig", "authNonce", "authPayload"} {
		assert.Contains(t, fields, k)
	}
}

func TestAuthNonceIncreases(t *testing.T) {
	prev := int64(0)
	for i := 0; i < 100; i++ {
		n, err := strconv.ParseInt(NewAuthRequest("k", "s").AuthNonce, 10, 64)
		require.NoError(t, err)
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestSignKnownVector(t *testing.T) {
	// HMAC-SHA384 of an empty message under an empty key.
	want := "6c1f2ee938fad2e24bd91298474382ca218c75db3d83e114b3d4367776d14d3551289e75e8209cd4b792302840234adc"
	assert.Equal(t, want, Sign("", ""))
}
