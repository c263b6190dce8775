package bitfinex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolsClientAllSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/symbols", r.URL.Path)
		w.Write([]byte(`["btcusd","ethusd","ltcbtc"]`))
	}))
	defer srv.Close()

	client := NewSymbolsClient(srv.URL+"/", time.Second)
	symbols, err := client.AllSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD", "LTCBTC"}, symbols)
}

func TestSymbolsClientBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewSymbolsClient(srv.URL, time.Second).AllSymbols(context.Background())
	assert.Error(t, err)
}
