package bitfinex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer replies to every text frame with the same payload.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSMessengerRoundTrip(t *testing.T) {
	srv := echoServer(t)
	m := NewWSMessenger(wsURL(srv))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Connect(ctx))
	defer m.Close()

	require.NoError(t, m.Send(ctx, NewPingRequest()))
	data, err := m.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(data))
}

func TestWSMessengerReadUnblocksOnCancel(t *testing.T) {
	srv := echoServer(t)
	m := NewWSMessenger(wsURL(srv))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Connect(ctx))
	defer m.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Read(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after cancellation")
	}
}

func TestWSMessengerNotConnected(t *testing.T) {
	m := NewWSMessenger("ws://127.0.0.1:1")
	ctx := context.Background()
	assert.ErrorIs(t, m.Send(ctx, NewPingRequest()), ErrNotConnected)
	_, err := m.Read(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, m.Close())
}
