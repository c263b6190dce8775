package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bfxflow/logger"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send and Read before Connect succeeded.
var ErrNotConnected = errors.New("bitfinex messenger is not connected")

// Messenger is a text-frame websocket session. Connect may be called again
// after a failure; it replaces the previous connection.
type Messenger interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, v any) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// WSMessenger implements Messenger over gorilla/websocket. Writes are
// serialized; a cancelled connect context closes the socket so a blocked Read
// returns.
type WSMessenger struct {
	url    string
	dialer websocket.Dialer
	log    *logger.Log

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  chan struct{}
	writeMu sync.Mutex
}

func NewWSMessenger(url string) *WSMessenger {
	return &WSMessenger{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:    logger.GetLogger(),
	}
}

func (m *WSMessenger) Connect(ctx context.Context) error {
	m.Close()

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	closed := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.closed = closed
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()

	m.log.WithComponent("bitfinex_messenger").WithFields(logger.Fields{"url": m.url}).Debug("websocket connected")
	return nil
}

func (m *WSMessenger) current() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *WSMessenger) Send(ctx context.Context, v any) error {
	conn := m.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *WSMessenger) Read(ctx context.Context) ([]byte, error) {
	conn := m.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

func (m *WSMessenger) Close() error {
	m.mu.Lock()
	conn, closed := m.conn, m.closed
	m.conn, m.closed = nil, nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(closed)

	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	m.writeMu.Unlock()
	return conn.Close()
}
