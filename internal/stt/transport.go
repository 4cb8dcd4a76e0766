package stt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented duplex transport. One goroutine may write
// while another reads; Close may be called from any goroutine.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn to a recognition endpoint
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DefaultHandshakeTimeout bounds the websocket opening handshake
const DefaultHandshakeTimeout = 10 * time.Second

// WebsocketDialer dials recognition servers over websocket
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial opens a websocket connection to url
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return conn, nil
}
