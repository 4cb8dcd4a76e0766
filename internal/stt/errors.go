package stt

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidConfig is wrapped by every configuration error
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrTransportClosed reports that the transport can no longer be used
	ErrTransportClosed = errors.New("transport closed")

	// ErrSessionClosed is returned by Start after Close
	ErrSessionClosed = errors.New("session closed")
)

// ConfigError describes a rejected configuration field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid session config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// isTransportClosed reports whether err means the connection is gone and
// the streaming step has to end.
func isTransportClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
