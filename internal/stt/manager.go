package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-connector/internal/resilience"
)

// run is the connection loop. It owns each transport for the duration of
// one iteration and exits only when the session shuts down.
func (s *Session) run() {
	defer close(s.done)
	defer s.finish()

	for s.stopCtx.Err() == nil {
		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(s.stopCtx, s.cfg.URL)
		if err != nil {
			if s.stopCtx.Err() != nil {
				return
			}
			s.recordAttemptFailure("connect", err)
			if !s.waitReconnect() {
				return
			}
			continue
		}

		s.reconnect.Reset()
		s.flow.ConnectionSuccess()
		s.log.Info().Msg("Connected to recognition server")

		s.setState(StateConfiguring)
		if err := s.configure(conn); err != nil {
			conn.Close()
			if s.stopCtx.Err() != nil {
				return
			}
			s.recordAttemptFailure("configure", err)
			if !s.waitReconnect() {
				return
			}
			continue
		}

		s.setState(StateStreaming)
		s.stream(conn)

		s.setState(StateClosing)
		if err := conn.Close(); err != nil && !isTransportClosed(err) {
			s.log.Debug().Err(err).Msg("Error closing transport")
		}
		s.metrics.RecordHealth(s.flow.Health())

		if s.stopCtx.Err() != nil {
			return
		}
		if !s.waitReconnect() {
			return
		}
	}
}

func (s *Session) configure(conn Conn) error {
	data, err := encodeConfig(s.cfg.SampleRate)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send config: %w", err)
	}
	return nil
}

// stream runs the sender and receiver against conn until one of them ends,
// then stops the other within the grace period.
func (s *Session) stream(conn Conn) {
	streamCtx, cancel := context.WithCancel(s.hardCtx)
	defer cancel()
	// Closing the transport is the only way to unblock a pending read.
	stopWatch := context.AfterFunc(streamCtx, func() { conn.Close() })
	defer stopWatch()

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	go func() { sendDone <- s.sendLoop(streamCtx, conn) }()
	go func() { recvDone <- s.receiveLoop(streamCtx, conn) }()

	select {
	case err := <-sendDone:
		if err != nil {
			s.streamEnded("send", err)
		} else if s.awaitFinalResults(recvDone) {
			return
		}
		cancel()
		s.awaitWithGrace(recvDone, "receiver")

	case err := <-recvDone:
		s.streamEnded("receive", err)
		cancel()
		// The sender returns nil when it only saw the teardown, so an error
		// here is a failure of its own.
		if err := s.awaitWithGrace(sendDone, "sender"); err != nil {
			s.streamEnded("send", err)
		}
	}
}

// awaitFinalResults gives the server time to answer the end-of-stream
// marker. It reports whether the receiver finished on its own.
func (s *Session) awaitFinalResults(recvDone <-chan error) bool {
	timer := time.NewTimer(s.cfg.FinalResultTimeout)
	defer timer.Stop()

	select {
	case err := <-recvDone:
		s.log.Debug().Err(err).Msg("Receiver finished after end-of-stream")
		return true
	case <-timer.C:
		return false
	case <-s.hardCtx.Done():
		return false
	}
}

// awaitWithGrace waits for a stream task to stop and returns its error. It
// returns nil if the task is still running when the grace period ends.
func (s *Session) awaitWithGrace(done <-chan error, component string) error {
	timer := time.NewTimer(s.cfg.StreamGrace)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.log.Debug().Err(err).Str("component", component).Msg("Stream task stopped")
		}
		return err
	case <-timer.C:
		s.log.Warn().Str("component", component).Dur("grace", s.cfg.StreamGrace).Msg("Stream task did not stop in time")
		return nil
	}
}

// streamEnded accounts for an error that ended streaming. Errors caused by
// a concurrent shutdown are not counted.
func (s *Session) streamEnded(stage string, err error) {
	if err == nil || s.stopCtx.Err() != nil {
		return
	}

	s.reconnect.RecordStreamError(time.Now())
	s.flow.ConnectionError()
	s.metrics.RecordConnectionError(stage)
	s.log.Warn().Err(err).Str("stage", stage).Msg("Stream interrupted")
}

func (s *Session) recordAttemptFailure(stage string, err error) {
	s.reconnect.RecordAttemptFailure(time.Now())
	s.flow.ConnectionError()
	s.metrics.RecordReconnectAttempt()
	s.metrics.RecordConnectionError(stage)

	stats := s.reconnect.Snapshot()
	s.log.Warn().
		Err(err).
		Str("stage", stage).
		Int("attempts", stats.Attempts).
		Int("consecutive_errors", stats.ConsecutiveErrors).
		Msg("Connection attempt failed")
}

// waitReconnect sleeps out the backoff. It returns false on shutdown.
func (s *Session) waitReconnect() bool {
	s.setState(StateDisconnected)

	delay := s.reconnectDelay(s.reconnect.Attempts())
	s.log.Info().Dur("delay", delay).Msg("Reconnecting")
	return resilience.Sleep(s.stopCtx, delay)
}

// finish flushes pending text and runs the remaining callbacks before the
// loop reports itself done.
func (s *Session) finish() {
	s.setState(StateDisconnected)
	s.sentences.Flush()
	s.dispatch.Stop()

	if n := s.queue.Clear(); n > 0 {
		s.log.Debug().Int("frames", n).Msg("Discarded queued audio")
	}
	s.metrics.RecordSessionEnd()
}
