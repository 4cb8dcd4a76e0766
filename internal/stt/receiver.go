package stt

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-connector/internal/resilience"
)

// maxReadErrors is how many consecutive failed reads the receiver absorbs
// before giving the connection up.
const maxReadErrors = 5

// receiveLoop reads server messages until the transport fails. It always
// returns a non-nil error describing why reading stopped.
func (s *Session) receiveLoop(ctx context.Context, conn Conn) error {
	readErrors := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isTransportClosed(err) {
				return fmt.Errorf("receive: %w", err)
			}

			readErrors++
			s.flow.ConnectionError()
			if readErrors >= maxReadErrors {
				return fmt.Errorf("receive: giving up after %d errors: %w", readErrors, err)
			}
			s.log.Warn().Err(err).Int("consecutive_errors", readErrors).Msg("Failed to read server message")
			if !resilience.Sleep(ctx, resilience.LocalBackoff(readErrors)) {
				return fmt.Errorf("receive: %w", ctx.Err())
			}
			continue
		}

		readErrors = 0
		s.flow.ConnectionSuccess()

		if msgType != websocket.TextMessage {
			continue
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	event, ok, err := decodeEvent(data)
	if err != nil {
		s.metrics.RecordError("protocol", "receiver")
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("Discarding malformed server message")
		return
	}
	if !ok {
		return
	}

	switch event.Kind {
	case EventFinal:
		s.log.Debug().Str("text", event.Text).Int("words", len(event.Words)).Msg("Final fragment")
		if len(event.Words) > 0 {
			s.log.Trace().Interface("words", event.Words).Msg("Word timings")
		}
		s.sentences.Add(event.Text)

	case EventPartial:
		s.metrics.RecordPartial()
		s.partialLog.Do(func() {
			s.log.Debug().Str("partial", event.Text).Msg("Partial transcript")
		})
		if s.onPartial != nil {
			text := event.Text
			s.dispatch.Submit("partial", func() {
				s.onPartial(text)
			})
		}
	}
}
