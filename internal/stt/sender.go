package stt

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-connector/internal/resilience"
)

// localErrorThreshold is the number of consecutive non-fatal send errors
// after which the connection is treated as degraded.
const localErrorThreshold = 3

// sendLoop drains the outbound queue onto conn until the stream is torn
// down or the session shuts down. On shutdown it sends the end-of-stream
// marker and returns nil. A transport failure is returned as an error unless
// the stream was already being torn down.
func (s *Session) sendLoop(streamCtx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(streamCtx)
	defer cancel()
	stop := context.AfterFunc(s.stopCtx, cancel)
	defer stop()

	localErrors := 0
	for ctx.Err() == nil {
		frame, ok := s.queue.Pop(ctx, s.cfg.QueuePoll)
		if !ok {
			continue
		}

		if wait := s.flow.Consume(1); wait > 0 {
			s.metrics.RecordFlowWait(wait)
			if !resilience.Sleep(ctx, wait) {
				break
			}
		}

		payload := s.prepareFrame(frame)
		err := conn.WriteMessage(websocket.BinaryMessage, payload)
		if err == nil {
			localErrors = 0
			s.metrics.RecordFrameSent(len(payload))
			continue
		}

		if isTransportClosed(err) {
			if s.stopCtx.Err() == nil {
				s.queue.Requeue(frame)
			}
			// The manager closed the transport under us; it has already
			// accounted for why.
			if streamCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send audio: %w", err)
		}

		localErrors++
		if localErrors >= localErrorThreshold {
			s.flow.ConnectionError()
		}
		s.log.Warn().Err(err).Int("consecutive_errors", localErrors).Msg("Failed to send audio frame")
		if !resilience.Sleep(ctx, resilience.LocalBackoff(localErrors-1)) {
			break
		}
	}

	// The manager tore the transport down; there is nobody to send EOF to.
	if streamCtx.Err() != nil || s.stopCtx.Err() == nil {
		return nil
	}
	return s.sendEOF(conn)
}

func (s *Session) sendEOF(conn Conn) error {
	data, err := encodeEOF()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send eof: %w", err)
	}
	s.log.Debug().Int("dropped_frames", s.queue.Len()).Msg("Sent end-of-stream marker")
	return nil
}

// prepareFrame decodes a frame into PCM16 at the session rate when its
// codec is not already there. A failed decode sends the frame unchanged.
func (s *Session) prepareFrame(frame []byte) []byte {
	if s.decoder == nil {
		return frame
	}
	if s.decoder.Linear() && s.decoder.SampleRate() == s.cfg.SampleRate {
		return frame
	}

	pcm, err := s.decoder.Decode(frame)
	if err != nil {
		s.metrics.RecordDecodeFailure(s.decoder.Name())
		s.decodeLog.Do(func() {
			s.log.Warn().Err(err).Str("codec", s.decoder.Name()).Msg("Decode failed, sending raw frame")
		})
		return frame
	}
	return pcm
}
