package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Phrase is a completed phrase recognized on a call
type Phrase struct {
	CallID string    `json:"call_id"`
	SSRC   uint32    `json:"ssrc"`
	Remote string    `json:"remote,omitempty"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// PhraseSink receives completed phrases. Downstream handling (dialogue,
// speech synthesis) lives behind this port.
type PhraseSink interface {
	Publish(ctx context.Context, phrase Phrase) error
}

// LogSink writes phrases to the log
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink that logs each phrase at info level
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Publish logs the phrase
func (s *LogSink) Publish(_ context.Context, p Phrase) error {
	s.log.Info().
		Str("call_id", p.CallID).
		Uint32("ssrc", p.SSRC).
		Str("text", p.Text).
		Msg("Phrase")
	return nil
}

// publisher is the subset of *nats.Conn used by NATSSink
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes phrases as JSON on <prefix>.<call id>
type NATSSink struct {
	conn   publisher
	prefix string
}

// NewNATSSink creates a sink publishing on nc
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return newNATSSink(nc, prefix)
}

func newNATSSink(conn publisher, prefix string) *NATSSink {
	return &NATSSink{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// Subject returns the subject a call's phrases are published on
func (s *NATSSink) Subject(callID string) string {
	if s.prefix == "" {
		return callID
	}
	return s.prefix + "." + callID
}

// Publish sends the phrase to NATS
func (s *NATSSink) Publish(ctx context.Context, p Phrase) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode phrase: %w", err)
	}
	if err := s.conn.Publish(s.Subject(p.CallID), data); err != nil {
		return fmt.Errorf("failed to publish phrase: %w", err)
	}
	return nil
}

// MultiSink fans a phrase out to several sinks
type MultiSink []PhraseSink

// Publish delivers to every sink and joins their errors
func (m MultiSink) Publish(ctx context.Context, p Phrase) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectNATS dials a NATS server and keeps reconnecting for the life of
// the process.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("voice-connector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
