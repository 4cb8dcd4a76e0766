package telephony

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-connector/internal/audio"
	"github.com/lexiqai/voice-connector/internal/observability"
	"github.com/lexiqai/voice-connector/internal/stt"
)

// Recognizer is the per-call speech recognition session
type Recognizer interface {
	Start() error
	Send(frame []byte)
	Close()
}

// CallInfo identifies a call to a RecognizerFactory
type CallInfo struct {
	ID     string
	SSRC   uint32
	Remote string
	Codec  string
}

// RecognizerFactory creates the recognizer for a new call. onPhrase must be
// invoked with every completed phrase.
type RecognizerFactory func(call CallInfo, decoder audio.Decoder, onPhrase func(string)) (Recognizer, error)

// STTSessionFactory builds stt.Sessions sharing one configuration
func STTSessionFactory(cfg stt.Config, log zerolog.Logger) RecognizerFactory {
	return func(call CallInfo, decoder audio.Decoder, onPhrase func(string)) (Recognizer, error) {
		session, err := stt.NewSession(cfg,
			stt.WithSessionID(call.ID),
			stt.WithDecoder(decoder),
			stt.WithLogger(log.With().Uint32("ssrc", call.SSRC).Str("codec", call.Codec).Logger()),
			stt.WithPhraseHandler(onPhrase),
		)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// phrasePublishTimeout bounds one sink delivery
const phrasePublishTimeout = 5 * time.Second

// CallSession holds the state of a single RTP stream
type CallSession struct {
	info        CallInfo
	payloadType uint8
	rec         Recognizer
	sink        PhraseSink
	metrics     *observability.CallMetrics
	logger      zerolog.Logger

	mu         sync.Mutex
	lastSeq    uint16
	lastPacket time.Time
	packets    uint64
	lost       uint64
	late       uint64
	closed     bool
}

func newCallSession(info CallInfo, payloadType uint8, sink PhraseSink, logger zerolog.Logger, now time.Time) *CallSession {
	return &CallSession{
		info:        info,
		payloadType: payloadType,
		sink:        sink,
		metrics:     observability.NewCallMetrics(info.ID),
		logger:      logger.With().Str("call_id", info.ID).Uint32("ssrc", info.SSRC).Logger(),
		lastPacket:  now,
	}
}

// Info returns the call identifiers
func (c *CallSession) Info() CallInfo {
	return c.info
}

// onPhrase forwards a recognized phrase to the sink
func (c *CallSession) onPhrase(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), phrasePublishTimeout)
	defer cancel()

	phrase := Phrase{
		CallID: c.info.ID,
		SSRC:   c.info.SSRC,
		Remote: c.info.Remote,
		Text:   text,
		Time:   time.Now().UTC(),
	}
	if err := c.sink.Publish(ctx, phrase); err != nil {
		c.metrics.RecordError("publish", "sink")
		c.logger.Error().Err(err).Msg("Failed to publish phrase")
	}
}

// HandlePacket forwards the payload of an in-order packet to the recognizer.
// It reports whether the payload was forwarded.
func (c *CallSession) HandlePacket(pkt *rtp.Packet, now time.Time) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.lastPacket = now

	// Other payload types on the same SSRC (DTMF events, comfort noise)
	// are not audio for this codec.
	if pkt.PayloadType != c.payloadType || len(pkt.Payload) == 0 {
		c.mu.Unlock()
		return false
	}

	if c.packets > 0 {
		delta := int16(pkt.SequenceNumber - c.lastSeq)
		if delta <= 0 {
			c.late++
			c.mu.Unlock()
			return false
		}
		c.lost += uint64(delta - 1)
	}
	c.lastSeq = pkt.SequenceNumber
	c.packets++
	c.mu.Unlock()

	// The packet buffer is reused by the read loop.
	frame := make([]byte, len(pkt.Payload))
	copy(frame, pkt.Payload)
	c.rec.Send(frame)
	return true
}

// IdleFor returns how long the call has gone without packets
func (c *CallSession) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPacket)
}

// Stats returns packet counters
func (c *CallSession) Stats() (packets, lost, late uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets, c.lost, c.late
}

// Close ends the recognizer, waiting for its final phrases
func (c *CallSession) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.rec.Close()
	c.metrics.RecordCallEnd()

	packets, lost, late := c.Stats()
	c.logger.Info().
		Uint64("packets", packets).
		Uint64("lost", lost).
		Uint64("late", late).
		Msg("Call ended")
}
