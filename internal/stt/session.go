package stt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voice-connector/internal/audio"
	"github.com/lexiqai/voice-connector/internal/observability"
	"github.com/lexiqai/voice-connector/internal/resilience"
)

// Session streams audio for one call to a recognition server and turns
// the server's transcript events into completed phrases.
//
// A Session is single-use: Start it once, Send frames, then Close it.
// Transport failures are never reported to the caller; the session keeps
// reconnecting until Close.
type Session struct {
	cfg     Config
	id      string
	log     zerolog.Logger
	dialer  Dialer
	decoder audio.Decoder
	metrics *observability.SessionMetrics

	onPhrase       func(phrase string)
	onPartial      func(text string)
	onState        func(old, new State)
	reconnectDelay func(attempts int) time.Duration

	flow      *resilience.FlowController
	reconnect resilience.ReconnectState
	queue     *frameQueue
	sentences *SentenceBuffer
	dispatch  *dispatcher

	partialLog rate.Sometimes
	decodeLog  rate.Sometimes
	dropLog    rate.Sometimes

	stateMu sync.Mutex
	state   State

	active    atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	// stopCtx ends streaming gracefully; hardCtx tears everything down
	hardCtx    context.Context
	hardCancel context.CancelFunc
	stopCtx    context.Context
	stopCancel context.CancelFunc
	done       chan struct{}
}

// Option configures a Session
type Option func(*Session)

// WithSessionID sets the identifier used in logs and metrics
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithPhraseHandler registers the callback for completed phrases. It runs
// on a dedicated goroutine, one phrase at a time, in arrival order.
func WithPhraseHandler(fn func(phrase string)) Option {
	return func(s *Session) {
		s.onPhrase = fn
	}
}

// WithPartialHandler registers the callback for interim hypotheses
func WithPartialHandler(fn func(text string)) Option {
	return func(s *Session) {
		s.onPartial = fn
	}
}

// WithStateHandler registers a callback for connection state transitions.
// It is called synchronously from the connection loop and must not block.
func WithStateHandler(fn func(old, new State)) Option {
	return func(s *Session) {
		s.onState = fn
	}
}

// WithDecoder sets the codec used to turn frames into PCM16 at the
// session's sample rate. Without one, frames are sent as given.
func WithDecoder(d audio.Decoder) Option {
	return func(s *Session) {
		s.decoder = d
	}
}

// WithLogger sets the base logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithMetrics sets the metrics tracker
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// withReconnectDelay overrides the reconnect backoff (tests)
func withReconnectDelay(fn func(attempts int) time.Duration) Option {
	return func(s *Session) {
		s.reconnectDelay = fn
	}
}

// NewSession validates cfg and builds an idle session
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		log:    zerolog.Nop(),
		dialer: &WebsocketDialer{},
		state:  StateDisconnected,
		done:   make(chan struct{}),
		reconnectDelay: func(attempts int) time.Duration {
			return resilience.ReconnectDelay(attempts, nil)
		},
		partialLog: rate.Sometimes{Interval: 2 * time.Second},
		decodeLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		dropLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = observability.SessionLogger(s.log, s.id)
	if s.metrics == nil {
		s.metrics = observability.NewSessionMetrics()
	}

	s.flow = resilience.NewFlowController(cfg.FlowRate, cfg.FlowCapacity)
	s.queue = newFrameQueue(cfg.MaxQueuedFrames)
	s.dispatch = newDispatcher(s.log)
	s.sentences = NewSentenceBuffer(cfg.PhraseMaxFragments, cfg.PhraseIdleFlush, s.emitPhrase)

	s.hardCtx, s.hardCancel = context.WithCancel(context.Background())
	s.stopCtx, s.stopCancel = context.WithCancel(s.hardCtx)

	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Start launches the connection loop and returns immediately
func (s *Session) Start() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.active.Store(true)
	s.metrics.RecordSessionStart()
	s.metrics.RecordStateChange(StateDisconnected.String())

	s.log.Info().
		Str("url", s.cfg.URL).
		Int("sample_rate", s.cfg.SampleRate).
		Msg("Starting STT session")

	go s.run()
	return nil
}

// Send queues one audio frame. Frames are dropped silently before Start
// and after Close; otherwise they are kept, in order, until a connection
// can take them.
func (s *Session) Send(frame []byte) {
	if len(frame) == 0 || !s.active.Load() || s.stopCtx.Err() != nil {
		return
	}

	if s.queue.Push(frame) {
		s.metrics.RecordFrameDropped()
		s.dropLog.Do(func() {
			s.log.Warn().Int("limit", s.cfg.MaxQueuedFrames).Msg("Outbound queue full, dropping oldest frames")
		})
	}
	s.metrics.RecordFrameQueued(len(frame))
}

// Close stops the session. It waits up to CloseTimeout for the end-of-stream
// marker to be sent and the transport closed, then forces cancellation.
// Calling Close more than once is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.active.Store(false)
		s.stopCancel()

		if s.started.Load() {
			timer := time.NewTimer(s.cfg.CloseTimeout)
			select {
			case <-s.done:
			case <-timer.C:
				s.log.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("Graceful close timed out, forcing cancellation")
				s.hardCancel()
				s.awaitDone(s.cfg.StreamGrace)
			}
			timer.Stop()
		} else {
			s.sentences.Stop()
			s.dispatch.Stop()
		}

		s.hardCancel()
		s.log.Info().Msg("STT session closed")
	})
}

func (s *Session) awaitDone(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.log.Error().Msg("Connection loop did not exit after cancellation")
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ReconnectStats returns the failure counters since the last successful connect
func (s *Session) ReconnectStats() resilience.ReconnectStats {
	return s.reconnect.Snapshot()
}

// Health returns the flow controller health multiplier
func (s *Session) Health() float64 {
	return s.flow.Health()
}

// QueuedFrames returns the number of frames waiting to be sent
func (s *Session) QueuedFrames() int {
	return s.queue.Len()
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()

	if prev == next {
		return
	}

	s.metrics.RecordStateChange(next.String())
	s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("State change")
	if s.onState != nil {
		s.onState(prev, next)
	}
}

func (s *Session) emitPhrase(phrase string) {
	s.metrics.RecordPhrase()
	s.log.Info().Str("phrase", phrase).Msg("Phrase completed")

	if s.onPhrase != nil {
		s.dispatch.Submit("phrase", func() {
			s.onPhrase(phrase)
		})
	}
}
