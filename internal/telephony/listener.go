package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voice-connector/internal/audio"
)

// maxPacketSize is large enough for any RTP packet on a 1500-byte MTU
const maxPacketSize = 2048

// ListenerConfig configures the RTP front-end
type ListenerConfig struct {
	// Addr is the UDP address to listen on, e.g. ":10000"
	Addr string

	// IdleTimeout ends a call after this long without packets
	IdleTimeout time.Duration

	// SampleRate is the PCM rate the recognizer expects
	SampleRate int
}

// Listener receives RTP over UDP and runs one recognizer per SSRC
type Listener struct {
	cfg           ListenerConfig
	newRecognizer RecognizerFactory
	sink          PhraseSink
	logger        zerolog.Logger

	conn    net.PacketConn
	serving atomic.Bool

	mu    sync.Mutex
	calls map[uint32]*CallSession

	closing sync.WaitGroup

	badPacketLog   rate.Sometimes
	unsupportedLog rate.Sometimes
}

// NewListener creates a listener; call Listen then Serve
func NewListener(cfg ListenerConfig, factory RecognizerFactory, sink PhraseSink, logger zerolog.Logger) *Listener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Listener{
		cfg:            cfg,
		newRecognizer:  factory,
		sink:           sink,
		logger:         logger.With().Str("component", "rtp").Logger(),
		calls:          make(map[uint32]*CallSession),
		badPacketLog:   rate.Sometimes{First: 5, Interval: 30 * time.Second},
		unsupportedLog: rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// Listen binds the UDP socket
func (l *Listener) Listen() error {
	conn, err := net.ListenPacket("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Addr, err)
	}
	l.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Ready reports whether the read loop is running
func (l *Listener) Ready() bool {
	return l.serving.Load()
}

// ActiveCalls returns the number of live calls
func (l *Listener) ActiveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Serve reads packets until ctx is cancelled, then closes every call and
// waits for their recognizers to finish.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	l.serving.Store(true)
	defer l.serving.Store(false)

	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		l.reap(reapCtx)
	}()

	l.logger.Info().Str("addr", l.conn.LocalAddr().String()).Msg("RTP listener started")

	buf := make([]byte, maxPacketSize)
	var readErr error
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				readErr = fmt.Errorf("rtp read: %w", err)
			}
			break
		}
		l.handlePacket(buf[:n], from, time.Now())
	}

	l.conn.Close()
	stopReaper()
	<-reaperDone
	l.closeAll()
	l.closing.Wait()

	l.logger.Info().Msg("RTP listener stopped")
	return readErr
}

func (l *Listener) handlePacket(data []byte, from net.Addr, now time.Time) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		l.badPacketLog.Do(func() {
			l.logger.Debug().Err(err).Str("from", from.String()).Int("bytes", len(data)).Msg("Ignoring non-RTP packet")
		})
		return
	}

	call := l.lookup(pkt.SSRC)
	if call == nil {
		var err error
		call, err = l.startCall(&pkt, from, now)
		if err != nil {
			l.unsupportedLog.Do(func() {
				l.logger.Warn().Err(err).Uint32("ssrc", pkt.SSRC).Uint8("payload_type", pkt.PayloadType).Msg("Cannot start call")
			})
			return
		}
	}
	call.HandlePacket(&pkt, now)
}

func (l *Listener) lookup(ssrc uint32) *CallSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[ssrc]
}

// startCall picks the codec from the first packet and starts its recognizer
func (l *Listener) startCall(pkt *rtp.Packet, from net.Addr, now time.Time) (*CallSession, error) {
	decoder, err := audio.CodecForPayloadType(pkt.PayloadType, l.cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	info := CallInfo{
		ID:     uuid.NewString(),
		SSRC:   pkt.SSRC,
		Remote: from.String(),
		Codec:  decoder.Name(),
	}
	call := newCallSession(info, pkt.PayloadType, l.sink, l.logger, now)

	rec, err := l.newRecognizer(info, decoder, call.onPhrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	call.rec = rec
	if err := rec.Start(); err != nil {
		rec.Close()
		return nil, fmt.Errorf("failed to start recognizer: %w", err)
	}
	call.metrics.RecordCallStart()

	l.mu.Lock()
	l.calls[pkt.SSRC] = call
	l.mu.Unlock()

	call.logger.Info().Str("remote", info.Remote).Str("codec", info.Codec).Msg("Call started")
	return call, nil
}

// reap closes calls that have gone quiet
func (l *Listener) reap(ctx context.Context) {
	interval := l.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.reapIdle(now)
		}
	}
}

func (l *Listener) reapIdle(now time.Time) {
	var idle []*CallSession

	l.mu.Lock()
	for ssrc, call := range l.calls {
		if call.IdleFor(now) >= l.cfg.IdleTimeout {
			idle = append(idle, call)
			delete(l.calls, ssrc)
		}
	}
	l.mu.Unlock()

	for _, call := range idle {
		call.logger.Info().Dur("idle_timeout", l.cfg.IdleTimeout).Msg("Call idle, closing")
		l.closeAsync(call)
	}
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	calls := make([]*CallSession, 0, len(l.calls))
	for ssrc, call := range l.calls {
		calls = append(calls, call)
		delete(l.calls, ssrc)
	}
	l.mu.Unlock()

	for _, call := range calls {
		l.closeAsync(call)
	}
}

// closeAsync closes a call off the read loop; recognizers may take
// seconds to flush.
func (l *Listener) closeAsync(call *CallSession) {
	l.closing.Add(1)
	go func() {
		defer l.closing.Done()
		call.Close()
	}()
}
