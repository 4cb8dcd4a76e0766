package telephony

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-connector/internal/audio"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	info     CallInfo
	frames   [][]byte
	started  bool
	closed   bool
	onPhrase func(string)
}

func (r *fakeRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *fakeRecognizer) Send(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *fakeRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *fakeRecognizer) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *fakeRecognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type recognizerFactory struct {
	mu   sync.Mutex
	recs []*fakeRecognizer
	err  error
}

func (f *recognizerFactory) New(call CallInfo, _ audio.Decoder, onPhrase func(string)) (Recognizer, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := &fakeRecognizer{info: call, onPhrase: onPhrase}
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	return rec, nil
}

func (f *recognizerFactory) Recognizers() []*fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeRecognizer, len(f.recs))
	copy(out, f.recs)
	return out
}

type memorySink struct {
	mu      sync.Mutex
	phrases []Phrase
	err     error
}

func (s *memorySink) Publish(_ context.Context, p Phrase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phrases = append(s.phrases, p)
	return s.err
}

func (s *memorySink) Phrases() []Phrase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Phrase, len(s.phrases))
	copy(out, s.phrases)
	return out
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16, pt uint8, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal RTP packet: %v", err)
	}
	return data
}

func startListener(t *testing.T, cfg ListenerConfig, factory *recognizerFactory, sink PhraseSink) (*Listener, net.Conn, func()) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}

	l := NewListener(cfg, factory.New, sink, zerolog.Nop())
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	eventually(t, time.Second, l.Ready, "listener never became ready")

	client, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial listener: %v", err)
	}

	stop := func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	}
	return l, client, stop
}

func TestListener_ForwardsFramesInOrder(t *testing.T) {
	factory := &recognizerFactory{}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, &memorySink{})
	defer stop()

	for seq := uint16(1); seq <= 3; seq++ {
		payload := []byte{byte(seq), byte(seq), byte(seq)}
		if _, err := client.Write(rtpPacket(t, 42, seq, 0, payload)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	eventually(t, 2*time.Second, func() bool {
		recs := factory.Recognizers()
		return len(recs) == 1 && len(recs[0].Frames()) == 3
	}, "expected 3 frames on one recognizer")

	rec := factory.Recognizers()[0]
	for i, frame := range rec.Frames() {
		if frame[0] != byte(i+1) {
			t.Errorf("Frame %d out of order: %v", i, frame)
		}
	}
	if rec.info.SSRC != 42 || rec.info.Codec != "pcmu" || rec.info.ID == "" {
		t.Errorf("Unexpected call info %+v", rec.info)
	}
	if l.ActiveCalls() != 1 {
		t.Errorf("Expected 1 active call, got %d", l.ActiveCalls())
	}
}

func TestListener_OneCallPerSSRC(t *testing.T) {
	factory := &recognizerFactory{}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, &memorySink{})
	defer stop()

	client.Write(rtpPacket(t, 1, 1, 0, []byte{1}))
	client.Write(rtpPacket(t, 2, 1, 8, []byte{2}))
	client.Write(rtpPacket(t, 1, 2, 0, []byte{3}))

	eventually(t, 2*time.Second, func() bool { return l.ActiveCalls() == 2 }, "expected 2 calls")

	codecs := map[string]bool{}
	for _, rec := range factory.Recognizers() {
		codecs[rec.info.Codec] = true
	}
	if !codecs["pcmu"] || !codecs["pcma"] {
		t.Errorf("Expected pcmu and pcma calls, got %v", codecs)
	}
}

func TestListener_IgnoresUnsupportedPayload(t *testing.T) {
	factory := &recognizerFactory{}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, &memorySink{})
	defer stop()

	client.Write(rtpPacket(t, 7, 1, 96, []byte{1, 2}))
	client.Write([]byte{0x00})
	// A supported packet afterwards proves the earlier ones were processed.
	client.Write(rtpPacket(t, 8, 1, 0, []byte{1, 2}))

	eventually(t, 2*time.Second, func() bool { return l.ActiveCalls() == 1 }, "expected supported call to start")
	if recs := factory.Recognizers(); len(recs) != 1 || recs[0].info.SSRC != 8 {
		t.Errorf("Expected only SSRC 8 to start a call, got %d recognizers", len(recs))
	}
}

func TestListener_FactoryError(t *testing.T) {
	factory := &recognizerFactory{err: errors.New("no capacity")}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, &memorySink{})
	defer stop()

	client.Write(rtpPacket(t, 9, 1, 0, []byte{1}))
	time.Sleep(100 * time.Millisecond)
	if l.ActiveCalls() != 0 {
		t.Errorf("Expected no calls when the factory fails, got %d", l.ActiveCalls())
	}
}

func TestListener_ReapsIdleCalls(t *testing.T) {
	factory := &recognizerFactory{}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: 100 * time.Millisecond}, factory, &memorySink{})
	defer stop()

	client.Write(rtpPacket(t, 5, 1, 0, []byte{1}))
	eventually(t, 2*time.Second, func() bool { return len(factory.Recognizers()) == 1 }, "call never started")

	eventually(t, 2*time.Second, func() bool {
		return l.ActiveCalls() == 0 && factory.Recognizers()[0].Closed()
	}, "idle call was not reaped")
}

func TestListener_ShutdownClosesCalls(t *testing.T) {
	factory := &recognizerFactory{}
	l, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, &memorySink{})

	client.Write(rtpPacket(t, 11, 1, 0, []byte{1}))
	client.Write(rtpPacket(t, 12, 1, 0, []byte{1}))
	eventually(t, 2*time.Second, func() bool { return l.ActiveCalls() == 2 }, "calls never started")

	stop()

	for _, rec := range factory.Recognizers() {
		if !rec.Closed() {
			t.Errorf("Recognizer for SSRC %d not closed on shutdown", rec.info.SSRC)
		}
	}
	if l.Ready() {
		t.Error("Listener should not be ready after Serve returns")
	}
}

func TestListener_PublishesPhrases(t *testing.T) {
	factory := &recognizerFactory{}
	sink := &memorySink{}
	_, client, stop := startListener(t, ListenerConfig{IdleTimeout: time.Minute}, factory, sink)
	defer stop()

	client.Write(rtpPacket(t, 21, 1, 0, []byte{1}))
	eventually(t, 2*time.Second, func() bool { return len(factory.Recognizers()) == 1 }, "call never started")

	rec := factory.Recognizers()[0]
	rec.onPhrase("hello there.")

	phrases := sink.Phrases()
	if len(phrases) != 1 {
		t.Fatalf("Expected 1 phrase, got %d", len(phrases))
	}
	p := phrases[0]
	if p.Text != "hello there." || p.SSRC != 21 || p.CallID != rec.info.ID {
		t.Errorf("Unexpected phrase %+v", p)
	}
	if p.Remote == "" || p.Time.IsZero() {
		t.Errorf("Expected remote and time to be set, got %+v", p)
	}
}

func TestCallSession_HandlePacket(t *testing.T) {
	rec := &fakeRecognizer{}
	call := newCallSession(CallInfo{ID: "call-1", SSRC: 1}, 0, &memorySink{}, zerolog.Nop(), time.Now())
	call.rec = rec

	packet := func(seq uint16, pt uint8, payload []byte) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, PayloadType: pt}, Payload: payload}
	}

	now := time.Now()
	steps := []struct {
		name    string
		pkt     *rtp.Packet
		forward bool
	}{
		{"first packet", packet(100, 0, []byte{1}), true},
		{"next in order", packet(101, 0, []byte{2}), true},
		{"duplicate", packet(101, 0, []byte{2}), false},
		{"gap of two", packet(104, 0, []byte{3}), true},
		{"late", packet(102, 0, []byte{4}), false},
		{"other payload type", packet(105, 101, []byte{5}), false},
		{"empty payload", packet(106, 0, nil), false},
	}
	for _, step := range steps {
		if got := call.HandlePacket(step.pkt, now); got != step.forward {
			t.Errorf("%s: HandlePacket() = %v, want %v", step.name, got, step.forward)
		}
	}

	packets, lost, late := call.Stats()
	if packets != 3 || lost != 2 || late != 2 {
		t.Errorf("Expected stats 3/2/2, got %d/%d/%d", packets, lost, late)
	}
	if len(rec.Frames()) != 3 {
		t.Errorf("Expected 3 forwarded frames, got %d", len(rec.Frames()))
	}
}

func TestCallSession_SequenceWrap(t *testing.T) {
	rec := &fakeRecognizer{}
	call := newCallSession(CallInfo{ID: "call-1"}, 0, &memorySink{}, zerolog.Nop(), time.Now())
	call.rec = rec

	now := time.Now()
	call.HandlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 65535}, Payload: []byte{1}}, now)
	if !call.HandlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 0}, Payload: []byte{2}}, now) {
		t.Error("Expected packet after sequence wrap to be forwarded")
	}
	if _, lost, _ := call.Stats(); lost != 0 {
		t.Errorf("Expected no loss across wrap, got %d", lost)
	}
}

func TestCallSession_CopiesPayload(t *testing.T) {
	rec := &fakeRecognizer{}
	call := newCallSession(CallInfo{ID: "call-1"}, 0, &memorySink{}, zerolog.Nop(), time.Now())
	call.rec = rec

	payload := []byte{1, 2, 3}
	call.HandlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: payload}, time.Now())
	payload[0] = 9

	if got := rec.Frames()[0][0]; got != 1 {
		t.Errorf("Forwarded frame aliases the packet buffer, got %d", got)
	}
}

func TestCallSession_CloseIdempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	start := time.Now()
	call := newCallSession(CallInfo{ID: "call-1"}, 0, &memorySink{}, zerolog.Nop(), start)
	call.rec = rec

	if idle := call.IdleFor(start.Add(3 * time.Second)); idle != 3*time.Second {
		t.Errorf("Expected idle 3s, got %v", idle)
	}

	call.Close()
	call.Close()
	if !rec.Closed() {
		t.Error("Expected recognizer closed")
	}
	if call.HandlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1}}, time.Now()) {
		t.Error("Closed call should not forward packets")
	}
}

func TestNATSSink_Publish(t *testing.T) {
	pub := &fakePublisher{}
	sink := newNATSSink(pub, "stt.phrases.")

	if got := sink.Subject("abc"); got != "stt.phrases.abc" {
		t.Errorf("Expected subject 'stt.phrases.abc', got '%s'", got)
	}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := sink.Publish(context.Background(), Phrase{CallID: "abc", SSRC: 7, Text: "hi.", Time: at})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if pub.subject != "stt.phrases.abc" {
		t.Errorf("Published on wrong subject '%s'", pub.subject)
	}

	var got Phrase
	if err := json.Unmarshal(pub.data, &got); err != nil {
		t.Fatalf("Published payload is not JSON: %v", err)
	}
	if got.CallID != "abc" || got.SSRC != 7 || got.Text != "hi." || !got.Time.Equal(at) {
		t.Errorf("Unexpected payload %+v", got)
	}
}

func TestNATSSink_Errors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	sink := newNATSSink(pub, "")

	if got := sink.Subject("abc"); got != "abc" {
		t.Errorf("Expected bare subject without prefix, got '%s'", got)
	}

	if err := sink.Publish(context.Background(), Phrase{CallID: "abc"}); err == nil {
		t.Error("Expected publish error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Publish(ctx, Phrase{CallID: "abc"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMultiSink(t *testing.T) {
	ok := &memorySink{}
	failing := &memorySink{err: errors.New("downstream unavailable")}
	sink := MultiSink{failing, ok}

	err := sink.Publish(context.Background(), Phrase{CallID: "abc", Text: "hello."})
	if err == nil || !strings.Contains(err.Error(), "downstream unavailable") {
		t.Errorf("Expected joined sink error, got %v", err)
	}
	if len(ok.Phrases()) != 1 {
		t.Error("Expected the healthy sink to still receive the phrase")
	}

	if err := (MultiSink{ok}).Publish(context.Background(), Phrase{}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}
