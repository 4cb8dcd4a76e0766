package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodecForPayloadType(t *testing.T) {
	tests := []struct {
		pt      uint8
		name    string
		wantErr bool
	}{
		{PayloadTypePCMU, "pcmu", false},
		{PayloadTypePCMA, "pcma", false},
		{111, "", true},
		{9, "", true},
	}

	for _, tt := range tests {
		dec, err := CodecForPayloadType(tt.pt, 16000)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedCodec) {
				t.Errorf("payload type %d: expected ErrUnsupportedCodec, got %v", tt.pt, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("payload type %d: unexpected error %v", tt.pt, err)
		}
		if dec.Name() != tt.name {
			t.Errorf("payload type %d: expected %s, got %s", tt.pt, tt.name, dec.Name())
		}
		if dec.SampleRate() != G711SampleRate {
			t.Errorf("payload type %d: expected rate %d, got %d", tt.pt, G711SampleRate, dec.SampleRate())
		}
		if dec.Linear() {
			t.Errorf("payload type %d: G.711 must not report linear", tt.pt)
		}
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"PCMU", "mulaw", "pcma", "alaw", "pcm16", "L16"} {
		if _, err := CodecByName(name, 8000, 8000); err != nil {
			t.Errorf("CodecByName(%q) failed: %v", name, err)
		}
	}

	if _, err := CodecByName("opus", 48000, 16000); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec for opus, got %v", err)
	}

	dec, err := CodecByName("pcm", 0, 16000)
	if err != nil {
		t.Fatalf("CodecByName(pcm) failed: %v", err)
	}
	if dec.SampleRate() != 16000 {
		t.Errorf("Expected native rate to default to target, got %d", dec.SampleRate())
	}
}

func TestG711Decoder_Resamples(t *testing.T) {
	frame := bytes.Repeat([]byte{0xFF}, 160) // 20ms of μ-law silence

	narrow, err := NewPCMUDecoder(8000).Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(narrow) != 320 {
		t.Errorf("Expected 320 bytes at 8kHz, got %d", len(narrow))
	}

	wide, err := NewPCMADecoder(16000).Decode(bytes.Repeat([]byte{0xD5}, 160))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(wide) != 640 {
		t.Errorf("Expected 640 bytes at 16kHz, got %d", len(wide))
	}
}

func TestG711Decoder_EmptyFrame(t *testing.T) {
	if _, err := NewPCMUDecoder(8000).Decode(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame, got %v", err)
	}
}

func TestPCM16Decoder(t *testing.T) {
	frame := make([]byte, 640) // 20ms at 16kHz

	same := NewPCM16Decoder(16000, 16000)
	out, err := same.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != len(frame) {
		t.Errorf("Expected passthrough length %d, got %d", len(frame), len(out))
	}

	down := NewPCM16Decoder(16000, 8000)
	out, err = down.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 320 {
		t.Errorf("Expected 320 bytes after downsampling, got %d", len(out))
	}

	if _, err := down.Decode([]byte{1, 2, 3}); !errors.Is(err, ErrOddLength) {
		t.Errorf("Expected ErrOddLength, got %v", err)
	}
}
