package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCodec is returned when no decoder exists for a codec
var ErrUnsupportedCodec = errors.New("unsupported codec")

// RTP static payload types (RFC 3551)
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// G711SampleRate is the clock rate of both G.711 variants
const G711SampleRate = 8000

// Decoder turns frames in a codec's native format into 16-bit little-endian
// mono PCM at a target rate.
type Decoder interface {
	// Name returns the codec name (e.g. "pcmu")
	Name() string

	// SampleRate returns the codec's native sample rate in Hz
	SampleRate() int

	// Linear reports whether native frames are already PCM16
	Linear() bool

	// Decode converts one native frame
	Decode(frame []byte) ([]byte, error)
}

type g711Decoder struct {
	name       string
	targetRate int
	expand     func([]byte) ([]byte, error)
}

// NewPCMUDecoder returns a μ-law decoder producing PCM16 at targetRate
func NewPCMUDecoder(targetRate int) Decoder {
	return &g711Decoder{name: "pcmu", targetRate: targetRate, expand: ConvertPCMUToPCM}
}

// NewPCMADecoder returns an A-law decoder producing PCM16 at targetRate
func NewPCMADecoder(targetRate int) Decoder {
	return &g711Decoder{name: "pcma", targetRate: targetRate, expand: ConvertPCMAToPCM}
}

func (d *g711Decoder) Name() string    { return d.name }
func (d *g711Decoder) SampleRate() int { return G711SampleRate }
func (d *g711Decoder) Linear() bool    { return false }

func (d *g711Decoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := d.expand(frame)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", d.name, err)
	}
	if d.targetRate <= 0 || d.targetRate == G711SampleRate {
		return pcm, nil
	}
	return resampleBytes(pcm, G711SampleRate, d.targetRate)
}

// PCM16Decoder resamples linear PCM16 frames from a native rate
type PCM16Decoder struct {
	rate       int
	targetRate int
}

// NewPCM16Decoder returns a decoder for linear PCM16 at rate
func NewPCM16Decoder(rate, targetRate int) *PCM16Decoder {
	return &PCM16Decoder{rate: rate, targetRate: targetRate}
}

func (d *PCM16Decoder) Name() string    { return "pcm16" }
func (d *PCM16Decoder) SampleRate() int { return d.rate }
func (d *PCM16Decoder) Linear() bool    { return true }

func (d *PCM16Decoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	if d.rate == d.targetRate {
		return frame, nil
	}
	return resampleBytes(frame, d.rate, d.targetRate)
}

func resampleBytes(pcm []byte, from, to int) ([]byte, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(Resample(samples, from, to)), nil
}

// CodecForPayloadType picks a decoder for an RTP static payload type
func CodecForPayloadType(pt uint8, targetRate int) (Decoder, error) {
	switch pt {
	case PayloadTypePCMU:
		return NewPCMUDecoder(targetRate), nil
	case PayloadTypePCMA:
		return NewPCMADecoder(targetRate), nil
	default:
		return nil, fmt.Errorf("%w: payload type %d", ErrUnsupportedCodec, pt)
	}
}

// CodecByName picks a decoder by name. Linear PCM assumes nativeRate.
func CodecByName(name string, nativeRate, targetRate int) (Decoder, error) {
	switch strings.ToLower(name) {
	case "pcmu", "mulaw", "ulaw":
		return NewPCMUDecoder(targetRate), nil
	case "pcma", "alaw":
		return NewPCMADecoder(targetRate), nil
	case "pcm", "pcm16", "l16", "linear16":
		if nativeRate <= 0 {
			nativeRate = targetRate
		}
		return NewPCM16Decoder(nativeRate, targetRate), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}
