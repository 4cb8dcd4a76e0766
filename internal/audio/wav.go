package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV holds decoded 16-bit PCM audio
type WAV struct {
	SampleRate int
	Channels   int
	Data       []byte // interleaved PCM16LE
}

// Duration returns the audio length in seconds
func (w *WAV) Duration() float64 {
	if w.SampleRate == 0 || w.Channels == 0 {
		return 0
	}
	return float64(len(w.Data)) / float64(2*w.Channels*w.SampleRate)
}

// Mono returns the audio downmixed to a single channel
func (w *WAV) Mono() []byte {
	if w.Channels <= 1 {
		return w.Data
	}

	frameSize := 2 * w.Channels
	out := make([]byte, 0, len(w.Data)/w.Channels)
	for off := 0; off+frameSize <= len(w.Data); off += frameSize {
		var sum int32
		for c := 0; c < w.Channels; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(w.Data[off+2*c:])))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/int32(w.Channels))))
	}
	return out
}

// ReadWAV parses a RIFF/WAVE stream containing 16-bit PCM. Unknown chunks
// between "fmt " and "data" are skipped.
func ReadWAV(r io.Reader) (*WAV, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV: %w", err)
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, errors.New("invalid WAV file: missing RIFF/WAVE header")
	}

	var (
		wav    WAV
		gotFmt bool
	)
	buf := bytes.NewReader(raw[12:])
	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
			return nil, errors.New("invalid WAV file: missing data chunk")
		}

		switch string(hdr.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(buf, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 {
				return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", f.AudioFormat)
			}
			if f.BitsPerSample != 16 {
				return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", f.BitsPerSample)
			}
			wav.SampleRate = int(f.SampleRate)
			wav.Channels = int(f.NumChannels)
			gotFmt = true
			if extra := int64(hdr.Size) - 16; extra > 0 {
				buf.Seek(extra, io.SeekCurrent)
			}

		case "data":
			if !gotFmt {
				return nil, errors.New("invalid WAV file: data chunk before fmt chunk")
			}
			size := int(hdr.Size)
			if size > buf.Len() {
				size = buf.Len()
			}
			wav.Data = make([]byte, size-size%2)
			io.ReadFull(buf, wav.Data)
			return &wav, nil

		default:
			skip := int64(hdr.Size) + int64(hdr.Size%2)
			if _, err := buf.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("invalid WAV chunk %q: %w", hdr.ID[:], err)
			}
		}
	}
}
