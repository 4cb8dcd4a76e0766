// Command stt-probe streams a WAV file (or silence) to a Vosk server in real
// time and prints what comes back.
//
// Usage:
//
//	stt-probe -url ws://localhost:2700 -file speech.wav
//	stt-probe -url ws://localhost:2700 -file speech.wav -codec pcmu
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-connector/internal/audio"
	"github.com/lexiqai/voice-connector/internal/observability"
	"github.com/lexiqai/voice-connector/internal/stt"
)

func main() {
	url := flag.String("url", "ws://localhost:2700", "Vosk websocket endpoint")
	file := flag.String("file", "", "16-bit PCM WAV file to stream (silence when empty)")
	sampleRate := flag.Int("rate", 8000, "Sample rate declared to the server")
	chunkMs := flag.Int("chunk-ms", 40, "Audio per frame in milliseconds")
	codec := flag.String("codec", "pcm16", "Frame encoding: pcm16, or pcmu to simulate a phone leg")
	silence := flag.Duration("silence", 3*time.Second, "Silence to stream when no file is given")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := observability.NewLogger(*logLevel, true, os.Stderr)

	if *chunkMs <= 0 {
		logger.Fatal().Int("chunk_ms", *chunkMs).Msg("chunk-ms must be positive")
	}

	pcm, rate, err := loadAudio(*file, *sampleRate, *silence)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load audio")
	}

	// Near-zero RMS usually means a silent or mis-encoded file
	if samples, err := audio.BytesToSamples(pcm); err == nil {
		logger.Info().
			Dur("audio", time.Duration(len(samples))*time.Second/time.Duration(rate)).
			Float64("rms", audio.CalculateRMS(samples)).
			Msg("Loaded audio")
	}

	stream, err := encodeAudio(pcm, rate, *codec, *sampleRate)
	if err != nil {
		logger.Fatal().Err(err).Str("codec", *codec).Msg("Failed to encode audio")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := streamAudio(ctx, logger, *url, *sampleRate, stream, *chunkMs); err != nil {
		logger.Fatal().Err(err).Msg("Streaming failed")
	}
}

// loadAudio returns mono PCM16 and its rate
func loadAudio(path string, sampleRate int, silence time.Duration) ([]byte, int, error) {
	if path == "" {
		samples := int(silence.Seconds() * float64(sampleRate))
		return make([]byte, 2*samples), sampleRate, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	wav, err := audio.ReadWAV(f)
	if err != nil {
		return nil, 0, err
	}
	if wav.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("%s: invalid sample rate %d", path, wav.SampleRate)
	}
	return wav.Mono(), wav.SampleRate, nil
}

// wireAudio is audio as it would arrive from a caller, plus the decoder
// that turns it back into PCM16 at the session rate.
type wireAudio struct {
	data           []byte
	rate           int
	bytesPerSample int
	decoder        audio.Decoder
}

func encodeAudio(pcm []byte, rate int, codec string, sampleRate int) (*wireAudio, error) {
	codec = strings.ToLower(codec)
	switch codec {
	case "pcmu", "mulaw", "ulaw":
		encoded, err := audio.ConvertPCMToPCMU(pcm, rate, audio.G711SampleRate)
		if err != nil {
			return nil, err
		}
		decoder, err := audio.CodecByName(codec, audio.G711SampleRate, sampleRate)
		if err != nil {
			return nil, err
		}
		return &wireAudio{data: encoded, rate: audio.G711SampleRate, bytesPerSample: 1, decoder: decoder}, nil

	case "pcm", "pcm16", "l16", "linear16":
		decoder, err := audio.CodecByName(codec, rate, sampleRate)
		if err != nil {
			return nil, err
		}
		return &wireAudio{data: pcm, rate: rate, bytesPerSample: 2, decoder: decoder}, nil

	default:
		return nil, fmt.Errorf("%w: %s", audio.ErrUnsupportedCodec, codec)
	}
}

// chunkSize returns the bytes in chunkMs of audio, at least one sample
func (w *wireAudio) chunkSize(chunkMs int) int {
	return w.bytesPerSample * max(w.rate*chunkMs/1000, 1)
}

func streamAudio(ctx context.Context, logger zerolog.Logger, url string, sampleRate int, stream *wireAudio, chunkMs int) error {
	session, err := stt.NewSession(stt.Config{URL: url, SampleRate: sampleRate},
		stt.WithLogger(logger),
		stt.WithDecoder(stream.decoder),
		stt.WithPartialHandler(func(text string) {
			fmt.Printf("\r... %s", text)
		}),
		stt.WithPhraseHandler(func(phrase string) {
			fmt.Printf("\r>>> %s\n", phrase)
		}),
		stt.WithStateHandler(func(old, new stt.State) {
			logger.Debug().Str("from", old.String()).Str("to", new.String()).Msg("State changed")
		}),
	)
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Close()

	chunk := stream.chunkSize(chunkMs)
	interval := time.Duration(chunkMs) * time.Millisecond

	logger.Info().
		Str("url", url).
		Str("codec", stream.decoder.Name()).
		Int("input_rate", stream.rate).
		Int("sample_rate", sampleRate).
		Int("chunk_bytes", chunk).
		Msg("Streaming audio")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for off := 0; off < len(stream.data); off += chunk {
		end := min(off+chunk, len(stream.data))
		session.Send(stream.data[off:end])

		select {
		case <-ctx.Done():
			fmt.Println()
			logger.Info().Msg("Interrupted, closing session")
			return nil
		case <-ticker.C:
		}
	}

	logger.Info().
		Int("queued", session.QueuedFrames()).
		Float64("health", session.Health()).
		Msg("Audio sent, waiting for final results")
	return nil
}
