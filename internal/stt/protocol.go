package stt

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Client → server messages

type configMessage struct {
	Config streamConfig `json:"config"`
}

type streamConfig struct {
	SampleRate int `json:"sample_rate"`
}

type eofMessage struct {
	EOF int `json:"eof"`
}

// Server → client message. Only one of Text or Partial is normally set.
type serverMessage struct {
	Text    string       `json:"text"`
	Partial string       `json:"partial"`
	Result  []WordResult `json:"result,omitempty"`
}

// WordResult is one recognized word with timing, as reported alongside
// final text by Vosk-style servers.
type WordResult struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// EventKind tags a TranscriptEvent
type EventKind int

const (
	// EventPartial is an interim hypothesis that may still change
	EventPartial EventKind = iota
	// EventFinal is a finalized fragment of text
	EventFinal
)

func (k EventKind) String() string {
	if k == EventFinal {
		return "final"
	}
	return "partial"
}

// TranscriptEvent is one decoded server event
type TranscriptEvent struct {
	Kind  EventKind
	Text  string
	Words []WordResult
}

func encodeConfig(sampleRate int) ([]byte, error) {
	data, err := json.Marshal(configMessage{Config: streamConfig{SampleRate: sampleRate}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode config message: %w", err)
	}
	return data, nil
}

func encodeEOF() ([]byte, error) {
	data, err := json.Marshal(eofMessage{EOF: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to encode eof message: %w", err)
	}
	return data, nil
}

// decodeEvent parses one server message. The bool is false for messages
// that carry neither final nor partial text.
func decodeEvent(data []byte) (TranscriptEvent, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TranscriptEvent{}, false, fmt.Errorf("malformed server message: %w", err)
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		return TranscriptEvent{Kind: EventFinal, Text: text, Words: msg.Result}, true, nil
	}
	if partial := strings.TrimSpace(msg.Partial); partial != "" {
		return TranscriptEvent{Kind: EventPartial, Text: partial}, true, nil
	}
	return TranscriptEvent{}, false, nil
}
