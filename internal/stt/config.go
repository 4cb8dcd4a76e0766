package stt

import (
	"net/url"
	"time"

	"github.com/lexiqai/voice-connector/internal/resilience"
)

// Defaults applied by NewSession to zero-valued Config fields
const (
	DefaultQueuePoll          = 500 * time.Millisecond
	DefaultCloseTimeout       = 5 * time.Second
	DefaultFinalResultTimeout = 1500 * time.Millisecond
	DefaultMaxQueuedFrames    = 15000 // five minutes of 20ms frames
	DefaultStreamGrace        = 2 * time.Second
)

// Config describes one recognition session
type Config struct {
	// URL is the ws:// or wss:// recognition endpoint (required)
	URL string

	// SampleRate is the rate declared to the server, in Hz (required)
	SampleRate int

	// FlowRate and FlowCapacity size the token bucket in frames
	FlowRate     float64
	FlowCapacity float64

	QueuePoll          time.Duration
	CloseTimeout       time.Duration
	FinalResultTimeout time.Duration
	StreamGrace        time.Duration

	MaxQueuedFrames    int
	PhraseIdleFlush    time.Duration
	PhraseMaxFragments int
}

// Validate checks the fields that cannot be defaulted
func (c Config) Validate() error {
	if c.URL == "" {
		return &ConfigError{Field: "URL", Reason: "is required"}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ConfigError{Field: "URL", Reason: "is not a valid URL: " + err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ConfigError{Field: "URL", Reason: "must use the ws or wss scheme"}
	}
	if u.Host == "" {
		return &ConfigError{Field: "URL", Reason: "has no host"}
	}
	if c.SampleRate <= 0 {
		return &ConfigError{Field: "SampleRate", Reason: "must be positive"}
	}
	if c.FlowRate < 0 || c.FlowCapacity < 0 {
		return &ConfigError{Field: "FlowRate", Reason: "must not be negative"}
	}
	if c.MaxQueuedFrames < 0 {
		return &ConfigError{Field: "MaxQueuedFrames", Reason: "must not be negative"}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.FlowRate == 0 {
		c.FlowRate = resilience.DefaultFrameRate
	}
	if c.FlowCapacity == 0 {
		c.FlowCapacity = c.FlowRate
	}
	if c.QueuePoll <= 0 {
		c.QueuePoll = DefaultQueuePoll
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.FinalResultTimeout <= 0 {
		c.FinalResultTimeout = DefaultFinalResultTimeout
	}
	if c.StreamGrace <= 0 {
		c.StreamGrace = DefaultStreamGrace
	}
	if c.MaxQueuedFrames == 0 {
		c.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if c.PhraseMaxFragments <= 0 {
		c.PhraseMaxFragments = DefaultMaxFragments
	}
	return c
}
