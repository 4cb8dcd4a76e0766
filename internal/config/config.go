package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/voice-connector/internal/stt"
)

// Config holds all configuration for the voice connector service
type Config struct {
	// ConfigFile names an optional YAML file whose keys override the environment
	ConfigFile string `envconfig:"CONFIG_FILE" yaml:"-"`

	// Server configuration
	Port     string `envconfig:"PORT" default:"8080" yaml:"port"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090" yaml:"grpc_port"`

	// Recognition server
	VoskURL        string `envconfig:"VOSK_URL" yaml:"vosk_url"`                              // ws:// or wss:// endpoint (required)
	VoskSampleRate int    `envconfig:"VOSK_SAMPLE_RATE" default:"8000" yaml:"vosk_sample_rate"` // Rate declared to the server in Hz

	// Flow control and session lifecycle
	FlowRate             float64 `envconfig:"FLOW_RATE" default:"50" yaml:"flow_rate"`                                  // Frames per second at full health
	FlowCapacity         float64 `envconfig:"FLOW_CAPACITY" default:"50" yaml:"flow_capacity"`                          // Token bucket size in frames
	QueuePollMs          int     `envconfig:"QUEUE_POLL_MS" default:"500" yaml:"queue_poll_ms"`                         // Sender wait on an empty queue
	CloseTimeoutMs       int     `envconfig:"CLOSE_TIMEOUT_MS" default:"5000" yaml:"close_timeout_ms"`                  // Graceful close budget
	FinalResultTimeoutMs int     `envconfig:"FINAL_RESULT_TIMEOUT_MS" default:"1500" yaml:"final_result_timeout_ms"`    // Wait for results after EOF
	MaxQueuedFrames      int     `envconfig:"MAX_QUEUED_FRAMES" default:"15000" yaml:"max_queued_frames"`               // Outbound queue bound
	PhraseIdleFlushMs    int     `envconfig:"PHRASE_IDLE_FLUSH_MS" default:"0" yaml:"phrase_idle_flush_ms"`             // 0 disables idle flush
	PhraseMaxFragments   int     `envconfig:"PHRASE_MAX_FRAGMENTS" default:"64" yaml:"phrase_max_fragments"`            // Forced flush threshold

	// Telephony
	RTPListenAddr    string `envconfig:"RTP_LISTEN_ADDR" default:":10000" yaml:"rtp_listen_addr"`
	CallIdleTimeoutS int    `envconfig:"CALL_IDLE_TIMEOUT_S" default:"10" yaml:"call_idle_timeout_s"` // Seconds without RTP before a call ends

	// Phrase fan-out
	NATSURL           string `envconfig:"NATS_URL" default:"" yaml:"nats_url"` // Empty disables NATS publishing
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"stt.phrases" yaml:"nats_subject_prefix"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`             // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`          // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true" yaml:"metrics_enabled"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile overlays the keys present in a YAML file onto cfg
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	var errs []error

	if c.VoskURL == "" {
		errs = append(errs, errors.New("VOSK_URL is required"))
	}
	if c.VoskSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("VOSK_SAMPLE_RATE must be positive, got %d", c.VoskSampleRate))
	}
	if c.FlowRate <= 0 || c.FlowCapacity <= 0 {
		errs = append(errs, fmt.Errorf("FLOW_RATE and FLOW_CAPACITY must be positive, got %v and %v", c.FlowRate, c.FlowCapacity))
	}
	if c.MaxQueuedFrames < 0 {
		errs = append(errs, fmt.Errorf("MAX_QUEUED_FRAMES must not be negative, got %d", c.MaxQueuedFrames))
	}
	if c.CallIdleTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("CALL_IDLE_TIMEOUT_S must be positive, got %d", c.CallIdleTimeoutS))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SessionConfig maps the service settings onto one recognition session
func (c *Config) SessionConfig() stt.Config {
	return stt.Config{
		URL:                c.VoskURL,
		SampleRate:         c.VoskSampleRate,
		FlowRate:           c.FlowRate,
		FlowCapacity:       c.FlowCapacity,
		QueuePoll:          millis(c.QueuePollMs),
		CloseTimeout:       millis(c.CloseTimeoutMs),
		FinalResultTimeout: millis(c.FinalResultTimeoutMs),
		MaxQueuedFrames:    c.MaxQueuedFrames,
		PhraseIdleFlush:    millis(c.PhraseIdleFlushMs),
		PhraseMaxFragments: c.PhraseMaxFragments,
	}
}

// CallIdleTimeout returns how long a call may go without RTP
func (c *Config) CallIdleTimeout() time.Duration {
	return time.Duration(c.CallIdleTimeoutS) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
