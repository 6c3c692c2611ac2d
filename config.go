package outbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/outbox/internal/batch"
	"github.com/SebastienMelki/outbox/internal/dlq"
	"github.com/SebastienMelki/outbox/internal/nats"
)

// Upload transports.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Default configuration values.
const (
	DefaultTag                = "events"
	DefaultMaxQueueSize       = batch.DefaultMaxQueueSize
	DefaultMaxPayloadSize     = batch.DefaultMaxPayloadSize
	DefaultMaxBatchSize       = batch.DefaultMaxBatchSize
	DefaultFlushThreshold     = batch.DefaultFlushThreshold
	DefaultFlushInterval      = batch.DefaultFlushInterval
	DefaultFlushWorkers       = batch.DefaultFlushWorkers
	DefaultHTTPTimeout        = 15 * time.Second
	DefaultSelfIntegrationKey = batch.DefaultSelfIntegrationKey

	MinFlushInterval = time.Second
)

// Config holds the client configuration. LoadConfig fills it from OUTBOX_*
// environment variables; a Config built in code gets the same defaults from
// New for every zero field.
type Config struct {
	// WriteKey authenticates the source with the collector (required for http).
	WriteKey string `env:"WRITE_KEY"`

	// Endpoint is the collector base URL (required for http, e.g. "https://api.example.com").
	Endpoint string `env:"ENDPOINT"`

	// Transport selects the upload collaborator: "http" or "nats".
	Transport string `env:"TRANSPORT" envDefault:"http"`

	// DataDir is the application-private directory holding the queue file
	// and the settings database (required).
	DataDir string `env:"DATA_DIR"`

	// Tag names the queue file inside DataDir.
	Tag string `env:"TAG" envDefault:"events"`

	MaxQueueSize   int `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	MaxPayloadSize int `env:"MAX_PAYLOAD_SIZE" envDefault:"15000"`
	MaxBatchSize   int `env:"MAX_BATCH_SIZE" envDefault:"475000"`

	// FlushThreshold is the queue size that triggers a flush. Capped at MaxQueueSize.
	FlushThreshold int           `env:"FLUSH_THRESHOLD" envDefault:"20"`
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"30s"`
	FlushWorkers   int           `env:"FLUSH_WORKERS" envDefault:"1"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	Gzip        bool          `env:"GZIP" envDefault:"false"`

	// SelfIntegrationKey is the collector's own routing key, stripped from
	// per-event routing flags.
	SelfIntegrationKey string `env:"SELF_INTEGRATION_KEY" envDefault:"Collector"`

	// Integrations is written as the envelope-level routing field of every
	// batch. From the environment: OUTBOX_INTEGRATIONS="Amplitude:false,Mixpanel:true".
	Integrations map[string]bool `env:"INTEGRATIONS"`

	// NATS configures the nats transport. Variables are OUTBOX_NATS_*.
	NATS nats.Config

	// DLQ configures the archive of rejected batches. Variables are OUTBOX_DLQ_*.
	DLQ dlq.Config `envPrefix:"DLQ_"`
}

// LoadConfig reads the configuration from OUTBOX_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OUTBOX_"}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// validate checks that required fields are set and values are valid.
func (c *Config) validate() error {
	transport := c.Transport
	if transport == "" {
		transport = TransportHTTP
	}

	switch transport {
	case TransportHTTP:
		if strings.TrimSpace(c.WriteKey) == "" {
			return invalidConfig("write_key is required")
		}
		if strings.TrimSpace(c.Endpoint) == "" {
			return invalidConfig("endpoint is required")
		}
		parsed, err := url.Parse(c.Endpoint)
		if err != nil {
			return invalidConfig(fmt.Sprintf("endpoint is not a valid URL: %s", err.Error()))
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return invalidConfig("endpoint must include scheme and host (e.g., https://api.example.com)")
		}
	case TransportNATS:
		if strings.TrimSpace(c.NATS.URL) == "" {
			return invalidConfig("nats url is required")
		}
	default:
		return invalidConfig(fmt.Sprintf("unknown transport %q", c.Transport))
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return invalidConfig("data_dir is required")
	}
	if strings.ContainsAny(c.Tag, `/\`) || c.Tag == "." || c.Tag == ".." {
		return invalidConfig("tag must be a plain file name")
	}

	if c.MaxQueueSize < 0 {
		return invalidConfig("max_queue_size must be non-negative")
	}
	if c.MaxPayloadSize < 0 {
		return invalidConfig("max_payload_size must be non-negative")
	}
	if c.MaxBatchSize < 0 {
		return invalidConfig("max_batch_size must be non-negative")
	}
	if c.MaxPayloadSize > 0 && c.MaxBatchSize > 0 && c.MaxPayloadSize > c.MaxBatchSize {
		return invalidConfig("max_payload_size must not exceed max_batch_size")
	}
	if c.FlushThreshold < 0 {
		return invalidConfig("flush_threshold must be non-negative")
	}
	if c.FlushInterval < 0 {
		return invalidConfig("flush_interval must be non-negative")
	}
	if c.FlushInterval > 0 && c.FlushInterval < MinFlushInterval {
		return invalidConfig("flush_interval must be at least 1s")
	}
	if c.FlushWorkers < 0 {
		return invalidConfig("flush_workers must be non-negative")
	}
	if c.HTTPTimeout < 0 {
		return invalidConfig("http_timeout must be non-negative")
	}

	return nil
}

// applyDefaults fills in default values for unset optional fields.
func (c *Config) applyDefaults() {
	c.Endpoint = strings.TrimSuffix(c.Endpoint, "/")

	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushThreshold == 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	if c.FlushThreshold > c.MaxQueueSize {
		c.FlushThreshold = c.MaxQueueSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushWorkers == 0 {
		c.FlushWorkers = DefaultFlushWorkers
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.SelfIntegrationKey == "" {
		c.SelfIntegrationKey = DefaultSelfIntegrationKey
	}
}

func (c *Config) batchConfig() batch.Config {
	var integrations map[string]any
	if len(c.Integrations) > 0 {
		integrations = make(map[string]any, len(c.Integrations))
		for name, enabled := range c.Integrations {
			integrations[name] = enabled
		}
	}
	return batch.Config{
		Integrations:       integrations,
		MaxQueueSize:       c.MaxQueueSize,
		MaxPayloadSize:     c.MaxPayloadSize,
		MaxBatchSize:       c.MaxBatchSize,
		FlushThreshold:     c.FlushThreshold,
		FlushInterval:      c.FlushInterval,
		FlushWorkers:       c.FlushWorkers,
		SelfIntegrationKey: c.SelfIntegrationKey,
	}
}
