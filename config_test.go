package outbox

import (
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		WriteKey: "wk_test",
		Endpoint: "https://api.example.com/",
		DataDir:  "/tmp/outbox",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing write key", func(c *Config) { c.WriteKey = "  " }, true},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, true},
		{"endpoint without scheme", func(c *Config) { c.Endpoint = "api.example.com" }, true},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, true},
		{"tag with separator", func(c *Config) { c.Tag = "../events" }, true},
		{"negative queue size", func(c *Config) { c.MaxQueueSize = -1 }, true},
		{"payload above batch", func(c *Config) { c.MaxPayloadSize = 10; c.MaxBatchSize = 5 }, true},
		{"interval too short", func(c *Config) { c.FlushInterval = 10 * time.Millisecond }, true},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, true},
		{"nats needs no write key", func(c *Config) {
			c.Transport = TransportNATS
			c.WriteKey = ""
			c.Endpoint = ""
			c.NATS.URL = "nats://localhost:4222"
		}, false},
		{"nats without url", func(c *Config) { c.Transport = TransportNATS }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var sdkErr *SDKError
			if !errors.As(err, &sdkErr) {
				t.Fatalf("expected *SDKError, got %T", err)
			}
			if sdkErr.Code != ErrCodeInvalidConfig || sdkErr.Severity != SeverityFatal {
				t.Errorf("got code %s severity %s", sdkErr.Code, sdkErr.Severity)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()

	if cfg.Endpoint != "https://api.example.com" {
		t.Errorf("Endpoint = %q, trailing slash not trimmed", cfg.Endpoint)
	}
	if cfg.Transport != TransportHTTP {
		t.Errorf("Transport = %q, want %q", cfg.Transport, TransportHTTP)
	}
	if cfg.Tag != DefaultTag {
		t.Errorf("Tag = %q, want %q", cfg.Tag, DefaultTag)
	}
	if cfg.MaxQueueSize != 1000 || cfg.MaxPayloadSize != 15000 || cfg.MaxBatchSize != 475000 {
		t.Errorf("bounds = %d/%d/%d", cfg.MaxQueueSize, cfg.MaxPayloadSize, cfg.MaxBatchSize)
	}
	if cfg.FlushThreshold != DefaultFlushThreshold {
		t.Errorf("FlushThreshold = %d, want %d", cfg.FlushThreshold, DefaultFlushThreshold)
	}
	if cfg.FlushInterval != 30*time.Second {
		t.Errorf("FlushInterval = %v, want 30s", cfg.FlushInterval)
	}
	if cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Errorf("HTTPTimeout = %v, want %v", cfg.HTTPTimeout, DefaultHTTPTimeout)
	}
	if cfg.SelfIntegrationKey != "Collector" {
		t.Errorf("SelfIntegrationKey = %q", cfg.SelfIntegrationKey)
	}
}

func TestConfigApplyDefaults_CapsThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.MaxQueueSize = 10
	cfg.FlushThreshold = 50
	cfg.applyDefaults()

	if cfg.FlushThreshold != 10 {
		t.Errorf("FlushThreshold = %d, want capped at 10", cfg.FlushThreshold)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("OUTBOX_WRITE_KEY", "wk_env")
	t.Setenv("OUTBOX_ENDPOINT", "https://collector.internal")
	t.Setenv("OUTBOX_DATA_DIR", "/var/lib/outbox")
	t.Setenv("OUTBOX_FLUSH_INTERVAL", "5s")
	t.Setenv("OUTBOX_GZIP", "true")
	t.Setenv("OUTBOX_NATS_SUBJECT", "devices.batches")
	t.Setenv("OUTBOX_DLQ_ENABLED", "true")
	t.Setenv("OUTBOX_DLQ_S3_BUCKET", "rejected-batches")
	t.Setenv("OUTBOX_INTEGRATIONS", "Segment.io:false,Amplitude:true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.WriteKey != "wk_env" {
		t.Errorf("WriteKey = %q", cfg.WriteKey)
	}
	if cfg.Endpoint != "https://collector.internal" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.DataDir != "/var/lib/outbox" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if !cfg.Gzip {
		t.Error("Gzip = false, want true")
	}
	if cfg.Tag != "events" || cfg.MaxBatchSize != 475000 {
		t.Errorf("defaults not applied: tag %q max batch %d", cfg.Tag, cfg.MaxBatchSize)
	}
	if cfg.NATS.Subject != "devices.batches" {
		t.Errorf("NATS.Subject = %q", cfg.NATS.Subject)
	}
	if !cfg.DLQ.Enabled || cfg.DLQ.S3.Bucket != "rejected-batches" {
		t.Errorf("DLQ = %+v", cfg.DLQ)
	}
	if v, ok := cfg.Integrations["Segment.io"]; !ok || v || !cfg.Integrations["Amplitude"] {
		t.Errorf("Integrations = %v", cfg.Integrations)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestConfigBatchConfig_Integrations(t *testing.T) {
	cfg := validConfig()
	if got := cfg.batchConfig().Integrations; got != nil {
		t.Errorf("Integrations without config = %v, want nil", got)
	}

	cfg.Integrations = map[string]bool{"Segment.io": false}
	got := cfg.batchConfig().Integrations
	if len(got) != 1 || got["Segment.io"] != false {
		t.Errorf("Integrations = %v", got)
	}
}
