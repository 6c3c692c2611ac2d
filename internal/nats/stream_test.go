package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type mockStreamAPI struct {
	exists  bool
	created []jetstream.StreamConfig
	updated []jetstream.StreamConfig
}

func (m *mockStreamAPI) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	if !m.exists {
		return nil, jetstream.ErrStreamNotFound
	}
	return nil, nil
}

func (m *mockStreamAPI) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	m.created = append(m.created, cfg)
	return nil, nil
}

func (m *mockStreamAPI) UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	m.updated = append(m.updated, cfg)
	return nil, errors.New("update refused")
}

func testStreamConfig() StreamConfig {
	return StreamConfig{
		Name:     "OUTBOX_BATCHES",
		Subjects: []string{"outbox.>"},
		MaxAge:   time.Hour,
		Replicas: 1,
		Storage:  "memory",
	}
}

func TestEnsureStream_Creates(t *testing.T) {
	api := &mockStreamAPI{}
	m := NewStreamManager(api, testStreamConfig(), nil)

	if _, err := m.EnsureStream(context.Background()); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	if len(api.created) != 1 {
		t.Fatalf("CreateStream calls: got %d, want 1", len(api.created))
	}
	cfg := api.created[0]
	if cfg.Storage != jetstream.MemoryStorage {
		t.Errorf("storage: got %v, want memory", cfg.Storage)
	}
	if cfg.Name != "OUTBOX_BATCHES" || cfg.MaxAge != time.Hour {
		t.Errorf("config: got %+v", cfg)
	}
}

func TestEnsureStream_UpdateError(t *testing.T) {
	api := &mockStreamAPI{exists: true}
	m := NewStreamManager(api, testStreamConfig(), nil)

	if _, err := m.EnsureStream(context.Background()); err == nil {
		t.Fatal("expected update error")
	}
	if len(api.updated) != 1 || len(api.created) != 0 {
		t.Errorf("calls: updated=%d created=%d", len(api.updated), len(api.created))
	}
}
