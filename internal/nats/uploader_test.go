package nats

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/caarlos0/env/v10"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/outbox/internal/transport"
)

type mockPublisher struct {
	mu       sync.Mutex
	subjects []string
	messages [][]byte
	optCount []int
	err      error
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.subjects = append(m.subjects, subject)
	m.messages = append(m.messages, append([]byte(nil), data...))
	m.optCount = append(m.optCount, len(opts))
	return &jetstream.PubAck{Stream: "OUTBOX_BATCHES", Sequence: uint64(len(m.messages))}, nil
}

func publish(t *testing.T, u *Uploader, body string) error {
	t.Helper()
	conn, err := u.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := io.WriteString(conn, body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return conn.Close()
}

func TestUploader_Publishes(t *testing.T) {
	pub := &mockPublisher{}
	u := NewUploader(pub, "outbox.batches", 1024, nil)

	envelope := `{"batch":[{"n":1}],"sentAt":"2024-01-01T00:00:00.000Z"}`
	if err := publish(t, u, envelope); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(pub.messages))
	}
	if pub.subjects[0] != "outbox.batches" {
		t.Errorf("subject: got %s", pub.subjects[0])
	}
	if string(pub.messages[0]) != envelope {
		t.Errorf("payload: got %s", pub.messages[0])
	}
}

// A retried envelope is published again rather than deduplicated, so the
// collector sees it at least once.
func TestUploader_RetryPublishesAgain(t *testing.T) {
	pub := &mockPublisher{}
	u := NewUploader(pub, "outbox.batches", 0, nil)

	envelope := `{"batch":[{"n":1}],"sentAt":"2024-01-01T00:00:00.000Z"}`
	for i := 0; i < 2; i++ {
		if err := publish(t, u, envelope); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if len(pub.messages) != 2 {
		t.Fatalf("messages: got %d, want 2", len(pub.messages))
	}
	for i, n := range pub.optCount {
		if n != 1 {
			t.Errorf("attempt %d: got %d publish options, want a message id", i, n)
		}
	}
}

func TestUploader_OversizedIsRejected(t *testing.T) {
	pub := &mockPublisher{}
	u := NewUploader(pub, "outbox.batches", 8, nil)

	err := publish(t, u, `{"batch":[1,2,3]}`)
	if !transport.IsPermanent(err) {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
	if len(pub.messages) != 0 {
		t.Error("oversized envelope must not be published")
	}
}

func TestUploader_ServerMaxPayloadIsRejected(t *testing.T) {
	pub := &mockPublisher{err: nats.ErrMaxPayload}
	u := NewUploader(pub, "outbox.batches", 0, nil)

	if err := publish(t, u, `{}`); !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestUploader_PublishFailureIsRetryable(t *testing.T) {
	pub := &mockPublisher{err: nats.ErrTimeout}
	u := NewUploader(pub, "outbox.batches", 0, nil)

	err := publish(t, u, `{}`)
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.IsPermanent(err) {
		t.Errorf("timeouts must be retried, got permanent %v", err)
	}
}

func TestUploader_AbortAndDoubleClose(t *testing.T) {
	pub := &mockPublisher{}
	u := NewUploader(pub, "outbox.batches", 0, nil)

	conn, _ := u.Open(context.Background())
	conn.Write([]byte("partial"))
	conn.Abort()
	if err := conn.Close(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Close after Abort: expected ErrConnectionClosed, got %v", err)
	}
	if len(pub.messages) != 0 {
		t.Error("aborted envelope must not be published")
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("env.Parse: %v", err)
	}
	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("URL: got %s", cfg.URL)
	}
	if cfg.Subject != "outbox.batches" {
		t.Errorf("Subject: got %s", cfg.Subject)
	}
	if cfg.Stream.Name != "OUTBOX_BATCHES" || len(cfg.Stream.Subjects) != 1 || cfg.Stream.Subjects[0] != "outbox.>" {
		t.Errorf("Stream: got %+v", cfg.Stream)
	}
}
