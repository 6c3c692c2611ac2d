package outbox

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SebastienMelki/outbox/internal/batch"
	"github.com/SebastienMelki/outbox/internal/transport"
)

// mockCallback implements ErrorCallback for testing.
type mockCallback struct {
	mu       sync.Mutex
	calls    []mockCallbackCall
	received chan struct{}
}

type mockCallbackCall struct {
	Code     string
	Message  string
	Severity int
}

func newMockCallback() *mockCallback {
	return &mockCallback{
		received: make(chan struct{}, 100),
	}
}

func (m *mockCallback) OnError(code string, message string, severity int) {
	m.mu.Lock()
	m.calls = append(m.calls, mockCallbackCall{
		Code:     code,
		Message:  message,
		Severity: severity,
	})
	m.mu.Unlock()
	select {
	case m.received <- struct{}{}:
	default:
	}
}

func (m *mockCallback) waitForCode(code string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.hasCode(code) {
			return true
		}
		select {
		case <-m.received:
		case <-deadline:
			return m.hasCode(code)
		}
	}
}

func (m *mockCallback) hasCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.Code == code {
			return true
		}
	}
	return false
}

func (m *mockCallback) getCalls() []mockCallbackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockCallbackCall, len(m.calls))
	copy(result, m.calls)
	return result
}

func TestRegisterErrorCallback_ReceivesWarning(t *testing.T) {
	UnregisterErrorCallbacks()
	defer UnregisterErrorCallbacks()

	cb := newMockCallback()
	RegisterErrorCallback(cb)

	notifyErrorCallbacks(newWarningError(ErrCodeQueueFull, "queue full"))

	if !cb.waitForCode(ErrCodeQueueFull, time.Second) {
		t.Fatal("callback not invoked within timeout")
	}
	calls := cb.getCalls()
	if calls[0].Message != "queue full" || calls[0].Severity != int(SeverityWarning) {
		t.Errorf("got %+v", calls[0])
	}
}

func TestRegisterErrorCallback_MultipleCallbacks(t *testing.T) {
	UnregisterErrorCallbacks()
	defer UnregisterErrorCallbacks()

	first, second := newMockCallback(), newMockCallback()
	RegisterErrorCallback(first)
	RegisterErrorCallback(second)
	RegisterErrorCallback(nil)

	notifyErrorCallbacks(newCriticalError(ErrCodeDiskError, "write failed"))

	if !first.waitForCode(ErrCodeDiskError, time.Second) || !second.waitForCode(ErrCodeDiskError, time.Second) {
		t.Fatal("both callbacks should be notified")
	}
}

func TestNotifyErrorCallbacks_SkipsDebug(t *testing.T) {
	UnregisterErrorCallbacks()
	defer UnregisterErrorCallbacks()

	var mu sync.Mutex
	var calls int
	RegisterErrorCallback(ErrorCallbackFunc(func(string, string, int) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	notifyErrorCallbacks(&SDKError{Code: "X", Message: "x", Severity: SeverityDebug})
	notifyErrorCallbacks(nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("debug errors should not be dispatched, got %d calls", calls)
	}
}

func TestUnregisterErrorCallbacks(t *testing.T) {
	UnregisterErrorCallbacks()

	cb := newMockCallback()
	RegisterErrorCallback(cb)
	UnregisterErrorCallbacks()

	notifyErrorCallbacks(newCriticalError(ErrCodeAuthFailed, "unauthorized"))
	time.Sleep(50 * time.Millisecond)

	if n := len(cb.getCalls()); n != 0 {
		t.Errorf("expected no calls after unregister, got %d", n)
	}
}

func TestClassify(t *testing.T) {
	httpErr := func(code int) error {
		return fmt.Errorf("upload batch: %w", &transport.HTTPError{StatusCode: code, Status: fmt.Sprint(code)})
	}

	tests := []struct {
		name     string
		failure  *batch.Failure
		code     string
		severity ErrorSeverity
	}{
		{"oversized event", &batch.Failure{Op: "size_check", Count: 1, Err: batch.ErrPayloadSize}, ErrCodeInvalidEvent, SeverityWarning},
		{"unserializable event", &batch.Failure{Op: "serialize", Count: 1, Err: errors.New("json")}, ErrCodeInvalidEvent, SeverityWarning},
		{"eviction", &batch.Failure{Op: "evict", Count: 1, Err: batch.ErrQueueFull}, ErrCodeQueueFull, SeverityWarning},
		{"eviction io error", &batch.Failure{Op: "evict", Err: errors.New("io")}, ErrCodeDiskError, SeverityCritical},
		{"add failed", &batch.Failure{Op: "add", Count: 1, Err: errors.New("io")}, ErrCodeDiskError, SeverityCritical},
		{"rejected", &batch.Failure{Op: "reject", Count: 5, Err: httpErr(400)}, ErrCodeBatchRejected, SeverityCritical},
		{"unauthorized", &batch.Failure{Op: "reject", Count: 5, Err: httpErr(401)}, ErrCodeAuthFailed, SeverityCritical},
		{"rate limited", &batch.Failure{Op: "upload", Count: 5, Err: httpErr(429)}, ErrCodeRateLimited, SeverityWarning},
		{"server error", &batch.Failure{Op: "upload", Count: 5, Err: httpErr(503)}, ErrCodeServerError, SeverityWarning},
		{"network error", &batch.Failure{Op: "open", Err: errors.New("dial tcp: refused")}, ErrCodeNetworkError, SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.failure)
			if got.Code != tt.code || got.Severity != tt.severity {
				t.Errorf("classify = %s/%s, want %s/%s", got.Code, got.Severity, tt.code, tt.severity)
			}
			if got.Message == "" {
				t.Error("message is empty")
			}
		})
	}

	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
