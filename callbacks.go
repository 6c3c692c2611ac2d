package outbox

import (
	"sync"
)

// ErrorCallback is invoked when the pipeline absorbs a failure: a dropped or
// evicted event, a rejected batch, a failed upload or a fallback to the
// in-memory queue.
//
// Parameters:
//   - code: Error code (e.g., "QUEUE_FULL", "BATCH_REJECTED")
//   - message: Human-readable error message
//   - severity: 0=debug, 1=warning, 2=critical, 3=fatal
type ErrorCallback interface {
	OnError(code string, message string, severity int)
}

// ErrorCallbackFunc adapts a function to ErrorCallback.
type ErrorCallbackFunc func(code string, message string, severity int)

func (f ErrorCallbackFunc) OnError(code string, message string, severity int) {
	f(code, message, severity)
}

var (
	errorCallbacksMu sync.RWMutex
	errorCallbacks   []ErrorCallback
)

// RegisterErrorCallback adds a callback for error notifications. Multiple
// callbacks can be registered; all are notified.
func RegisterErrorCallback(callback ErrorCallback) {
	if callback == nil {
		return
	}
	errorCallbacksMu.Lock()
	defer errorCallbacksMu.Unlock()
	errorCallbacks = append(errorCallbacks, callback)
}

// UnregisterErrorCallbacks clears all registered callbacks.
func UnregisterErrorCallbacks() {
	errorCallbacksMu.Lock()
	defer errorCallbacksMu.Unlock()
	errorCallbacks = nil
}

// notifyErrorCallbacks dispatches an error to all registered callbacks.
// Debug severity is not dispatched. Callbacks run on their own goroutines so
// a slow callback never stalls the enqueue actor or a flush worker.
func notifyErrorCallbacks(err *SDKError) {
	if err == nil || err.Severity < SeverityWarning {
		return
	}

	errorCallbacksMu.RLock()
	callbacks := make([]ErrorCallback, len(errorCallbacks))
	copy(callbacks, errorCallbacks)
	errorCallbacksMu.RUnlock()

	for _, cb := range callbacks {
		go cb.OnError(err.Code, err.Message, int(err.Severity))
	}
}
