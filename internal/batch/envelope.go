package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SentAtLayout is the ISO-8601 layout used for the envelope's sentAt field.
const SentAtLayout = "2006-01-02T15:04:05.000Z07:00"

type envelopeState int

const (
	stateStart envelopeState = iota
	stateObject
	stateBatch
	stateBatchEnded
	stateSentAt
	stateEnded
)

// EnvelopeWriter streams a batch envelope:
//
//	{"integrations":{...},"batch":[<payload>,...],"sentAt":"..."}
//
// Steps must be called in order: BeginObject, optionally Integrations,
// BeginBatchArray, EmitPayload one or more times, EndBatchArray, optionally
// SentAt, EndObject. Close runs whatever closing steps remain. Payloads are
// copied verbatim; they must already be valid JSON values.
type EnvelopeWriter struct {
	w       io.Writer
	state   envelopeState
	fields  int
	emitted int
	now     func() time.Time
}

// NewEnvelopeWriter returns a writer that writes the envelope to w.
func NewEnvelopeWriter(w io.Writer) *EnvelopeWriter {
	return &EnvelopeWriter{w: w, now: time.Now}
}

// Emitted returns the number of payloads written so far.
func (e *EnvelopeWriter) Emitted() int {
	return e.emitted
}

// BeginObject opens the envelope. It must be the first call.
func (e *EnvelopeWriter) BeginObject() error {
	if e.state != stateStart {
		return fmt.Errorf("%w: begin object", ErrWriterState)
	}
	if err := e.write("{"); err != nil {
		return err
	}
	e.state = stateObject
	return nil
}

// Integrations writes the envelope-level routing flags.
func (e *EnvelopeWriter) Integrations(flags map[string]any) error {
	if e.state != stateObject {
		return fmt.Errorf("%w: integrations", ErrWriterState)
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode integrations: %w", err)
	}
	return e.field("integrations", string(raw))
}

// BeginBatchArray opens the "batch" array.
func (e *EnvelopeWriter) BeginBatchArray() error {
	if e.state != stateObject {
		return fmt.Errorf("%w: begin batch", ErrWriterState)
	}
	if err := e.field("batch", "["); err != nil {
		return err
	}
	e.state = stateBatch
	return nil
}

// EmitPayload copies one serialized event from r into the batch array.
func (e *EnvelopeWriter) EmitPayload(r io.Reader) error {
	if e.state != stateBatch {
		return fmt.Errorf("%w: emit payload", ErrWriterState)
	}
	if e.emitted > 0 {
		if err := e.write(","); err != nil {
			return err
		}
	}
	if _, err := io.Copy(e.w, r); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	e.emitted++
	return nil
}

// EndBatchArray closes the batch array. At least one payload must have
// been emitted, otherwise it returns ErrEmptyBatch.
func (e *EnvelopeWriter) EndBatchArray() error {
	if e.state != stateBatch {
		return fmt.Errorf("%w: end batch", ErrWriterState)
	}
	if e.emitted == 0 {
		return ErrEmptyBatch
	}
	if err := e.write("]"); err != nil {
		return err
	}
	e.state = stateBatchEnded
	return nil
}

// SentAt records when the envelope was sent so the collector can correct
// for device clock skew.
func (e *EnvelopeWriter) SentAt(t time.Time) error {
	if e.state != stateBatchEnded {
		return fmt.Errorf("%w: sentAt", ErrWriterState)
	}
	if err := e.field("sentAt", `"`+t.UTC().Format(SentAtLayout)+`"`); err != nil {
		return err
	}
	e.state = stateSentAt
	return nil
}

// EndObject closes the envelope.
func (e *EnvelopeWriter) EndObject() error {
	if e.state != stateBatchEnded && e.state != stateSentAt {
		return fmt.Errorf("%w: end object", ErrWriterState)
	}
	if err := e.write("}"); err != nil {
		return err
	}
	e.state = stateEnded
	return nil
}

// Close finishes the envelope: it ends the batch array, stamps sentAt with
// the current time and ends the object, skipping steps already done. It
// fails with ErrEmptyBatch if no payload was emitted. The underlying writer
// is not closed.
func (e *EnvelopeWriter) Close() error {
	if e.state == stateBatch {
		if err := e.EndBatchArray(); err != nil {
			return err
		}
	}
	if e.state == stateBatchEnded {
		if err := e.SentAt(e.now()); err != nil {
			return err
		}
	}
	if e.state == stateSentAt {
		return e.EndObject()
	}
	if e.state == stateEnded {
		return nil
	}
	return fmt.Errorf("%w: close", ErrWriterState)
}

func (e *EnvelopeWriter) field(name, value string) error {
	prefix := ""
	if e.fields > 0 {
		prefix = ","
	}
	e.fields++
	return e.write(prefix + `"` + name + `":` + value)
}

func (e *EnvelopeWriter) write(s string) error {
	if _, err := io.WriteString(e.w, s); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}
