package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransportClosed is returned by a FrameSource once the peer has gone
var ErrTransportClosed = errors.New("transport closed")

// FieldError describes one problem with an inbound frame
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// SchemaError is returned when an inbound frame does not match the shape
// its type requires
type SchemaError struct {
	Type   string       `json:"type,omitempty"`
	Reason string       `json:"reason"`
	Fields []FieldError `json:"fields,omitempty"`
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("invalid message")
	if e.Type != "" {
		fmt.Fprintf(&b, " %s", e.Type)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "; %s %s", f.Field, f.Problem)
	}
	return b.String()
}

func newSchemaError(typ, reason string, fields ...FieldError) *SchemaError {
	return &SchemaError{Type: typ, Reason: reason, Fields: fields}
}

// CompletionError wraps a failure of the completion service
type CompletionError struct {
	SessionID string
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion for session %s: %v", e.SessionID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// PublicError is implemented by completion errors whose message may be shown
// to operators verbatim
type PublicError interface {
	error
	PublicMessage() string
}
