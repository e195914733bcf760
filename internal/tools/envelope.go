package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	ErrorKindNotFound   ErrorKind = "ToolNotFound"
	ErrorKindInvocation ErrorKind = "ToolInvocationError"
)

var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolInvocation = errors.New("tool invocation failed")
)

// Envelope is the immutable outcome of one tool call.
type Envelope struct {
	OK        bool      `json:"ok"`
	Tool      string    `json:"tool"`
	Value     any       `json:"value,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Success builds a successful envelope.
func Success(tool string, value any) Envelope {
	return Envelope{OK: true, Tool: tool, Value: value}
}

// Failure builds a failed envelope.
func Failure(tool string, kind ErrorKind, details string) Envelope {
	return Envelope{Tool: tool, ErrorKind: kind, Details: details}
}

// JSON renders the envelope for inclusion in a prompt.
func (e Envelope) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		// Value is not JSON-encodable; fall back to its printed form.
		data, _ = json.Marshal(Envelope{OK: e.OK, Tool: e.Tool, Value: fmt.Sprint(e.Value), ErrorKind: e.ErrorKind, Details: e.Details})
	}
	return string(data)
}

// Text returns the value as plain text for successful calls and the details otherwise.
func (e Envelope) Text() string {
	if !e.OK {
		return e.Details
	}
	switch v := e.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Err returns nil for a successful call and an error wrapping the kind sentinel otherwise.
func (e Envelope) Err() error {
	switch {
	case e.OK:
		return nil
	case e.ErrorKind == ErrorKindNotFound:
		return fmt.Errorf("%w: %s", ErrToolNotFound, e.Tool)
	default:
		return fmt.Errorf("%w: %s: %s", ErrToolInvocation, e.Tool, e.Details)
	}
}
