package oracle

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Query wraps exactly one of them.
var (
	ErrEmptyPrompt     = errors.New("oracle: empty prompt")
	ErrTransport       = errors.New("oracle: transport failure")
	ErrEmptyResponse   = errors.New("oracle: empty response")
	ErrMalformedJSON   = errors.New("oracle: malformed JSON")
	ErrSchemaViolation = errors.New("oracle: response does not match the expected envelope")
)

// Error carries the kind of an oracle failure and how many transport attempts were made.
type Error struct {
	Kind     error
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v (attempts: %d): %v", e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// outcome is the metrics label for an error kind.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyPrompt):
		return "empty_prompt"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	case errors.Is(err, ErrMalformedJSON):
		return "malformed_json"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	default:
		return "transport"
	}
}
