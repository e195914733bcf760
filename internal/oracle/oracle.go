// Package oracle sends a (system, user) prompt pair to a language model and
// returns the model's reply decoded as a JSON object.
package oracle

import (
	"context"
	"encoding/json"
)

// Client is a stateless query interface to the language model.
type Client interface {
	// Query sends one prompt pair. Both prompts must be non-empty.
	// Failures wrap one of the Err* kinds.
	Query(ctx context.Context, system, user string) (Result, error)
}

// Result is one decoded oracle reply.
type Result struct {
	Text     string         // Reply text as the model produced it
	Fields   map[string]any // Reply decoded as a JSON object
	Repaired bool           // Text needed repair before it parsed
	Attempts int            // Transport attempts used
}

// JSON re-encodes Fields.
func (r Result) JSON() string {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return r.Text
	}
	return string(data)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, system, user string) (Result, error)

// Query calls f.
func (f ClientFunc) Query(ctx context.Context, system, user string) (Result, error) {
	return f(ctx, system, user)
}
