package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of a NATS connection the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	RunID  string    `json:"run_id"`
	Type   string    `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	SentAt time.Time `json:"sent_at"`
	Event  Event     `json:"event"`
}

// Forwarder copies every bus event to "<subject>.<event type>".
type Forwarder struct {
	pub     Publisher
	subject string
	runID   string
	logger  *slog.Logger
}

// NewForwarder creates a forwarder. logger may be nil.
func NewForwarder(pub Publisher, subject, runID string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		pub:     pub,
		subject: subject,
		runID:   runID,
		logger:  logger.With("component", "events", "subject", subject),
	}
}

// Run forwards events from bus until ctx is done or the bus closes.
// Publish failures are logged and do not stop forwarding.
func (f *Forwarder) Run(ctx context.Context, bus *EventBus) {
	ch := bus.SubscribeAll(1024)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := f.Forward(ev); err != nil {
				f.logger.Warn("forwarding event failed", "type", ev.EventType(), "error", err)
			}
		}
	}
}

// Forward publishes one event.
func (f *Forwarder) Forward(ev Event) error {
	data, err := json.Marshal(Envelope{
		RunID:  f.runID,
		Type:   ev.EventType(),
		TaskID: ev.TaskID(),
		SentAt: time.Now().UTC(),
		Event:  ev,
	})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.EventType(), err)
	}
	return f.pub.Publish(f.subject+"."+ev.EventType(), data)
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return conn, nil
}
