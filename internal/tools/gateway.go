package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/agentcrew/internal/telemetry"
)

// DefaultCallTimeout bounds a single tool call when the gateway has no explicit timeout.
const DefaultCallTimeout = 2 * time.Minute

// GatewayOptions configures a Gateway. All fields are optional.
type GatewayOptions struct {
	Timeout time.Duration
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Gateway dispatches tool calls by name. It never returns an error and never
// panics: every outcome, including an unknown tool or a panicking tool, is an
// Envelope.
type Gateway struct {
	registry *Registry
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewGateway creates a gateway over reg.
func NewGateway(reg *Registry, opts GatewayOptions) *Gateway {
	if reg == nil {
		reg = NewRegistry()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		registry: reg,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "tools"),
	}
}

// Describe lists the tools reachable through this gateway.
func (g *Gateway) Describe() []Descriptor {
	return g.registry.Describe()
}

// Invoke runs the named tool with args and wraps the outcome.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any) Envelope {
	tool, ok := g.registry.Lookup(name)
	if !ok {
		g.logger.Warn("tool not found", "tool", name)
		g.metrics.IncToolCall(name, string(ErrorKindNotFound))
		return Failure(name, ErrorKindNotFound, fmt.Sprintf("no tool named %q; available: %v", name, g.registry.Names()))
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := telemetry.StartSpan(ctx, "tools.invoke", attribute.String("tool.name", name))
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	value, err := safeInvoke(callCtx, tool, args)
	elapsed := time.Since(start)
	telemetry.EndSpan(span, err)

	if err != nil {
		g.logger.Warn("tool invocation failed", "tool", name, "elapsed", elapsed, "error", err)
		g.metrics.IncToolCall(name, string(ErrorKindInvocation))
		return Failure(name, ErrorKindInvocation, err.Error())
	}

	g.logger.Debug("tool invoked", "tool", name, "elapsed", elapsed)
	g.metrics.IncToolCall(name, "ok")
	return Success(name, value)
}

// safeInvoke converts a panic inside the tool into an error.
func safeInvoke(ctx context.Context, tool Tool, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
			value = nil
			err = fmt.Errorf("tool %q panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Invoke(ctx, args)
}
