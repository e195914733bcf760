package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/telemetry"
)

// Config configures an OllamaClient.
type Config struct {
	Endpoint      string
	Model         string
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Timeout       time.Duration // Per attempt (default 2min)
	Retry         RetryConfig

	HTTPClient *http.Client            // Optional; its transport is wrapped
	Breakers   *CircuitBreakerRegistry // Optional; shared between clients of one run
	Metrics    *telemetry.Metrics      // Optional
	Logger     *slog.Logger            // Optional
}

// FromConfig maps the file configuration onto a client Config.
func FromConfig(c config.OracleConfig) Config {
	return Config{
		Endpoint:      c.Endpoint,
		Model:         c.Model,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		TopK:          c.TopK,
		RepeatPenalty: c.RepeatPenalty,
		Timeout:       c.Timeout.Std(),
		Retry: RetryConfig{
			MaxAttempts:     c.MaxAttempts,
			InitialInterval: c.InitialInterval.Std(),
			MaxInterval:     c.MaxInterval.Std(),
			MaxElapsedTime:  c.MaxElapsed.Std(),
		},
	}
}

// OllamaClient queries an Ollama server's generate endpoint in JSON mode.
type OllamaClient struct {
	cfg    Config
	api    *api.Client
	logger *slog.Logger
}

// NewOllamaClient creates a client for cfg.Endpoint.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("oracle: model is required")
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("oracle: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(cfg.Logger)
	}

	httpClient := &http.Client{Transport: http.DefaultTransport}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		if clone.Transport == nil {
			clone.Transport = http.DefaultTransport
		}
		httpClient = &clone
	}
	httpClient.Transport = &statusTransport{base: httpClient.Transport}

	return &OllamaClient{
		cfg:    cfg,
		api:    api.NewClient(base, httpClient),
		logger: cfg.Logger.With("component", "oracle", "model", cfg.Model),
	}, nil
}

// WithModel returns a client for another model that shares the endpoint,
// transport and circuit breakers of c.
func (c *OllamaClient) WithModel(model string) *OllamaClient {
	if model == "" || model == c.cfg.Model {
		return c
	}
	cp := *c
	cp.cfg.Model = model
	cp.logger = c.cfg.Logger.With("component", "oracle", "model", model)
	return &cp
}

// Model returns the model name queried by c.
func (c *OllamaClient) Model() string { return c.cfg.Model }

// Query sends system and user prompts and decodes the reply as a JSON object.
// Transport failures are retried; empty, malformed and non-object replies are not.
func (c *OllamaClient) Query(ctx context.Context, system, user string) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(system) == "" || strings.TrimSpace(user) == "" {
		err := &Error{Kind: ErrEmptyPrompt}
		c.cfg.Metrics.ObserveOracle(outcome(err), 0, 0)
		return Result{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "oracle.query", attribute.String("oracle.model", c.cfg.Model))

	text, attempts, err := callWithRetry(ctx, c.cfg.Breakers.Get(c.cfg.Model), c.cfg.Retry, c.logger, func(ctx context.Context) (string, error) {
		return c.generate(ctx, system, user)
	})

	var res Result
	if err == nil {
		fields, repaired, decodeErr := decodeObject(text)
		if decodeErr != nil {
			decodeErr.Attempts = attempts
			err = decodeErr
		} else {
			res = Result{Text: text, Fields: fields, Repaired: repaired, Attempts: attempts}
			if repaired {
				c.logger.Debug("repaired oracle reply", "text", text)
			}
		}
	}

	span.SetAttributes(attribute.Int("oracle.attempts", attempts), attribute.String("oracle.outcome", outcome(err)))
	telemetry.EndSpan(span, err)
	c.cfg.Metrics.ObserveOracle(outcome(err), attempts, time.Since(start))

	if err != nil {
		c.logger.Warn("oracle query failed", "attempts", attempts, "error", err)
		return Result{}, err
	}
	return res, nil
}

// generate performs one non-streaming generate call and returns the reply text.
func (c *OllamaClient) generate(ctx context.Context, system, user string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	attemptCtx, check := withBodyCheck(attemptCtx)

	stream := false
	req := &api.GenerateRequest{
		Model:   c.cfg.Model,
		System:  system,
		Prompt:  user,
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: c.options(),
	}

	var (
		reply   strings.Builder
		replied bool
	)
	err := c.api.Generate(attemptCtx, req, func(resp api.GenerateResponse) error {
		replied = true
		reply.WriteString(resp.Response)
		return nil
	})

	switch {
	case check.malformed:
		return "", &Error{Kind: ErrMalformedJSON, Err: errOrDefault(err, "reply body is not JSON")}
	case check.empty:
		return "", &Error{Kind: ErrEmptyResponse, Err: errOrDefault(err, "reply body is empty")}
	case err != nil:
		return "", classify(err)
	case !replied:
		return "", &Error{Kind: ErrEmptyResponse, Err: errors.New("no reply received")}
	}
	return reply.String(), nil
}

func (c *OllamaClient) options() map[string]any {
	opts := map[string]any{}
	if c.cfg.Temperature != 0 {
		opts["temperature"] = c.cfg.Temperature
	}
	if c.cfg.TopP != 0 {
		opts["top_p"] = c.cfg.TopP
	}
	if c.cfg.TopK != 0 {
		opts["top_k"] = c.cfg.TopK
	}
	if c.cfg.RepeatPenalty != 0 {
		opts["repeat_penalty"] = c.cfg.RepeatPenalty
	}
	return opts
}

// classify wraps a Generate error in its kind. Anything that is not a decode
// failure is a transport failure; isRetryable decides whether it is transient.
func classify(err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &Error{Kind: ErrMalformedJSON, Err: err}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &Error{Kind: ErrSchemaViolation, Err: err}
	}
	return &Error{Kind: ErrTransport, Err: err}
}

// isRetryable reports whether a classified error is a transient transport failure.
func isRetryable(err error) bool {
	if !errors.Is(err, ErrTransport) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := statusCode(err); ok {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return true
}

func statusCode(err error) (int, bool) {
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	var sp *api.StatusError
	if errors.As(err, &sp) && sp != nil {
		return sp.StatusCode, true
	}
	return 0, false
}

func errOrDefault(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
