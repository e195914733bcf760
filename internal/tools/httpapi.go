package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const maxAPIResponseBytes = 1 << 20

// HTTPAPITool calls a JSON API under a fixed base URL, such as a cluster or
// virtualization manager.
//
// Input:  {"method": "POST", "path": "/api/v1/vms/vm-1/stop", "body": {...}, "query": {"k": "v"}}
// Output: {"status": 200, "body": <decoded JSON or text>}
//
// Non-2xx replies are invocation errors.
type HTTPAPITool struct {
	name        string
	description string
	base        *url.URL
	headers     map[string]string
	client      *http.Client
	limiter     *rate.Limiter
}

// NewHTTPAPITool creates an API tool. rps <= 0 disables rate limiting.
func NewHTTPAPITool(name, description, baseURL string, headers map[string]string, rps float64, burst int, client *http.Client) (*HTTPAPITool, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("tool %q: invalid base_url %q", name, baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &HTTPAPITool{
		name:        name,
		description: description,
		base:        base,
		headers:     headers,
		client:      client,
		limiter:     limiter,
	}, nil
}

func (t *HTTPAPITool) Name() string        { return t.name }
func (t *HTTPAPITool) Description() string { return t.description }

func (t *HTTPAPITool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	rel, err := url.Parse(path)
	if err != nil || rel.IsAbs() || rel.Host != "" {
		return nil, fmt.Errorf("path %q must be relative to the API base", path)
	}
	target := t.base.ResolveReference(rel)

	if q, ok := args["query"].(map[string]any); ok {
		values := target.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = values.Encode()
	}

	var body io.Reader
	if payload, ok := args["body"]; ok && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w", method, target.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, target.Path, resp.Status, strings.TrimSpace(string(data)))
	}

	var decoded any = string(data)
	if len(bytes.TrimSpace(data)) > 0 {
		var v any
		if json.Unmarshal(data, &v) == nil {
			decoded = v
		}
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   decoded,
	}, nil
}
