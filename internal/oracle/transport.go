package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// maxBodyBytes bounds how much of a reply body is buffered for inspection.
const maxBodyBytes = 32 << 20

// bodyCheck records what the transport saw in a successful reply body, so
// that empty and malformed bodies are classified the same way whatever error
// text the Ollama client wraps them in.
type bodyCheck struct {
	empty     bool
	malformed bool
}

type bodyCheckKey struct{}

func withBodyCheck(ctx context.Context) (context.Context, *bodyCheck) {
	p := &bodyCheck{}
	return context.WithValue(ctx, bodyCheckKey{}, p), p
}

// statusTransport inspects reply bodies before the Ollama client decodes them.
//
// 5xx and 429 bodies are normalised to the Ollama error envelope, because the
// client decodes the body before it looks at the status and a proxy's HTML
// error page would otherwise surface as malformed JSON instead of a
// retryable api.StatusError. 2xx bodies are checked for emptiness and JSON
// validity and the result is written to the request's bodyCheck.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		normaliseErrorBody(resp)
		return resp, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, nil
	}

	check, _ := req.Context().Value(bodyCheckKey{}).(*bodyCheck)
	if check == nil {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	check.empty = len(bytes.TrimSpace(data)) == 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && !json.Valid(line) {
			check.malformed = true
			break
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp, nil
}

func normaliseErrorBody(resp *http.Response) {
	original, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	msg := resp.Status
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(original, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	body = append(body, '\n')

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Type", "application/json")
}
