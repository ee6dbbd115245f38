package aicall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPCaller talks to the model gateway over HTTP. One gateway fronts all
// four stages; the stage name selects the route.
type HTTPCaller struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCaller creates a caller for the gateway at endpoint. The overall
// attempt timeout is enforced by the Executor's context, so the underlying
// http.Client carries no timeout of its own.
func NewHTTPCaller(endpoint, apiKey string) *HTTPCaller {
	return &HTTPCaller{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

// wireRequest is the JSON body sent to the gateway.
type wireRequest struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	Prompt     string          `json:"prompt,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	FirstPage  int             `json:"first_page,omitempty"`
	LastPage   int             `json:"last_page,omitempty"`
}

// wireResponse is the gateway's JSON response envelope.
type wireResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Call implements Caller. Status 408, 429 and 5xx are transient; other
// non-2xx statuses are terminal.
func (c *HTTPCaller) Call(ctx context.Context, stage string, req Request) (Response, error) {
	body, err := json.Marshal(wireRequest{
		Payload:   req.Payload,
		Prompt:    req.Prompt,
		Schema:    req.Schema,
		Provider:  req.Provider,
		FirstPage: req.FirstPage,
		LastPage:  req.LastPage,
	})
	if err != nil {
		return Response{}, &CallError{Stage: stage, Err: fmt.Errorf("encode request: %w", err)}
	}

	url := c.endpoint + "/v1/" + stage
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, &CallError{Stage: stage, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Network-level failures (refused, reset, context deadline) are
		// worth retrying; the Executor maps deadline errors itself.
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &CallError{Stage: stage, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Response{}, &CallError{Stage: stage, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		return Response{}, &CallError{
			Stage:     stage,
			Transient: transient,
			Err:       fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, &CallError{Stage: stage, Err: fmt.Errorf("decode response: %w", err)}
	}
	if wire.Error != "" {
		return Response{}, &CallError{Stage: stage, Err: fmt.Errorf("gateway error: %s", wire.Error)}
	}
	return Response{Output: wire.Output}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
