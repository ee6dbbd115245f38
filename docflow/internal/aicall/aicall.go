// Package aicall invokes the external model services (OCR, extraction,
// evaluation, summary) and normalizes their results and failures.
//
// Each model call is a black box: bytes in, bytes out, with latency and
// failure characteristics to be handled, not reproduced. The Executor wraps
// a Caller with per-call timeouts and bounded retry-with-backoff for
// transient failures, and tags every terminal failure with the stage name
// and chunk order.
package aicall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is one unit of work sent to a model service.
type Request struct {
	// Payload is the stage input: OCR text, page image references, or a
	// previous stage's merged output, already encoded for the wire.
	Payload json.RawMessage

	// Prompt and Schema come from the dataset configuration and are only
	// meaningful to the remote service.
	Prompt string
	Schema json.RawMessage

	// Provider selects the OCR backend; empty for non-OCR stages.
	Provider string

	// FirstPage and LastPage bound the chunk, 1-indexed inclusive.
	FirstPage int
	LastPage  int
}

// Response is the raw output of one model call.
type Response struct {
	Output json.RawMessage
}

// Caller performs one external model call. Implementations must surface
// transient failures (throttling, timeouts, 5xx) distinctly from terminal
// ones (malformed input, auth) via CallError.Transient, and respect ctx.
type Caller interface {
	Call(ctx context.Context, stage string, req Request) (Response, error)
}

// CallError is a normalized external call failure, tagged with the stage
// and chunk it belongs to.
type CallError struct {
	Stage     string
	Chunk     int
	Transient bool
	Err       error
}

func (e *CallError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: chunk %d: %s call failure: %v", e.Stage, e.Chunk, kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is retryable.
func (e *CallError) Temporary() bool { return e.Transient }

// IsTransient reports whether err is a transient external call failure.
// Context deadline errors count as transient: a timed-out call is eligible
// for retry until the attempt budget runs out.
func IsTransient(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
