package aicall

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Options tunes the Executor.
type Options struct {
	// CallTimeout bounds each individual attempt. Default: 2m.
	CallTimeout time.Duration
	// MaxRetries is the number of retry attempts after the first failure.
	// Only transient failures are retried. Default: 3.
	MaxRetries int
	// BaseBackoff is the initial wait between retries, doubled each
	// attempt. Default: 2s.
	BaseBackoff time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 2 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor runs one external stage call for one chunk with timeout and
// bounded retry. Terminal failures come back as *CallError tagged with the
// stage and chunk; nothing escapes this boundary unwrapped.
type Executor struct {
	caller Caller
	opts   Options
}

// NewExecutor wraps a Caller.
func NewExecutor(caller Caller, opts Options) *Executor {
	opts.defaults()
	return &Executor{caller: caller, opts: opts}
}

// Execute performs the call for one chunk. Transient failures (throttling,
// timeout) are retried up to MaxRetries with exponential backoff; terminal
// failures fail immediately. A timeout on the final attempt is terminal.
func (e *Executor) Execute(ctx context.Context, stage string, chunkOrder int, req Request) (Response, error) {
	log := e.opts.Logger.With("stage", stage, "chunk", chunkOrder)

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		resp, err := e.callOnce(ctx, stage, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// The run's own context ending is not retryable.
		if ctx.Err() != nil {
			break
		}
		if !IsTransient(err) {
			break
		}

		if attempt < e.opts.MaxRetries {
			wait := e.opts.BaseBackoff * (1 << uint(attempt))
			log.WarnContext(ctx, "retrying stage call",
				"attempt", attempt+1,
				"max_retries", e.opts.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return Response{}, e.terminal(stage, chunkOrder, lastErr)
			case <-time.After(wait):
			}
		}
	}
	return Response{}, e.terminal(stage, chunkOrder, lastErr)
}

// callOnce applies the per-call timeout and runs a single attempt.
func (e *Executor) callOnce(ctx context.Context, stage string, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	resp, err := e.caller.Call(callCtx, stage, req)
	if err != nil {
		// Map an attempt timeout to a transient failure unless the
		// parent context is also done.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, &CallError{Stage: stage, Transient: true, Err: err}
		}
		return Response{}, err
	}
	return resp, nil
}

// terminal normalizes the last failure into a stage+chunk tagged CallError.
func (e *Executor) terminal(stage string, chunkOrder int, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return &CallError{Stage: stage, Chunk: chunkOrder, Transient: false, Err: ce.Err}
	}
	return &CallError{Stage: stage, Chunk: chunkOrder, Transient: false, Err: err}
}
