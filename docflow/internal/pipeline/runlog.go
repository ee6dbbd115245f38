package pipeline

import "context"

// Stage attempt outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// RunEntry is one stage attempt: what ran, over how many chunks, how long,
// and how it ended. Detail carries the error text on failure.
type RunEntry struct {
	DocumentID      string  `json:"document_id"`
	Stage           string  `json:"stage"`
	Chunks          int     `json:"chunks"`
	DurationSeconds float64 `json:"duration_seconds"`
	Outcome         string  `json:"outcome"`
	Detail          string  `json:"detail,omitempty"`
}

// RunLogger receives one entry per stage attempt. A nil logger disables
// recording; a failing one never fails the run.
type RunLogger interface {
	Record(ctx context.Context, e RunEntry) error
}

// logStage writes a run log entry, best-effort.
func (o *Orchestrator) logStage(ctx context.Context, docID, stage string, chunks int, seconds float64, outcome, detail string) {
	if o.opts.RunLog == nil {
		return
	}
	err := o.opts.RunLog.Record(ctx, RunEntry{
		DocumentID:      docID,
		Stage:           stage,
		Chunks:          chunks,
		DurationSeconds: seconds,
		Outcome:         outcome,
		Detail:          detail,
	})
	if err != nil {
		o.opts.Logger.WarnContext(ctx, "run log write failed", "stage", stage, "error", err)
	}
}
