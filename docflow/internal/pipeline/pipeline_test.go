package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/docflow/docflow/internal/aicall"
	"github.com/hazyhaar/docflow/docflow/internal/dataset"
	"github.com/hazyhaar/docflow/document"
)

// scriptedCaller answers per wire stage. Responses for chunked stages are
// keyed by first page so parallel chunk completion order does not matter.
type scriptedCaller struct {
	mu    sync.Mutex
	calls map[string]int

	// failStage makes the named stage fail terminally on every call.
	failStage string
	// delayFirst delays the first chunk of each chunked stage, exercising
	// out-of-order completion.
	delayFirst time.Duration
}

func (c *scriptedCaller) record(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[stage]++
}

func (c *scriptedCaller) count(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[stage]
}

func (c *scriptedCaller) Call(ctx context.Context, stage string, req aicall.Request) (aicall.Response, error) {
	c.record(stage)
	if stage == c.failStage {
		return aicall.Response{}, &aicall.CallError{Stage: stage, Transient: false, Err: errors.New("model rejected input")}
	}
	if c.delayFirst > 0 && req.FirstPage == 1 {
		select {
		case <-time.After(c.delayFirst):
		case <-ctx.Done():
			return aicall.Response{}, ctx.Err()
		}
	}
	switch stage {
	case "ocr":
		out, _ := json.Marshal(fmt.Sprintf("text p%d-%d", req.FirstPage, req.LastPage))
		return aicall.Response{Output: out}, nil
	case "gpt_extraction":
		out := fmt.Sprintf(`{"invoice_number":"INV-%d","line_items":[{"page":%d}]}`, req.FirstPage, req.FirstPage)
		return aicall.Response{Output: json.RawMessage(out)}, nil
	case "gpt_evaluation":
		return aicall.Response{Output: json.RawMessage(`{"invoice_number":"INV-1","confidence":0.9}`)}, nil
	case "gpt_summary":
		return aicall.Response{Output: json.RawMessage(`{"classification":"invoice","summary":"two line items"}`)}, nil
	}
	return aicall.Response{}, fmt.Errorf("unknown stage %q", stage)
}

type mapSource struct {
	datasets map[string]*dataset.Stored
}

func (s *mapSource) GetDataset(ctx context.Context, name string) (*dataset.Stored, error) {
	return s.datasets[name], nil
}

func (s *mapSource) ListDatasets(ctx context.Context) ([]*dataset.Stored, error) {
	out := make([]*dataset.Stored, 0, len(s.datasets))
	for _, d := range s.datasets {
		out = append(out, d)
	}
	return out, nil
}

// harness wires an orchestrator over a memory store with a 25-page
// document, which plans into chunks of 10, 10 and 5.
func harness(t *testing.T, caller aicall.Caller, overrides document.Overrides) (*Orchestrator, *MemoryStore, string) {
	t.Helper()
	store := NewMemoryStore()
	source := &mapSource{datasets: map[string]*dataset.Stored{
		"invoices": {
			Name:             "invoices",
			ModelPrompt:      "extract invoice fields",
			MaxPagesPerChunk: 10,
		},
	}}
	resolver := dataset.NewResolver(source, "azure", 10)

	opts := overrides.Fill("azure")
	doc := document.New("doc-1", "invoices", document.Properties{PageCount: 25}, opts)
	if err := store.Put(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	exec := aicall.NewExecutor(caller, aicall.Options{
		CallTimeout: time.Second,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	})
	orch := New(store, resolver, exec, Options{ChunkParallelism: 3})
	return orch, store, "doc-1"
}

func mustGet(t *testing.T, store *MemoryStore, id string) *document.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %q: %v", id, err)
	}
	return doc
}

// WHAT: a full run with all stages enabled.
// WHY: every stage flag must flip in order and every output land in
// extracted data, ending at completed status.
func TestRunAllStages(t *testing.T) {
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc := mustGet(t, store, id)
	for _, st := range document.StageOrder {
		if !doc.State[st].Completed {
			t.Errorf("stage %s not completed", st)
		}
	}
	if got := doc.Status(); got != document.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if !strings.Contains(doc.Extracted.OCROutput, "text p1-10") {
		t.Errorf("OCR output missing first chunk: %q", doc.Extracted.OCROutput)
	}
	if doc.Extracted.Classification != "invoice" {
		t.Errorf("classification = %q", doc.Extracted.Classification)
	}
	if doc.Extracted.SummaryOutput != "two line items" {
		t.Errorf("summary = %q", doc.Extracted.SummaryOutput)
	}
	// 3 chunks for OCR and extraction, single calls for the rest.
	if n := caller.count("ocr"); n != 3 {
		t.Errorf("ocr calls = %d, want 3", n)
	}
	if n := caller.count("gpt_extraction"); n != 3 {
		t.Errorf("extraction calls = %d, want 3", n)
	}
	if n := caller.count("gpt_evaluation"); n != 1 {
		t.Errorf("evaluation calls = %d, want 1", n)
	}
}

// WHAT: chunk merge with deliberately skewed chunk latency.
// WHY: merged text must follow chunk order, not completion order.
func TestRunChunkOrderDeterministic(t *testing.T) {
	caller := &scriptedCaller{delayFirst: 50 * time.Millisecond}
	orch, store, id := harness(t, caller, document.Overrides{})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc := mustGet(t, store, id)
	first := strings.Index(doc.Extracted.OCROutput, "text p1-10")
	last := strings.Index(doc.Extracted.OCROutput, "text p21-25")
	if first < 0 || last < 0 || first > last {
		t.Errorf("chunk order violated in %q", doc.Extracted.OCROutput)
	}

	var extracted map[string]any
	if err := json.Unmarshal(doc.Extracted.ExtractionOutput, &extracted); err != nil {
		t.Fatalf("extraction output: %v", err)
	}
	// First non-empty scalar wins: the lowest chunk's invoice number.
	if got := extracted["invoice_number"]; got != "INV-1" {
		t.Errorf("invoice_number = %v, want INV-1", got)
	}
	items, ok := extracted["line_items"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("line_items = %v, want 3 concatenated entries", extracted["line_items"])
	}
}

// WHAT: include_ocr=false with include_images=true.
// WHY: the OCR stage must be marked complete with zero duration and no
// external OCR call; extraction still runs on images.
func TestRunSkipsOCR(t *testing.T) {
	off := false
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{IncludeOCR: &off})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc := mustGet(t, store, id)
	st := doc.State[document.StageOCR]
	if !st.Completed || st.DurationSeconds != 0 {
		t.Errorf("OCR state = %+v, want completed with zero duration", st)
	}
	if doc.Extracted.OCROutput != "" {
		t.Errorf("OCR output = %q, want empty", doc.Extracted.OCROutput)
	}
	if n := caller.count("ocr"); n != 0 {
		t.Errorf("ocr calls = %d, want 0", n)
	}
	if n := caller.count("gpt_extraction"); n != 3 {
		t.Errorf("extraction calls = %d, want 3", n)
	}
}

// WHAT: enable_evaluation=false.
// WHY: the evaluation flag completes with an explicit empty object and the
// summary stage consumes the extraction output instead.
func TestRunSkipsEvaluation(t *testing.T) {
	off := false
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{EnableEvaluation: &off})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc := mustGet(t, store, id)
	if !doc.State[document.StageEvaluation].Completed {
		t.Error("evaluation flag not completed")
	}
	if string(doc.Extracted.EvaluatedOutput) != "{}" {
		t.Errorf("evaluated output = %s, want {}", doc.Extracted.EvaluatedOutput)
	}
	if n := caller.count("gpt_evaluation"); n != 0 {
		t.Errorf("evaluation calls = %d, want 0", n)
	}
	if n := caller.count("gpt_summary"); n != 1 {
		t.Errorf("summary calls = %d, want 1", n)
	}
}

// WHAT: enable_summary=false.
// WHY: summary and classification stay explicitly empty, never copies of
// another stage's output, and the run still reaches completed.
func TestRunSkipsSummary(t *testing.T) {
	off := false
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{EnableSummary: &off})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc := mustGet(t, store, id)
	if !doc.State[document.StageSummary].Completed {
		t.Error("summary flag not completed")
	}
	if doc.Extracted.SummaryOutput != "" || doc.Extracted.Classification != "" {
		t.Errorf("summary = %q classification = %q, want empty", doc.Extracted.SummaryOutput, doc.Extracted.Classification)
	}
	if n := caller.count("gpt_summary"); n != 0 {
		t.Errorf("summary calls = %d, want 0", n)
	}
	if got := doc.Status(); got != document.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

// WHAT: a terminal extraction failure mid-run.
// WHY: the failing stage records its error, earlier flags stay completed,
// later stages are never attempted and the document reads failed.
func TestRunHaltsOnStageFailure(t *testing.T) {
	caller := &scriptedCaller{failStage: "gpt_extraction"}
	orch, store, id := harness(t, caller, document.Overrides{})

	err := orch.Run(context.Background(), id)
	if err == nil {
		t.Fatal("run succeeded, want extraction failure")
	}

	doc := mustGet(t, store, id)
	if !doc.State[document.StageOCR].Completed {
		t.Error("OCR flag lost after downstream failure")
	}
	st := doc.State[document.StageExtraction]
	if st.Completed || st.Error == "" {
		t.Errorf("extraction state = %+v, want failed with error", st)
	}
	for _, later := range []document.Stage{document.StageEvaluation, document.StageSummary, document.StageCompleted} {
		if s := doc.State[later]; s.Completed || s.Error != "" {
			t.Errorf("stage %s = %+v, want untouched", later, s)
		}
	}
	if got := doc.Status(); got != document.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if n := caller.count("gpt_evaluation"); n != 0 {
		t.Errorf("evaluation called %d times after halt", n)
	}
}

// WHAT: both OCR and images disabled on the stored document.
// WHY: the run fails before any stage with a configuration error; no
// external call fires and no stage past file_landed moves.
func TestRunRejectsNoInputs(t *testing.T) {
	off := false
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{})

	doc := mustGet(t, store, id)
	doc.Options.IncludeOCR = off
	doc.Options.IncludeImages = off
	if err := store.Put(context.Background(), doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := orch.Run(context.Background(), id)
	if !errors.Is(err, dataset.ErrNoInputs) {
		t.Fatalf("run error = %v, want ErrNoInputs", err)
	}

	doc = mustGet(t, store, id)
	if got := doc.Status(); got != document.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	for _, st := range document.StageOrder[1:] {
		if doc.State[st].Completed {
			t.Errorf("stage %s completed despite configuration failure", st)
		}
	}
	if n := caller.count("ocr") + caller.count("gpt_extraction"); n != 0 {
		t.Errorf("%d external calls fired, want 0", n)
	}
}

// WHAT: a run against a dataset that no longer exists.
// WHY: resolution failure is a configuration error recorded on the
// document, not a silent no-op.
func TestRunUnknownDataset(t *testing.T) {
	caller := &scriptedCaller{}
	orch, store, _ := harness(t, caller, document.Overrides{})

	doc := document.New("doc-2", "ghost", document.Properties{PageCount: 4}, document.Overrides{}.Fill("azure"))
	if err := store.Put(context.Background(), doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := orch.Run(context.Background(), "doc-2")
	if !errors.Is(err, dataset.ErrUnknown) {
		t.Fatalf("run error = %v, want ErrUnknown", err)
	}
	got := mustGet(t, store, "doc-2")
	if got.Status() != document.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status())
	}
}

// WHAT: a second Run for the same document while one is in flight.
// WHY: exactly one run per document at a time; the loser gets
// ErrAlreadyProcessing immediately.
func TestRunRejectsConcurrentRun(t *testing.T) {
	caller := &scriptedCaller{delayFirst: 100 * time.Millisecond}
	orch, _, id := harness(t, caller, document.Overrides{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- orch.Run(context.Background(), id)
	}()
	<-started
	// Wait for the first run to register.
	deadline := time.Now().Add(time.Second)
	for !orch.Running(id) {
		if time.Now().After(deadline) {
			t.Fatal("first run never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := orch.Run(context.Background(), id); !errors.Is(err, document.ErrAlreadyProcessing) {
		t.Fatalf("second run error = %v, want ErrAlreadyProcessing", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if orch.Running(id) {
		t.Error("run still registered after completion")
	}
}

// WHAT: reprocess after a completed run.
// WHY: reset flags restart the machine from file_landed and a rerun
// overwrites prior outputs.
func TestRunAfterReprocessReset(t *testing.T) {
	caller := &scriptedCaller{}
	orch, store, id := harness(t, caller, document.Overrides{})

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("first run: %v", err)
	}
	doc := mustGet(t, store, id)
	doc.ResetForReprocess()
	if err := store.Put(context.Background(), doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("second run: %v", err)
	}
	doc = mustGet(t, store, id)
	if doc.Status() != document.StatusCompleted {
		t.Errorf("status = %s, want completed", doc.Status())
	}
	if n := caller.count("ocr"); n != 6 {
		t.Errorf("ocr calls = %d, want 6 across two runs", n)
	}
}

// WHAT: memory store aliasing.
// WHY: a caller mutating a returned document must not corrupt stored state.
func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()
	doc := document.New("d", "ds", document.Properties{PageCount: 1}, document.Overrides{}.Fill("azure"))
	if err := store.Put(context.Background(), doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := mustGet(t, store, "d")
	got.Errors = append(got.Errors, "mutated")

	again := mustGet(t, store, "d")
	if len(again.Errors) != 0 {
		t.Errorf("stored document mutated through returned copy")
	}
}

// WHAT: a reserved document rejects Run until released.
// WHY: callers mutating document state under a reservation must get the
// same single-writer guarantee a run holds.
func TestReserveBlocksRun(t *testing.T) {
	orch, _, id := harness(t, &scriptedCaller{}, document.Overrides{})

	if err := orch.Reserve(id); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := orch.Run(context.Background(), id); !errors.Is(err, document.ErrAlreadyProcessing) {
		t.Fatalf("run while reserved: %v, want ErrAlreadyProcessing", err)
	}
	if err := orch.Reserve(id); !errors.Is(err, document.ErrAlreadyProcessing) {
		t.Fatalf("second reserve: %v, want ErrAlreadyProcessing", err)
	}

	orch.Release(id)
	if err := orch.Run(context.Background(), id); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}
