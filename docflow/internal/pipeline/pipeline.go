// CLAUDE:SUMMARY Sequential stage state machine driving one document through
// OCR, extraction, evaluation and summary, with per-stage chunk fan-out.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/docflow/docflow/internal/aicall"
	"github.com/hazyhaar/docflow/docflow/internal/chunk"
	"github.com/hazyhaar/docflow/docflow/internal/dataset"
	"github.com/hazyhaar/docflow/document"
)

// Wire stage names sent to the model service. These are call routes, not
// the state flag names stored on documents.
const (
	wireOCR        = "ocr"
	wireExtraction = "gpt_extraction"
	wireEvaluation = "gpt_evaluation"
	wireSummary    = "gpt_summary"
)

// Options configures an Orchestrator.
type Options struct {
	// ChunkParallelism bounds how many chunk calls of one stage run at
	// once. Defaults to 4.
	ChunkParallelism int

	// RunLog receives one entry per stage attempt. Nil disables recording.
	RunLog RunLogger

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.ChunkParallelism < 1 {
		o.ChunkParallelism = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Orchestrator runs the pipeline for one document at a time per document ID.
// Stages execute strictly in order; within a chunked stage, chunks run in
// parallel and merge deterministically by chunk order.
type Orchestrator struct {
	store    StateStore
	resolver *dataset.Resolver
	exec     *aicall.Executor
	opts     Options

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates an Orchestrator.
func New(store StateStore, resolver *dataset.Resolver, exec *aicall.Executor, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		exec:     exec,
		opts:     opts,
		running:  make(map[string]struct{}),
	}
}

// Running reports whether a run for id is currently in flight.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Reserve claims the document's run slot without starting a run, giving
// the caller the same single-writer guarantee a run holds while it mutates
// document state. Pair with Release. While reserved, Run and further
// Reserves are rejected with document.ErrAlreadyProcessing.
func (o *Orchestrator) Reserve(id string) error { return o.begin(id) }

// Release frees a slot taken by Reserve.
func (o *Orchestrator) Release(id string) { o.end(id) }

func (o *Orchestrator) begin(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return fmt.Errorf("document %q: %w", id, document.ErrAlreadyProcessing)
	}
	o.running[id] = struct{}{}
	return nil
}

func (o *Orchestrator) end(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// Run drives the document through every enabled stage. The first stage
// failure halts the run: earlier completed flags are retained, the failing
// stage records its error, later stages stay untouched. A second Run for
// the same document while one is in flight is rejected with
// document.ErrAlreadyProcessing.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	if err := o.begin(id); err != nil {
		return err
	}
	defer o.end(id)

	doc, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	cfg, err := o.resolver.Resolve(ctx, doc.Dataset, document.Overrides{})
	if err != nil {
		// Configuration failures fail the run before any stage starts:
		// no state progression beyond file_landed.
		doc.Errors = append(doc.Errors, err.Error())
		if perr := o.store.Put(ctx, doc); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	// The document's own options, frozen at ingest, win over whatever the
	// dataset says now. Only prompt, schema and chunk size are live.
	opts := doc.Options
	if !opts.IncludeOCR && !opts.IncludeImages {
		err := fmt.Errorf("document %q: %w", id, dataset.ErrNoInputs)
		doc.Errors = append(doc.Errors, err.Error())
		if perr := o.store.Put(ctx, doc); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}

	chunks, err := chunk.Plan(doc.Properties.PageCount, cfg.MaxPagesPerChunk)
	if err != nil {
		doc.Errors = append(doc.Errors, err.Error())
		if perr := o.store.Put(ctx, doc); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}

	log := o.opts.Logger.With("document_id", id, "dataset", doc.Dataset)
	log.InfoContext(ctx, "pipeline run starting",
		"pages", doc.Properties.PageCount, "chunks", len(chunks))

	ocrParts, err := o.runOCR(ctx, doc, cfg, chunks, log)
	if err != nil {
		return err
	}
	if err := o.runExtraction(ctx, doc, cfg, chunks, ocrParts, log); err != nil {
		return err
	}
	if err := o.runEvaluation(ctx, doc, cfg, log); err != nil {
		return err
	}
	if err := o.runSummary(ctx, doc, cfg, log); err != nil {
		return err
	}

	doc.SetStage(document.StageCompleted, document.StageState{Completed: true})
	if err := o.store.Put(ctx, doc); err != nil {
		return err
	}
	log.InfoContext(ctx, "pipeline run completed")
	return nil
}

// runOCR produces per-chunk OCR text. When OCR is disabled and images carry
// the document, the stage is marked complete with zero duration and no
// external call is made.
func (o *Orchestrator) runOCR(ctx context.Context, doc *document.Document, cfg document.DatasetConfig, chunks []chunk.Chunk, log *slog.Logger) ([]string, error) {
	if !doc.Options.IncludeOCR {
		doc.Extracted.OCROutput = ""
		doc.SetStage(document.StageOCR, document.StageState{Completed: true})
		if err := o.store.Put(ctx, doc); err != nil {
			return nil, err
		}
		o.logStage(ctx, doc.ID, wireOCR, 0, 0, OutcomeSkipped, "")
		log.InfoContext(ctx, "stage skipped", "stage", wireOCR)
		return make([]string, len(chunks)), nil
	}

	start := time.Now()
	outs, err := o.fanOut(ctx, wireOCR, chunks, func(c chunk.Chunk) aicall.Request {
		return aicall.Request{
			Provider:  doc.Options.OCRProvider,
			FirstPage: c.FirstPage,
			LastPage:  c.LastPage,
		}
	})
	if err != nil {
		return nil, o.failStage(ctx, doc, document.StageOCR, wireOCR, len(chunks), start, err, log)
	}

	parts := make([]string, len(outs))
	for i, raw := range outs {
		parts[i] = decodeText(raw)
	}
	doc.Extracted.OCROutput = chunk.MergeText(parts)
	elapsed := time.Since(start).Seconds()
	doc.SetStage(document.StageOCR, document.StageState{
		Completed:       true,
		DurationSeconds: elapsed,
	})
	if err := o.store.Put(ctx, doc); err != nil {
		return nil, err
	}
	o.logStage(ctx, doc.ID, wireOCR, len(chunks), elapsed, OutcomeCompleted, "")
	return parts, nil
}

// extractionPayload is the per-chunk extraction input: the chunk's OCR text
// when OCR ran, plus whether the service should also read page images.
type extractionPayload struct {
	OCRText   string `json:"ocr_text"`
	UseImages bool   `json:"use_images"`
}

func (o *Orchestrator) runExtraction(ctx context.Context, doc *document.Document, cfg document.DatasetConfig, chunks []chunk.Chunk, ocrParts []string, log *slog.Logger) error {
	start := time.Now()
	outs, err := o.fanOut(ctx, wireExtraction, chunks, func(c chunk.Chunk) aicall.Request {
		payload, _ := json.Marshal(extractionPayload{
			OCRText:   ocrParts[c.Order],
			UseImages: doc.Options.IncludeImages,
		})
		return aicall.Request{
			Payload:   payload,
			Prompt:    cfg.ModelPrompt,
			Schema:    cfg.ExampleSchema,
			FirstPage: c.FirstPage,
			LastPage:  c.LastPage,
		}
	})
	if err != nil {
		return o.failStage(ctx, doc, document.StageExtraction, wireExtraction, len(chunks), start, err, log)
	}

	merged, err := chunk.MergeStructured(wireExtraction, outs)
	if err != nil {
		return o.failStage(ctx, doc, document.StageExtraction, wireExtraction, len(chunks), start, err, log)
	}
	doc.Extracted.ExtractionOutput = merged
	elapsed := time.Since(start).Seconds()
	doc.SetStage(document.StageExtraction, document.StageState{
		Completed:       true,
		DurationSeconds: elapsed,
	})
	if err := o.store.Put(ctx, doc); err != nil {
		return err
	}
	o.logStage(ctx, doc.ID, wireExtraction, len(chunks), elapsed, OutcomeCompleted, "")
	return nil
}

// runEvaluation runs whole-document: the merged extraction output goes out
// in a single call. Disabled evaluation records an explicit empty object.
func (o *Orchestrator) runEvaluation(ctx context.Context, doc *document.Document, cfg document.DatasetConfig, log *slog.Logger) error {
	if !doc.Options.EnableEvaluation {
		doc.Extracted.EvaluatedOutput = json.RawMessage("{}")
		doc.SetStage(document.StageEvaluation, document.StageState{Completed: true})
		if err := o.store.Put(ctx, doc); err != nil {
			return err
		}
		o.logStage(ctx, doc.ID, wireEvaluation, 0, 0, OutcomeSkipped, "")
		log.InfoContext(ctx, "stage skipped", "stage", wireEvaluation)
		return nil
	}

	start := time.Now()
	resp, err := o.exec.Execute(ctx, wireEvaluation, 0, aicall.Request{
		Payload: doc.Extracted.ExtractionOutput,
		Prompt:  cfg.ModelPrompt,
		Schema:  cfg.ExampleSchema,
	})
	if err != nil {
		return o.failStage(ctx, doc, document.StageEvaluation, wireEvaluation, 1, start, err, log)
	}
	doc.Extracted.EvaluatedOutput = resp.Output
	elapsed := time.Since(start).Seconds()
	doc.SetStage(document.StageEvaluation, document.StageState{
		Completed:       true,
		DurationSeconds: elapsed,
	})
	if err := o.store.Put(ctx, doc); err != nil {
		return err
	}
	o.logStage(ctx, doc.ID, wireEvaluation, 1, elapsed, OutcomeCompleted, "")
	return nil
}

// summaryResult is the summary stage's wire response.
type summaryResult struct {
	Classification string `json:"classification"`
	Summary        string `json:"summary"`
}

// runSummary classifies and summarizes from the best available structured
// output. Disabled summary records explicit empty strings.
func (o *Orchestrator) runSummary(ctx context.Context, doc *document.Document, cfg document.DatasetConfig, log *slog.Logger) error {
	if !doc.Options.EnableSummary {
		doc.Extracted.SummaryOutput = ""
		doc.Extracted.Classification = ""
		doc.SetStage(document.StageSummary, document.StageState{Completed: true})
		if err := o.store.Put(ctx, doc); err != nil {
			return err
		}
		o.logStage(ctx, doc.ID, wireSummary, 0, 0, OutcomeSkipped, "")
		log.InfoContext(ctx, "stage skipped", "stage", wireSummary)
		return nil
	}

	input := doc.Extracted.ExtractionOutput
	if doc.Options.EnableEvaluation {
		input = doc.Extracted.EvaluatedOutput
	}

	start := time.Now()
	resp, err := o.exec.Execute(ctx, wireSummary, 0, aicall.Request{
		Payload: input,
		Prompt:  cfg.ModelPrompt,
	})
	if err != nil {
		return o.failStage(ctx, doc, document.StageSummary, wireSummary, 1, start, err, log)
	}
	var res summaryResult
	if uerr := json.Unmarshal(resp.Output, &res); uerr != nil {
		res.Summary = decodeText(resp.Output)
	}
	doc.Extracted.SummaryOutput = res.Summary
	doc.Extracted.Classification = res.Classification
	elapsed := time.Since(start).Seconds()
	doc.SetStage(document.StageSummary, document.StageState{
		Completed:       true,
		DurationSeconds: elapsed,
	})
	if err := o.store.Put(ctx, doc); err != nil {
		return err
	}
	o.logStage(ctx, doc.ID, wireSummary, 1, elapsed, OutcomeCompleted, "")
	return nil
}

// fanOut runs one call per chunk with bounded parallelism and waits for
// every chunk to finish before reporting. A timed-out or failed chunk never
// cancels its siblings; when several fail, the lowest chunk order wins so
// error attribution is deterministic.
func (o *Orchestrator) fanOut(ctx context.Context, stage string, chunks []chunk.Chunk, build func(chunk.Chunk) aicall.Request) ([]json.RawMessage, error) {
	outs := make([]json.RawMessage, len(chunks))
	errs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(o.opts.ChunkParallelism)
	for _, c := range chunks {
		g.Go(func() error {
			resp, err := o.exec.Execute(ctx, stage, c.Order, build(c))
			if err != nil {
				errs[c.Order] = err
				return nil
			}
			outs[c.Order] = resp.Output
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return outs, nil
}

// failStage records the stage failure on the document, persists, and
// returns the stage error. Persistence errors are joined, never swallowed.
func (o *Orchestrator) failStage(ctx context.Context, doc *document.Document, stage document.Stage, wire string, chunks int, start time.Time, err error, log *slog.Logger) error {
	elapsed := time.Since(start).Seconds()
	doc.RecordFailure(stage, elapsed, err.Error())
	o.logStage(ctx, doc.ID, wire, chunks, elapsed, OutcomeFailed, err.Error())
	log.ErrorContext(ctx, "stage failed", "stage", string(stage), "error", err)
	if perr := o.store.Put(ctx, doc); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// decodeText unwraps a JSON string output; non-string outputs pass through
// as raw text.
func decodeText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
