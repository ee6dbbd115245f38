// Package document defines the core domain model for the extraction
// pipeline: the per-document stage state machine, processing options,
// extracted payloads, corrections, and dataset configuration.
package document

import (
	"encoding/json"
	"time"
)

// Stage identifies one phase of the pipeline state machine.
type Stage string

// Pipeline stages, in execution order. The order is fixed: each stage
// depends on the merged output of the previous one.
const (
	StageFileLanded Stage = "file_landed"
	StageOCR        Stage = "ocr_completed"
	StageExtraction Stage = "gpt_extraction_completed"
	StageEvaluation Stage = "gpt_evaluation_completed"
	StageSummary    Stage = "gpt_summary_completed"
	StageCompleted  Stage = "processing_completed"
)

// StageOrder lists all stages in execution order.
var StageOrder = []Stage{
	StageFileLanded,
	StageOCR,
	StageExtraction,
	StageEvaluation,
	StageSummary,
	StageCompleted,
}

// StageState is the recorded outcome of one stage for one document.
type StageState struct {
	Completed       bool    `json:"completed"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// State maps every stage to its recorded outcome. All six stages are always
// present: NewState initializes each entry up front so no stage is ever
// read before it has been written.
type State map[Stage]StageState

// NewState returns a state map with every stage present and incomplete.
func NewState() State {
	s := make(State, len(StageOrder))
	for _, st := range StageOrder {
		s[st] = StageState{}
	}
	return s
}

// Status is the externally visible, derived document status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Properties holds ingestion-time file metadata.
type Properties struct {
	BlobName   string    `json:"blob_name"`
	BlobSize   int64     `json:"blob_size"`
	PageCount  int       `json:"page_count"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ProcessingOptions controls which stages run and which inputs they use.
// All booleans default to true; OCRProvider defaults to the configured
// primary provider. Fill in missing values via Overrides.Fill once, at the
// configuration resolver boundary.
type ProcessingOptions struct {
	IncludeOCR       bool   `json:"include_ocr"`
	IncludeImages    bool   `json:"include_images"`
	EnableSummary    bool   `json:"enable_summary"`
	EnableEvaluation bool   `json:"enable_evaluation"`
	OCRProvider      string `json:"ocr_provider"`
}

// Overrides is the loosely-specified form of ProcessingOptions used in
// stored dataset configuration and ingest requests: absent fields mean
// "use the default", not "false".
type Overrides struct {
	IncludeOCR       *bool  `json:"include_ocr,omitempty" yaml:"include_ocr,omitempty"`
	IncludeImages    *bool  `json:"include_images,omitempty" yaml:"include_images,omitempty"`
	EnableSummary    *bool  `json:"enable_summary,omitempty" yaml:"enable_summary,omitempty"`
	EnableEvaluation *bool  `json:"enable_evaluation,omitempty" yaml:"enable_evaluation,omitempty"`
	OCRProvider      string `json:"ocr_provider,omitempty" yaml:"ocr_provider,omitempty"`
}

// Fill resolves overrides into concrete options: absent booleans default to
// true, an absent provider defaults to primaryProvider.
func (o Overrides) Fill(primaryProvider string) ProcessingOptions {
	opts := ProcessingOptions{
		IncludeOCR:       true,
		IncludeImages:    true,
		EnableSummary:    true,
		EnableEvaluation: true,
		OCRProvider:      primaryProvider,
	}
	if o.IncludeOCR != nil {
		opts.IncludeOCR = *o.IncludeOCR
	}
	if o.IncludeImages != nil {
		opts.IncludeImages = *o.IncludeImages
	}
	if o.EnableSummary != nil {
		opts.EnableSummary = *o.EnableSummary
	}
	if o.EnableEvaluation != nil {
		opts.EnableEvaluation = *o.EnableEvaluation
	}
	if o.OCRProvider != "" {
		opts.OCRProvider = o.OCRProvider
	}
	return opts
}

// Merge layers other on top of o: set fields in other win.
func (o Overrides) Merge(other Overrides) Overrides {
	out := o
	if other.IncludeOCR != nil {
		out.IncludeOCR = other.IncludeOCR
	}
	if other.IncludeImages != nil {
		out.IncludeImages = other.IncludeImages
	}
	if other.EnableSummary != nil {
		out.EnableSummary = other.EnableSummary
	}
	if other.EnableEvaluation != nil {
		out.EnableEvaluation = other.EnableEvaluation
	}
	if other.OCRProvider != "" {
		out.OCRProvider = other.OCRProvider
	}
	return out
}

// ExtractedData holds per-stage payloads. Skipped stages leave their field
// at the explicit empty value ("" for text, {} for structured output), never
// a copy of another stage's output.
type ExtractedData struct {
	OCROutput        string          `json:"ocr_output"`
	ExtractionOutput json.RawMessage `json:"gpt_extraction_output"`
	EvaluatedOutput  json.RawMessage `json:"gpt_extraction_output_with_evaluation"`
	SummaryOutput    string          `json:"gpt_summary_output"`
	Classification   string          `json:"classification"`
}

// Document is the unit of work: one ingested file and its pipeline state.
type Document struct {
	ID         string            `json:"id"`
	Dataset    string            `json:"dataset"`
	Properties Properties        `json:"properties"`
	State      State             `json:"state"`
	Options    ProcessingOptions `json:"processing_options"`
	Extracted  ExtractedData     `json:"extracted_data"`
	Errors     []string          `json:"errors"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// New creates a freshly ingested document: file_landed is true, every other
// stage incomplete.
func New(id, dataset string, props Properties, opts ProcessingOptions) *Document {
	now := time.Now().UTC()
	d := &Document{
		ID:         id,
		Dataset:    dataset,
		Properties: props,
		State:      NewState(),
		Options:    opts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.State[StageFileLanded] = StageState{Completed: true}
	return d
}

// Status derives the externally visible status: failed if any error was
// recorded, completed when the final flag is set, processing otherwise.
func (d *Document) Status() Status {
	if len(d.Errors) > 0 {
		return StatusFailed
	}
	if d.State[StageCompleted].Completed {
		return StatusCompleted
	}
	return StatusProcessing
}

// ResetForReprocess resets every stage flag and clears errors, keeping
// file_landed true so the pipeline restarts from OCR. Prior extracted data
// is retained until the rerun overwrites it; corrections are stored
// separately and are never touched by a reprocess.
func (d *Document) ResetForReprocess() {
	d.State = NewState()
	d.State[StageFileLanded] = StageState{Completed: true}
	d.Errors = nil
	d.UpdatedAt = time.Now().UTC()
}

// SetStage records the outcome of one stage. Flags only move forward within
// a run; the full reset in ResetForReprocess is the single exception.
func (d *Document) SetStage(stage Stage, st StageState) {
	d.State[stage] = st
	d.UpdatedAt = time.Now().UTC()
}

// RecordFailure marks a stage as failed and appends to the document errors,
// halting status at failed.
func (d *Document) RecordFailure(stage Stage, duration float64, msg string) {
	d.State[stage] = StageState{Completed: false, DurationSeconds: duration, Error: msg}
	d.Errors = append(d.Errors, msg)
	d.UpdatedAt = time.Now().UTC()
}

// Correction is one entry in a document's append-only correction ledger.
// Entries are never mutated or deleted; the corrected data of the
// highest-numbered entry is the current authoritative value.
type Correction struct {
	DocumentID    string          `json:"document_id"`
	Number        int             `json:"correction_number"`
	CorrectorID   string          `json:"corrector_id"`
	Notes         string          `json:"notes"`
	OriginalData  json.RawMessage `json:"original_data"`
	CorrectedData json.RawMessage `json:"corrected_data"`
	CreatedAt     int64           `json:"created_at"` // milliseconds since epoch
}

// DatasetConfig is the fully resolved configuration for one dataset.
// Immutable once resolved for a pipeline run.
type DatasetConfig struct {
	Name             string            `json:"name"`
	ModelPrompt      string            `json:"model_prompt"`
	ExampleSchema    json.RawMessage   `json:"example_schema"`
	MaxPagesPerChunk int               `json:"max_pages_per_chunk"`
	Options          ProcessingOptions `json:"processing_options"`
}

// ConcurrencyPolicy is the admission-control policy: at most MaxRuns
// documents hold a processing slot at once. Enabled is false when the
// authoritative policy source could not be reached and the local default
// bound is in effect.
type ConcurrencyPolicy struct {
	Enabled bool `json:"enabled"`
	MaxRuns int  `json:"max_runs"`
}
