package document

import (
	"encoding/json"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestNewStateInitializesAllStages(t *testing.T) {
	// WHAT: NewState pre-populates every stage entry.
	// WHY: Stage fields must exist before any skip/execute branch runs,
	// so a stage outcome is never read before it was written.
	s := NewState()
	if len(s) != len(StageOrder) {
		t.Fatalf("got %d stages, want %d", len(s), len(StageOrder))
	}
	for _, st := range StageOrder {
		state, ok := s[st]
		if !ok {
			t.Errorf("stage %s missing", st)
		}
		if state.Completed || state.DurationSeconds != 0 || state.Error != "" {
			t.Errorf("stage %s not zero-initialized: %+v", st, state)
		}
	}
}

func TestNewDocumentLandsFile(t *testing.T) {
	d := New("doc-1", "invoices", Properties{PageCount: 3}, Overrides{}.Fill("azure"))
	if !d.State[StageFileLanded].Completed {
		t.Error("file_landed must be true on ingestion")
	}
	for _, st := range StageOrder[1:] {
		if d.State[st].Completed {
			t.Errorf("stage %s must start incomplete", st)
		}
	}
	if d.Status() != StatusProcessing {
		t.Errorf("status: got %s, want processing", d.Status())
	}
}

func TestOverridesFillDefaults(t *testing.T) {
	opts := Overrides{}.Fill("azure")
	if !opts.IncludeOCR || !opts.IncludeImages || !opts.EnableSummary || !opts.EnableEvaluation {
		t.Errorf("absent options must default to true: %+v", opts)
	}
	if opts.OCRProvider != "azure" {
		t.Errorf("provider: got %q, want azure", opts.OCRProvider)
	}
}

func TestOverridesFillExplicitFalse(t *testing.T) {
	o := Overrides{
		IncludeOCR:    boolPtr(false),
		EnableSummary: boolPtr(false),
		OCRProvider:   "tesseract",
	}
	opts := o.Fill("azure")
	if opts.IncludeOCR {
		t.Error("explicit false must survive fill")
	}
	if opts.EnableSummary {
		t.Error("explicit false must survive fill")
	}
	if !opts.IncludeImages {
		t.Error("untouched option must stay default true")
	}
	if opts.OCRProvider != "tesseract" {
		t.Errorf("provider: got %q, want tesseract", opts.OCRProvider)
	}
}

func TestOverridesMergeLayering(t *testing.T) {
	base := Overrides{EnableSummary: boolPtr(false), OCRProvider: "azure"}
	req := Overrides{EnableSummary: boolPtr(true), IncludeImages: boolPtr(false)}
	merged := base.Merge(req)

	if merged.EnableSummary == nil || !*merged.EnableSummary {
		t.Error("request override must win over dataset default")
	}
	if merged.IncludeImages == nil || *merged.IncludeImages {
		t.Error("request-only override must carry through")
	}
	if merged.OCRProvider != "azure" {
		t.Errorf("untouched provider must persist: got %q", merged.OCRProvider)
	}
}

func TestOverridesJSONAbsentVersusFalse(t *testing.T) {
	// WHAT: JSON with an absent flag fills to true; explicit false stays false.
	// WHY: The stored configuration is loosely specified; absence means
	// "default", not "disabled".
	var o Overrides
	if err := json.Unmarshal([]byte(`{"include_images": false}`), &o); err != nil {
		t.Fatal(err)
	}
	opts := o.Fill("azure")
	if opts.IncludeImages {
		t.Error("explicit false lost in unmarshal")
	}
	if !opts.IncludeOCR {
		t.Error("absent flag must default true")
	}
}

func TestStatusDerivation(t *testing.T) {
	d := New("doc-1", "invoices", Properties{}, Overrides{}.Fill("azure"))

	if d.Status() != StatusProcessing {
		t.Fatalf("fresh document: got %s, want processing", d.Status())
	}

	d.SetStage(StageCompleted, StageState{Completed: true})
	if d.Status() != StatusCompleted {
		t.Fatalf("after final flag: got %s, want completed", d.Status())
	}

	d.RecordFailure(StageSummary, 1.2, "summary call failed")
	if d.Status() != StatusFailed {
		t.Fatalf("non-empty errors: got %s, want failed", d.Status())
	}
}

func TestResetForReprocess(t *testing.T) {
	// WHAT: Reprocess resets all flags except file_landed and clears errors.
	// WHY: Reprocessing restarts the state machine from OCR; the reset is
	// the only allowed true→false transition.
	d := New("doc-1", "invoices", Properties{}, Overrides{}.Fill("azure"))
	d.SetStage(StageOCR, StageState{Completed: true, DurationSeconds: 2.5})
	d.SetStage(StageExtraction, StageState{Completed: true, DurationSeconds: 4.0})
	d.RecordFailure(StageEvaluation, 0.3, "evaluation failed")
	d.Extracted.OCROutput = "page text"

	d.ResetForReprocess()

	if !d.State[StageFileLanded].Completed {
		t.Error("file_landed must survive reprocess")
	}
	for _, st := range StageOrder[1:] {
		if d.State[st].Completed {
			t.Errorf("stage %s must be reset", st)
		}
	}
	if len(d.Errors) != 0 {
		t.Errorf("errors must be cleared, got %v", d.Errors)
	}
	if d.Extracted.OCROutput != "page text" {
		t.Error("prior extracted data is retained until the rerun overwrites it")
	}
	if d.Status() != StatusProcessing {
		t.Errorf("status after reset: got %s, want processing", d.Status())
	}
}

func TestRecordFailureAppends(t *testing.T) {
	d := New("doc-1", "invoices", Properties{}, Overrides{}.Fill("azure"))
	d.RecordFailure(StageOCR, 1.0, "ocr: chunk 2: provider timeout")

	st := d.State[StageOCR]
	if st.Completed {
		t.Error("failed stage must not be completed")
	}
	if st.Error == "" {
		t.Error("stage error must be recorded")
	}
	if len(d.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(d.Errors))
	}
}
