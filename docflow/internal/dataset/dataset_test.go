package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/docflow/document"
)

type mapSource map[string]*Stored

func (m mapSource) GetDataset(ctx context.Context, name string) (*Stored, error) {
	return m[name], nil
}

func (m mapSource) ListDatasets(ctx context.Context) ([]*Stored, error) {
	var out []*Stored
	for _, s := range m {
		out = append(out, s)
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }

func TestResolveFillsDefaults(t *testing.T) {
	src := mapSource{
		"invoices": {
			Name:          "invoices",
			ModelPrompt:   "Extract invoice fields.",
			ExampleSchema: json.RawMessage(`{"vendor":""}`),
		},
	}
	r := NewResolver(src, "azure", 10)

	cfg, err := r.Resolve(context.Background(), "invoices", document.Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPagesPerChunk != 10 {
		t.Errorf("chunk size default: got %d, want 10", cfg.MaxPagesPerChunk)
	}
	if !cfg.Options.IncludeOCR || !cfg.Options.IncludeImages || !cfg.Options.EnableSummary || !cfg.Options.EnableEvaluation {
		t.Errorf("absent options must default true: %+v", cfg.Options)
	}
	if cfg.Options.OCRProvider != "azure" {
		t.Errorf("provider default: got %q", cfg.Options.OCRProvider)
	}
}

func TestResolveUnknownDataset(t *testing.T) {
	r := NewResolver(mapSource{}, "azure", 10)
	_, err := r.Resolve(context.Background(), "nope", document.Overrides{})
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("got %v, want ErrUnknown", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("ErrUnknown must belong to the configuration error family")
	}
}

func TestResolveRejectsNoInputs(t *testing.T) {
	// WHAT: include_ocr=false plus include_images=false is invalid, and
	// fails at the resolver boundary before any external call.
	// WHY: Extraction needs at least one input channel; catching it here
	// keeps the invalid combination out of the pipeline entirely.
	src := mapSource{
		"bad": {
			Name: "bad",
			Options: document.Overrides{
				IncludeOCR:    boolPtr(false),
				IncludeImages: boolPtr(false),
			},
		},
	}
	r := NewResolver(src, "azure", 10)
	_, err := r.Resolve(context.Background(), "bad", document.Overrides{})
	if !errors.Is(err, ErrNoInputs) {
		t.Fatalf("got %v, want ErrNoInputs", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("ErrNoInputs must belong to the configuration error family")
	}
}

func TestResolveRequestOverridesWin(t *testing.T) {
	src := mapSource{
		"invoices": {
			Name:    "invoices",
			Options: document.Overrides{EnableSummary: boolPtr(false), OCRProvider: "azure"},
		},
	}
	r := NewResolver(src, "azure", 10)

	cfg, err := r.Resolve(context.Background(), "invoices", document.Overrides{
		EnableSummary: boolPtr(true),
		OCRProvider:   "tesseract",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Options.EnableSummary {
		t.Error("request override must beat stored option")
	}
	if cfg.Options.OCRProvider != "tesseract" {
		t.Errorf("provider override: got %q", cfg.Options.OCRProvider)
	}
}

func TestResolveOverrideCanDisableBothInputs(t *testing.T) {
	src := mapSource{"invoices": {Name: "invoices"}}
	r := NewResolver(src, "azure", 10)

	_, err := r.Resolve(context.Background(), "invoices", document.Overrides{
		IncludeOCR:    boolPtr(false),
		IncludeImages: boolPtr(false),
	})
	if !errors.Is(err, ErrNoInputs) {
		t.Fatalf("got %v, want ErrNoInputs", err)
	}
}

func TestResolveStoredChunkSizeKept(t *testing.T) {
	src := mapSource{"big": {Name: "big", MaxPagesPerChunk: 25}}
	r := NewResolver(src, "azure", 10)
	cfg, err := r.Resolve(context.Background(), "big", document.Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPagesPerChunk != 25 {
		t.Errorf("got %d, want stored 25", cfg.MaxPagesPerChunk)
	}
}
