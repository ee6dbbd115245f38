// Package dataset resolves a dataset name to its fully-defaulted
// processing configuration: prompt, schema, chunk size, and options.
//
// Resolution is a pure read. Option validation happens exactly once, here,
// so the pipeline never re-checks option combinations mid-run, and a run
// holds one immutable DatasetConfig for its whole lifetime.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/docflow/document"
)

// ErrConfiguration is the root of the configuration error family. Both
// unknown datasets and invalid option combinations abort before any
// external call is made.
var ErrConfiguration = errors.New("dataset: configuration error")

// ErrUnknown reports a dataset name with no stored configuration.
var ErrUnknown = fmt.Errorf("%w: unknown dataset", ErrConfiguration)

// ErrNoInputs reports the invalid combination include_ocr=false with
// include_images=false: extraction needs at least one input channel.
var ErrNoInputs = fmt.Errorf("%w: both OCR and image input disabled", ErrConfiguration)

// Stored is a dataset configuration as persisted: options loosely
// specified, chunk size possibly absent.
type Stored struct {
	Name             string             `json:"name" yaml:"name"`
	ModelPrompt      string             `json:"model_prompt" yaml:"model_prompt"`
	ExampleSchema    json.RawMessage    `json:"example_schema" yaml:"-"`
	MaxPagesPerChunk int                `json:"max_pages_per_chunk" yaml:"max_pages_per_chunk"`
	Options          document.Overrides `json:"processing_options" yaml:"processing_options"`
}

// Source looks up stored dataset configurations. Returns nil, nil when the
// dataset is unknown.
type Source interface {
	GetDataset(ctx context.Context, name string) (*Stored, error)
	ListDatasets(ctx context.Context) ([]*Stored, error)
}

// Resolver turns dataset names into immutable DatasetConfigs.
type Resolver struct {
	source          Source
	primaryProvider string
	defaultChunk    int
}

// NewResolver creates a Resolver. primaryProvider is the OCR provider used
// when a dataset names none; defaultChunk is the chunk size used when a
// dataset stores none.
func NewResolver(source Source, primaryProvider string, defaultChunk int) *Resolver {
	if defaultChunk < 1 {
		defaultChunk = 10
	}
	return &Resolver{
		source:          source,
		primaryProvider: primaryProvider,
		defaultChunk:    defaultChunk,
	}
}

// Resolve returns the fully-defaulted configuration for name, with
// request-level overrides layered on top of the stored options. The result
// is a value, never shared: a run cannot observe a mid-flight change.
func (r *Resolver) Resolve(ctx context.Context, name string, overrides document.Overrides) (document.DatasetConfig, error) {
	stored, err := r.source.GetDataset(ctx, name)
	if err != nil {
		return document.DatasetConfig{}, fmt.Errorf("resolve dataset %q: %w", name, err)
	}
	if stored == nil {
		return document.DatasetConfig{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}

	opts := stored.Options.Merge(overrides).Fill(r.primaryProvider)
	if !opts.IncludeOCR && !opts.IncludeImages {
		return document.DatasetConfig{}, fmt.Errorf("dataset %q: %w", name, ErrNoInputs)
	}

	chunkSize := stored.MaxPagesPerChunk
	if chunkSize < 1 {
		chunkSize = r.defaultChunk
	}

	return document.DatasetConfig{
		Name:             stored.Name,
		ModelPrompt:      stored.ModelPrompt,
		ExampleSchema:    stored.ExampleSchema,
		MaxPagesPerChunk: chunkSize,
		Options:          opts,
	}, nil
}

// List returns the resolved configuration of every stored dataset.
func (r *Resolver) List(ctx context.Context) ([]document.DatasetConfig, error) {
	stored, err := r.source.ListDatasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	out := make([]document.DatasetConfig, 0, len(stored))
	for _, s := range stored {
		cfg, err := r.Resolve(ctx, s.Name, document.Overrides{})
		if err != nil {
			// A stored config with an invalid option combination is
			// still listable; it fails at run time with the same error.
			if errors.Is(err, ErrConfiguration) {
				cfg = document.DatasetConfig{
					Name:             s.Name,
					ModelPrompt:      s.ModelPrompt,
					ExampleSchema:    s.ExampleSchema,
					MaxPagesPerChunk: s.MaxPagesPerChunk,
					Options:          s.Options.Fill(r.primaryProvider),
				}
			} else {
				return nil, err
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}
