// CLAUDE:SUMMARY Sentinel errors shared across the document pipeline: not found, already processing.
package document

import "errors"

// ErrNotFound is returned when a document, dataset, or extraction lookup
// finds nothing.
var ErrNotFound = errors.New("document: not found")

// ErrAlreadyProcessing is returned when a run is requested for a document
// that already holds an in-flight run. Requests are rejected, never
// superseded, so at most one run per document exists at any time.
var ErrAlreadyProcessing = errors.New("document: already processing")

// ErrNoExtraction is returned when a correction is submitted for a document
// that has no extraction output yet. Corrections always amend an existing
// authoritative value.
var ErrNoExtraction = errors.New("document: no extraction output")
