// CLAUDE:SUMMARY Main docflow Service: ingest, run queue dispatch under
// admission control, document lifecycle, corrections, concurrency policy.
package docflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/docflow/docflow/internal/admission"
	"github.com/hazyhaar/docflow/docflow/internal/aicall"
	"github.com/hazyhaar/docflow/docflow/internal/chunk"
	"github.com/hazyhaar/docflow/docflow/internal/dataset"
	"github.com/hazyhaar/docflow/docflow/internal/pipeline"
	"github.com/hazyhaar/docflow/docflow/internal/store"
	"github.com/hazyhaar/docflow/document"
	"github.com/hazyhaar/docflow/idgen"
	"github.com/hazyhaar/docflow/kit"
	"github.com/hazyhaar/docflow/runq"
)

// Service is the docflow orchestrator: every transport (HTTP, MCP, queue
// consumer) goes through its methods.
type Service struct {
	store     *store.Store
	resolver  *dataset.Resolver
	orch      *pipeline.Orchestrator
	admission *admission.Controller
	queue     *runq.Q
	config    *Config
	logger    *slog.Logger
	newID     idgen.Generator
	runID     idgen.Generator
}

// New opens the database at cfg.DBPath and wires a Service talking to the
// model gateway from cfg.Gateway. The caller is expected to run Start for
// queue consumption; New itself never spawns goroutines. Close releases
// the database when the service is done.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	caller := aicall.NewHTTPCaller(cfg.Gateway.Endpoint, cfg.Gateway.Token)
	svc, err := newService(ctx, st, caller, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return svc, nil
}

// Close releases the underlying database handle.
func (s *Service) Close() error { return s.store.Close() }

// newService wires a Service over an opened store and caller. Tests inject
// in-memory stores and scripted callers here.
func newService(ctx context.Context, st *store.Store, caller aicall.Caller, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	for i := range cfg.Datasets {
		if err := st.Datasets.PutDataset(ctx, &cfg.Datasets[i]); err != nil {
			return nil, fmt.Errorf("seed dataset: %w", err)
		}
	}
	if err := st.Policy.Seed(ctx, cfg.MaxConcurrentRuns); err != nil {
		return nil, err
	}

	resolver := dataset.NewResolver(st.Datasets, cfg.PrimaryOCRProvider, cfg.DefaultChunkPages)
	exec := aicall.NewExecutor(caller, aicall.Options{
		CallTimeout: cfg.Gateway.CallTimeout,
		MaxRetries:  cfg.Gateway.MaxRetries,
		BaseBackoff: cfg.Gateway.BaseBackoff,
		Logger:      logger,
	})
	orch := pipeline.New(st.Documents, resolver, exec, pipeline.Options{
		ChunkParallelism: cfg.ChunkParallelism,
		RunLog:           st.RunLog,
		Logger:           logger,
	})
	ctrl := admission.New(ctx, st.Policy, cfg.MaxConcurrentRuns, logger)

	q := runq.New(st.DB, runq.Options{
		Queue:        "runs",
		Visibility:   cfg.Queue.Visibility,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Logger:       logger,
	})
	if err := q.EnsureTable(ctx); err != nil {
		return nil, err
	}

	return &Service{
		store:     st,
		resolver:  resolver,
		orch:      orch,
		admission: ctrl,
		queue:     q,
		config:    cfg,
		logger:    logger,
		newID:     idgen.Prefixed("doc_", idgen.UUIDv7()),
		runID:     idgen.Prefixed("run_", idgen.UUIDv7()),
	}, nil
}

// Start runs the queue consumer until ctx is cancelled. In-flight runs are
// drained before it returns. The worker pool is sized from the claim batch;
// the admission controller alone bounds concurrent runs, so a raised bound
// takes effect without a restart.
func (s *Service) Start(ctx context.Context) {
	s.queue.RunBatch(ctx, s.config.Queue.BatchSize, s.config.Queue.BatchSize, s.handleRunJob)
}

// runJob is the queue payload: one pipeline run for one document.
type runJob struct {
	DocumentID string `json:"document_id"`
}

func (s *Service) handleRunJob(ctx context.Context, job *runq.Job) error {
	var rj runJob
	if err := json.Unmarshal(job.Payload, &rj); err != nil {
		s.logger.Error("run job: bad payload, discarding", "job_id", job.ID, "error", err)
		return nil
	}

	if err := s.admission.Acquire(ctx); err != nil {
		// Context gone before a slot opened: leave the job for redelivery.
		return err
	}
	defer s.admission.Release()

	err := s.orch.Run(ctx, rj.DocumentID)
	if err == nil {
		return nil
	}
	if runFailureIsFinal(err) {
		// The failure is recorded on the document; redelivering the job
		// would only repeat it.
		s.logger.Warn("run failed", "document_id", rj.DocumentID, "error", err)
		return nil
	}
	return err
}

// runFailureIsFinal reports whether a run error is already captured in
// document state, as opposed to an infrastructure error worth a retry.
func runFailureIsFinal(err error) bool {
	var ce *aicall.CallError
	var me *chunk.MergeError
	return errors.As(err, &ce) ||
		errors.As(err, &me) ||
		errors.Is(err, dataset.ErrConfiguration) ||
		errors.Is(err, document.ErrNotFound) ||
		errors.Is(err, document.ErrAlreadyProcessing)
}

// IngestRequest describes a new document.
type IngestRequest struct {
	Dataset    string              `json:"dataset"`
	Properties document.Properties `json:"properties"`
	Options    document.Overrides  `json:"processing_options"`
}

// Ingest validates the dataset configuration, persists a new document with
// file_landed set, and enqueues its first run.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*document.Document, error) {
	if req.Properties.PageCount < 1 {
		return nil, fmt.Errorf("%w: page count %d", dataset.ErrConfiguration, req.Properties.PageCount)
	}
	cfg, err := s.resolver.Resolve(ctx, req.Dataset, req.Options)
	if err != nil {
		return nil, err
	}

	doc := document.New(s.newID(), req.Dataset, req.Properties, cfg.Options)
	if err := s.store.Documents.Put(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.enqueueRun(ctx, doc.ID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "document ingested",
		"document_id", doc.ID, "dataset", doc.Dataset, "pages", doc.Properties.PageCount)
	return doc, nil
}

// Process enqueues a run for an existing document. Rejected while a run is
// already in flight.
func (s *Service) Process(ctx context.Context, id string) error {
	if err := s.orch.Reserve(id); err != nil {
		return err
	}
	defer s.orch.Release(id)
	if _, err := s.store.Documents.Get(ctx, id); err != nil {
		return err
	}
	return s.enqueueRun(ctx, id)
}

// Reprocess resets all stage flags back to file_landed and enqueues a new
// run. Prior corrections are untouched. Rejected while a run is in flight.
// The document's run slot is held across the reset so a consumer claiming
// a pending job cannot interleave stage writes with it.
func (s *Service) Reprocess(ctx context.Context, id string) (*document.Document, error) {
	if err := s.orch.Reserve(id); err != nil {
		return nil, err
	}
	defer s.orch.Release(id)

	doc, err := s.store.Documents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.ResetForReprocess()
	if err := s.store.Documents.Put(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.enqueueRun(ctx, id); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "document reprocess queued", "document_id", id)
	return doc, nil
}

func (s *Service) enqueueRun(ctx context.Context, docID string) error {
	payload, _ := json.Marshal(runJob{DocumentID: docID})
	return s.queue.Publish(ctx, s.runID(), payload)
}

// GetDocument returns one document with its derived status.
func (s *Service) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	return s.store.Documents.Get(ctx, id)
}

// ListFilter narrows a document listing. Zero values mean no filter.
type ListFilter struct {
	Dataset string
	Status  document.Status
	Limit   int
	Offset  int
}

// ListDocuments lists documents, optionally filtered.
func (s *Service) ListDocuments(ctx context.Context, f ListFilter) ([]*document.Document, error) {
	return s.store.Documents.List(ctx, store.ListFilter{
		Dataset: f.Dataset,
		Status:  f.Status,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

// DeleteDocument removes a document and its correction ledger.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if err := s.orch.Reserve(id); err != nil {
		return err
	}
	defer s.orch.Release(id)
	if err := s.store.Documents.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "document deleted", "document_id", id)
	return nil
}

// CorrectionRequest is one human amendment to extracted data.
type CorrectionRequest struct {
	DocumentID    string          `json:"document_id"`
	CorrectorID   string          `json:"corrector_id"`
	Notes         string          `json:"notes"`
	CorrectedData json.RawMessage `json:"corrected_data"`
}

// SubmitCorrection appends to the document's correction ledger and returns
// the new entry.
func (s *Service) SubmitCorrection(ctx context.Context, req CorrectionRequest) (document.Correction, error) {
	if req.CorrectorID == "" {
		return document.Correction{}, errors.New("corrector_id is required")
	}
	c, err := s.store.Corrections.Submit(ctx, req.DocumentID, req.CorrectorID, req.Notes, req.CorrectedData)
	if err != nil {
		return document.Correction{}, err
	}
	s.logger.InfoContext(ctx, "correction recorded",
		"document_id", c.DocumentID, "correction_number", c.Number,
		"corrector_id", c.CorrectorID, "transport", kit.GetTransport(ctx))
	return c, nil
}

// Corrections returns the full ledger for a document, oldest first.
func (s *Service) Corrections(ctx context.Context, docID string) ([]document.Correction, error) {
	if _, err := s.store.Documents.Get(ctx, docID); err != nil {
		return nil, err
	}
	return s.store.Corrections.History(ctx, docID)
}

// Extraction returns the current authoritative extraction value: the latest
// correction when any exist, the pipeline output otherwise.
func (s *Service) Extraction(ctx context.Context, docID string) (json.RawMessage, error) {
	return s.store.Corrections.Authoritative(ctx, docID)
}

// ConcurrencyStatus is the admission policy plus live occupancy.
type ConcurrencyStatus struct {
	document.ConcurrencyPolicy
	InFlight int `json:"in_flight"`
}

// Concurrency reports the effective admission policy.
func (s *Service) Concurrency() ConcurrencyStatus {
	return ConcurrencyStatus{
		ConcurrencyPolicy: s.admission.Policy(),
		InFlight:          s.admission.InFlight(),
	}
}

// SetConcurrency updates the run bound. The new bound applies to future
// admissions immediately; in-flight runs are never evicted.
func (s *Service) SetConcurrency(ctx context.Context, maxRuns int) (ConcurrencyStatus, error) {
	if err := s.admission.SetMaxRuns(ctx, maxRuns); err != nil {
		return ConcurrencyStatus{}, err
	}
	s.logger.InfoContext(ctx, "concurrency bound updated", "max_runs", maxRuns)
	return s.Concurrency(), nil
}

// Datasets lists the resolved configuration of every stored dataset.
func (s *Service) Datasets(ctx context.Context) ([]document.DatasetConfig, error) {
	return s.resolver.List(ctx)
}

// Dataset resolves one dataset configuration.
func (s *Service) Dataset(ctx context.Context, name string) (document.DatasetConfig, error) {
	return s.resolver.Resolve(ctx, name, document.Overrides{})
}

// QueueDepth reports pending run jobs, for health reporting.
func (s *Service) QueueDepth(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}
