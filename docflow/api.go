package docflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/docflow/docflow/internal/dataset"
	"github.com/hazyhaar/docflow/document"
)

// RegisterHTTP registers all docflow endpoints on the router. A non-nil
// admin middleware guards the destructive and policy-mutating endpoints.
func (s *Service) RegisterHTTP(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Post("/api/documents", s.handleIngest)
	r.Get("/api/documents", s.handleList)
	r.Get("/api/documents/{id}", s.handleGet)
	r.Post("/api/documents/{id}/reprocess", s.handleReprocess)
	r.Get("/api/documents/{id}/extraction", s.handleExtraction)
	r.Patch("/api/documents/{id}/corrections", s.handleSubmitCorrection)
	r.Get("/api/documents/{id}/corrections", s.handleCorrections)
	r.Post("/api/process", s.handleProcess)
	r.Get("/api/concurrency", s.handleConcurrencyGet)
	r.Get("/api/datasets", s.handleDatasets)
	r.Get("/api/datasets/{name}", s.handleDataset)
	r.Get("/health", s.handleHealth)

	r.Group(func(g chi.Router) {
		if admin != nil {
			g.Use(admin)
		}
		g.Delete("/api/documents/{id}", s.handleDelete)
		g.Put("/api/concurrency", s.handleConcurrencySet)
	})
}

// documentView is the wire shape of a document: the stored fields plus the
// derived status.
type documentView struct {
	*document.Document
	Status document.Status `json:"status"`
}

func viewOf(doc *document.Document) documentView {
	return documentView{Document: doc, Status: doc.Status()}
}

// handleIngest accepts either a multipart PDF upload (file + dataset
// fields) or a JSON body with pre-counted pages for files landed out of
// band.
func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		ingestReq, err := s.decodeMultipartIngest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req = *ingestReq
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, errors.New("dataset is required"))
		return
	}
	if req.Properties.IngestedAt.IsZero() {
		req.Properties.IngestedAt = time.Now().UTC()
	}

	doc, err := s.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(doc))
}

func (s *Service) decodeMultipartIngest(r *http.Request) (*IngestRequest, error) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("file field: %w", err)
	}
	defer f.Close()

	pdfCtx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	req := IngestRequest{
		Dataset: r.FormValue("dataset"),
		Properties: document.Properties{
			BlobName:  hdr.Filename,
			BlobSize:  hdr.Size,
			PageCount: pdfCtx.PageCount,
		},
	}
	if raw := r.FormValue("processing_options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			return nil, fmt.Errorf("processing_options: %w", err)
		}
	}
	return &req, nil
}

// handleProcess queues a run. Either document_id names an existing
// document, or blob_ref plus dataset lands a new one by reference (the
// blob was put in place out of band, page count already known).
func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string             `json:"document_id"`
		BlobRef    string             `json:"blob_ref"`
		Dataset    string             `json:"dataset"`
		PageCount  int                `json:"page_count"`
		Options    document.Overrides `json:"processing_options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	if req.DocumentID == "" {
		if req.BlobRef == "" {
			writeError(w, http.StatusBadRequest, errors.New("document_id or blob_ref is required"))
			return
		}
		doc, err := s.Ingest(r.Context(), IngestRequest{
			Dataset: req.Dataset,
			Properties: document.Properties{
				BlobName:   req.BlobRef,
				PageCount:  req.PageCount,
				IngestedAt: time.Now().UTC(),
			},
			Options: req.Options,
		})
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"document_id": doc.ID, "status": "queued"})
		return
	}

	if err := s.Process(r.Context(), req.DocumentID); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": req.DocumentID, "status": "queued"})
}

func (s *Service) handleReprocess(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(doc))
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	f := ListFilter{
		Dataset: r.URL.Query().Get("dataset"),
		Status:  document.Status(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	}
	docs, err := s.ListDocuments(r.Context(), f)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, viewOf(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": views, "count": len(views)})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Service) handleExtraction(w http.ResponseWriter, r *http.Request) {
	data, err := s.Extraction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extraction": data})
}

func (s *Service) handleSubmitCorrection(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	req.DocumentID = chi.URLParam(r, "id")
	if req.CorrectorID == "" {
		writeError(w, http.StatusBadRequest, errors.New("corrector_id is required"))
		return
	}
	if len(req.CorrectedData) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("corrected_data is required"))
		return
	}
	c, err := s.SubmitCorrection(r.Context(), req)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Service) handleCorrections(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Corrections(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	if hist == nil {
		hist = []document.Correction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": hist, "count": len(hist)})
}

func (s *Service) handleConcurrencyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Concurrency())
}

func (s *Service) handleConcurrencySet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRuns int `json:"max_runs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	status, err := s.SetConcurrency(r.Context(), req.MaxRuns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleDatasets(w http.ResponseWriter, r *http.Request) {
	configs, err := s.Datasets(r.Context())
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": configs, "count": len(configs)})
}

func (s *Service) handleDataset(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Dataset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.QueueDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": depth,
		"concurrency": s.Concurrency(),
	})
}

// errStatus maps service errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, document.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, document.ErrNoExtraction):
		return http.StatusConflict
	case errors.Is(err, dataset.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
