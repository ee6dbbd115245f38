package docflow

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docflow/document"
	"github.com/hazyhaar/docflow/kit"
)

// RegisterMCP registers docflow tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerProcessTool(srv)
	s.registerGetDocumentTool(srv)
	s.registerListDocumentsTool(srv)
	s.registerReprocessTool(srv)
	s.registerSubmitCorrectionTool(srv)
	s.registerCorrectionsTool(srv)
	s.registerConcurrencyTools(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- process ---

type processReq struct {
	DocumentID string `json:"document_id"`
}

func (s *Service) registerProcessTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_process",
		Description: "Queue a pipeline run for an existing document.",
		InputSchema: inputSchema(map[string]any{
			"document_id": map[string]any{"type": "string"},
		}, []string{"document_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*processReq)
		if err := s.Process(ctx, r.DocumentID); err != nil {
			return nil, err
		}
		return map[string]string{"document_id": r.DocumentID, "status": "queued"}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[processReq])
}

// --- get document ---

func (s *Service) registerGetDocumentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_get_document",
		Description: "Fetch one document: stage state, extracted data, errors, derived status.",
		InputSchema: inputSchema(map[string]any{
			"document_id": map[string]any{"type": "string"},
		}, []string{"document_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*processReq)
		doc, err := s.GetDocument(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		return viewOf(doc), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[processReq])
}

// --- list documents ---

type listReq struct {
	Dataset string `json:"dataset"`
	Status  string `json:"status"`
	Limit   int    `json:"limit"`
}

func (s *Service) registerListDocumentsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_list_documents",
		Description: "List documents, optionally filtered by dataset or status (processing, completed, failed).",
		InputSchema: inputSchema(map[string]any{
			"dataset": map[string]any{"type": "string"},
			"status":  map[string]any{"type": "string", "enum": []string{"processing", "completed", "failed"}},
			"limit":   map[string]any{"type": "integer"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listReq)
		limit := r.Limit
		if limit < 1 {
			limit = 100
		}
		docs, err := s.ListDocuments(ctx, ListFilter{
			Dataset: r.Dataset,
			Status:  document.Status(r.Status),
			Limit:   limit,
		})
		if err != nil {
			return nil, err
		}
		views := make([]documentView, 0, len(docs))
		for _, d := range docs {
			views = append(views, viewOf(d))
		}
		return map[string]any{"documents": views, "count": len(views)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[listReq])
}

// --- reprocess ---

func (s *Service) registerReprocessTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_reprocess",
		Description: "Reset a document's pipeline state and queue a fresh run. Corrections are kept.",
		InputSchema: inputSchema(map[string]any{
			"document_id": map[string]any{"type": "string"},
		}, []string{"document_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*processReq)
		doc, err := s.Reprocess(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		return viewOf(doc), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[processReq])
}

// --- corrections ---

type correctionReq struct {
	DocumentID    string          `json:"document_id"`
	CorrectorID   string          `json:"corrector_id"`
	Notes         string          `json:"notes"`
	CorrectedData json.RawMessage `json:"corrected_data"`
}

func (s *Service) registerSubmitCorrectionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_submit_correction",
		Description: "Append a human correction to a document's extraction ledger.",
		InputSchema: inputSchema(map[string]any{
			"document_id":    map[string]any{"type": "string"},
			"corrector_id":   map[string]any{"type": "string"},
			"notes":          map[string]any{"type": "string"},
			"corrected_data": map[string]any{"type": "object"},
		}, []string{"document_id", "corrector_id", "corrected_data"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*correctionReq)
		ctx = kit.WithActor(ctx, r.CorrectorID)
		return s.SubmitCorrection(ctx, CorrectionRequest{
			DocumentID:    r.DocumentID,
			CorrectorID:   r.CorrectorID,
			Notes:         r.Notes,
			CorrectedData: r.CorrectedData,
		})
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[correctionReq])
}

func (s *Service) registerCorrectionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docflow_corrections",
		Description: "Full correction history for a document, oldest first.",
		InputSchema: inputSchema(map[string]any{
			"document_id": map[string]any{"type": "string"},
		}, []string{"document_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*processReq)
		hist, err := s.Corrections(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"corrections": hist, "count": len(hist)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[processReq])
}

// --- concurrency ---

type concurrencyReq struct {
	MaxRuns int `json:"max_runs"`
}

func (s *Service) registerConcurrencyTools(srv *mcp.Server) {
	get := &mcp.Tool{
		Name:        "docflow_concurrency_get",
		Description: "Current admission policy and in-flight run count.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, get, func(ctx context.Context, req any) (any, error) {
		return s.Concurrency(), nil
	}, decodeInto[struct{}])

	set := &mcp.Tool{
		Name:        "docflow_concurrency_set",
		Description: "Update the maximum number of simultaneous pipeline runs. Takes effect without evicting in-flight runs.",
		InputSchema: inputSchema(map[string]any{
			"max_runs": map[string]any{"type": "integer", "minimum": 1},
		}, []string{"max_runs"}),
	}
	kit.RegisterMCPTool(srv, set, func(ctx context.Context, req any) (any, error) {
		r := req.(*concurrencyReq)
		return s.SetConcurrency(ctx, r.MaxRuns)
	}, decodeInto[concurrencyReq])
}
