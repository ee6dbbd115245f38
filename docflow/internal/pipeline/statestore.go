package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hazyhaar/docflow/document"
)

// StateStore is the durable home of document state. The orchestrator never
// assumes which implementation it talks to: the SQLite store in production,
// MemoryStore in tests.
type StateStore interface {
	// Get returns the document or document.ErrNotFound.
	Get(ctx context.Context, id string) (*document.Document, error)
	// Put upserts the whole document.
	Put(ctx context.Context, doc *document.Document) error
	// Delete removes the document. Deletion is an external operation;
	// the pipeline itself never deletes.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory StateStore. Documents are deep-copied on the
// way in and out so callers never alias stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*document.Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*document.Document)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("memory store: get %q: %w", id, document.ErrNotFound)
	}
	return cloneDocument(doc)
}

func (m *MemoryStore) Put(ctx context.Context, doc *document.Document) error {
	clone, err := cloneDocument(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[doc.ID] = clone
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("memory store: delete %q: %w", id, document.ErrNotFound)
	}
	delete(m.docs, id)
	return nil
}

// List returns all stored documents ordered by ID, for test assertions.
func (m *MemoryStore) List(ctx context.Context) ([]*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*document.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		clone, err := cloneDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// cloneDocument deep-copies via JSON: slow but alias-proof, and documents
// are JSON-shaped anyway.
func cloneDocument(doc *document.Document) (*document.Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memory store: clone: %w", err)
	}
	var clone document.Document
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("memory store: clone: %w", err)
	}
	return &clone, nil
}
