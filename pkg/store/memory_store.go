package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"notesmith/pkg/domain"
)

// MemoryStore keeps everything in-process. It mirrors GormStore semantics
// closely enough for pipeline and server tests.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
	generated map[string]map[domain.ContentType]domain.GeneratedContent // documentID -> type -> content
	chunks    map[string][]domain.Chunk                                 // documentID -> chunks
	logs      map[string][]domain.LogEntry                              // documentID -> entries
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]domain.Document),
		generated: make(map[string]map[domain.ContentType]domain.GeneratedContent),
		chunks:    make(map[string][]domain.Chunk),
		logs:      make(map[string][]domain.LogEntry),
	}
}

// CreateDocument stores a new document record.
func (m *MemoryStore) CreateDocument(doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	doc.Generated = nil
	m.documents[doc.ID] = doc
	return nil
}

// GetDocument retrieves a document with its generated content.
func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	doc.Generated = m.generatedLocked(id)
	return doc, true, nil
}

// ListDocumentsByOwner returns the owner's documents, newest upload first.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for id, doc := range m.documents {
		if doc.OwnerID != ownerID {
			continue
		}
		doc.Generated = m.generatedLocked(id)
		res = append(res, doc)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) generatedLocked(documentID string) []domain.GeneratedContent {
	byType := m.generated[documentID]
	if len(byType) == 0 {
		return nil
	}
	out := make([]domain.GeneratedContent, 0, len(byType))
	for _, content := range byType {
		out = append(out, content)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetStatus updates status and error message, refusing to pull a terminal
// document back into processing.
func (m *MemoryStore) SetStatus(id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil
	}
	if status == domain.StatusProcessing && doc.Status.Terminal() {
		return nil
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	doc.UpdatedAt = time.Now().UTC()
	m.documents[id] = doc
	return nil
}

// CompleteDocument transitions processing -> completed and writes notes
// under the same lock so readers see both or neither.
func (m *MemoryStore) CompleteDocument(id string, notes *domain.GeneratedContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok || doc.Status != domain.StatusProcessing {
		return nil
	}
	doc.Status = domain.StatusCompleted
	doc.ErrorMessage = ""
	doc.UpdatedAt = time.Now().UTC()
	m.documents[id] = doc
	if notes != nil {
		m.upsertLocked(*notes)
	}
	return nil
}

// DeleteDocument removes the document and everything it owns.
func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	delete(m.generated, id)
	delete(m.chunks, id)
	delete(m.logs, id)
	return nil
}

// GetGeneratedContent returns the artifact for (document, contentType).
func (m *MemoryStore) GetGeneratedContent(documentID string, contentType domain.ContentType) (domain.GeneratedContent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.generated[documentID][contentType]
	return content, ok, nil
}

// UpsertGeneratedContent replaces the artifact slot, last write wins.
// A no-op when the document no longer exists.
func (m *MemoryStore) UpsertGeneratedContent(content domain.GeneratedContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[content.DocumentID]; !ok {
		return nil
	}
	m.upsertLocked(content)
	return nil
}

func (m *MemoryStore) upsertLocked(content domain.GeneratedContent) {
	byType := m.generated[content.DocumentID]
	if byType == nil {
		byType = make(map[domain.ContentType]domain.GeneratedContent)
		m.generated[content.DocumentID] = byType
	}
	if prev, ok := byType[content.ContentType]; ok {
		content.ID = prev.ID
	}
	byType[content.ContentType] = content
}

// ReplaceChunks replaces all index entries for a document. A no-op when
// the document no longer exists so an in-flight job cannot resurrect its
// index after deletion.
func (m *MemoryStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		delete(m.chunks, documentID)
		return nil
	}
	if len(chunks) == 0 {
		delete(m.chunks, documentID)
		return nil
	}
	copied := make([]domain.Chunk, len(chunks))
	copy(copied, chunks)
	m.chunks[documentID] = copied
	return nil
}

// DeleteChunks removes all index entries for a document.
func (m *MemoryStore) DeleteChunks(documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

// SearchChunks ranks the owner's documents by best-chunk cosine similarity,
// breaking ties toward the most recently uploaded document.
func (m *MemoryStore) SearchChunks(ownerID string, embedding []float32, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		return []domain.SearchHit{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		hit       domain.SearchHit
		createdAt time.Time
	}
	var results []scored
	for documentID, chunks := range m.chunks {
		doc, ok := m.documents[documentID]
		if !ok || doc.OwnerID != ownerID {
			continue
		}
		best := math.Inf(-1)
		for _, chunk := range chunks {
			if len(chunk.Embedding) == 0 {
				continue
			}
			if score := cosineSimilarity(embedding, chunk.Embedding); score > best {
				best = score
			}
		}
		if math.IsInf(best, -1) {
			continue
		}
		results = append(results, scored{
			hit:       domain.SearchHit{DocumentID: documentID, Score: best},
			createdAt: doc.CreatedAt,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		return results[i].createdAt.After(results[j].createdAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	hits := make([]domain.SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, r.hit)
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ChunkCount reports how many index entries a document has. Test helper.
func (m *MemoryStore) ChunkCount(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[documentID])
}

// AppendLog records a processing event.
func (m *MemoryStore) AppendLog(entry domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[entry.DocumentID] = append(m.logs[entry.DocumentID], entry)
	return nil
}

// ListLogsByDocument returns recent log entries, newest first.
func (m *MemoryStore) ListLogsByDocument(documentID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[documentID]
	out := make([]domain.LogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
