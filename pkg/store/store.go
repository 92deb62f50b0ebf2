package store

import "notesmith/pkg/domain"

// Store defines persistence for documents, generated content, chunks, and logs.
//
// Documents and their generated content are the only mutable shared state in
// the system; all writes happen either synchronously in the upload/delete
// path or inside worker job execution gated by the per-document
// serialization key.
type Store interface {
	// documents
	CreateDocument(doc domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	SetStatus(id string, status domain.DocumentStatus, errMsg string) error
	// CompleteDocument transitions a processing document to completed and,
	// when notes is non-nil, writes the initial notes artifact in the same
	// transaction. A reader never observes one without the other.
	CompleteDocument(id string, notes *domain.GeneratedContent) error
	DeleteDocument(id string) error

	// generated content (at most one row per document and content type)
	GetGeneratedContent(documentID string, contentType domain.ContentType) (domain.GeneratedContent, bool, error)
	UpsertGeneratedContent(content domain.GeneratedContent) error

	// chunks
	ReplaceChunks(documentID string, chunks []domain.Chunk) error
	DeleteChunks(documentID string) error
	SearchChunks(ownerID string, embedding []float32, limit int) ([]domain.SearchHit, error)

	// logs
	AppendLog(entry domain.LogEntry) error
	ListLogsByDocument(documentID string, limit int) ([]domain.LogEntry, error)
}
