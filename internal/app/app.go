package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"notesmith/internal/index"
	"notesmith/pkg/domain"
	"notesmith/pkg/queue"
	"notesmith/pkg/storage"
	"notesmith/pkg/store"
)

// JobQueue is the slice of the work queue the facade needs.
type JobQueue interface {
	Enqueue(ctx context.Context, documentID string, kind domain.JobKind, contentType domain.ContentType) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// SearchResult pairs a matching document with its relevance score.
type SearchResult struct {
	Document domain.Document `json:"document"`
	Score    float64         `json:"score"`
}

// App coordinates uploads, content generation, search, and deletion on
// behalf of the HTTP layer.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	jobs           JobQueue
	indexer        *index.Indexer
	maxUploadBytes int64
}

type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Jobs           JobQueue
	Indexer        *index.Indexer
	MaxUploadBytes int64
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil || cfg.Objects == nil || cfg.Jobs == nil || cfg.Indexer == nil {
		return nil, fmt.Errorf("app requires store, objects, jobs, and indexer")
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		jobs:           cfg.Jobs,
		indexer:        cfg.Indexer,
		maxUploadBytes: maxBytes,
	}, nil
}

// Upload stores the file, records the document, and queues parsing. Any
// file is accepted here; format problems surface as a failed document once
// the parse job runs.
func (a *App) Upload(ctx context.Context, ownerID, filename string, r io.Reader, size int64) (domain.Document, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Document{}, &domain.ValidationError{Reason: "owner required"}
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return domain.Document{}, &domain.ValidationError{Reason: "filename required"}
	}
	if size <= 0 {
		return domain.Document{}, &domain.ValidationError{Reason: "empty upload"}
	}
	if size > a.maxUploadBytes {
		return domain.Document{}, &domain.ValidationError{Reason: fmt.Sprintf("upload exceeds %d bytes", a.maxUploadBytes)}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	doc := domain.Document{
		ID:         id,
		OwnerID:    ownerID,
		Filename:   filename,
		StorageKey: buildStorageKey(id, filename),
		FileType:   strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		SizeBytes:  size,
		Status:     domain.StatusUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, doc.StorageKey, r, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("save file: %w", err)
	}
	if err := a.store.CreateDocument(doc); err != nil {
		_ = a.objects.Delete(ctx, doc.StorageKey)
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	if _, err := a.jobs.Enqueue(ctx, id, domain.JobParse, ""); err != nil {
		_ = a.store.SetStatus(id, domain.StatusFailed, err.Error())
		return domain.Document{}, fmt.Errorf("enqueue parse: %w", err)
	}
	return doc, nil
}

// List returns the owner's documents, newest first.
func (a *App) List(ownerID string) ([]domain.Document, error) {
	return a.store.ListDocumentsByOwner(ownerID)
}

// Get returns one of the owner's documents. Another owner's document is
// indistinguishable from a missing one.
func (a *App) Get(ownerID, id string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok || doc.OwnerID != ownerID {
		return domain.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

// Generate queues on-demand summary or quiz generation for a completed
// document that already has notes.
func (a *App) Generate(ctx context.Context, ownerID, id string, contentType domain.ContentType) (queue.JobStatus, error) {
	if !contentType.OnDemand() {
		return queue.JobStatus{}, &domain.ValidationError{Reason: fmt.Sprintf("content type %q cannot be requested", contentType)}
	}
	doc, err := a.Get(ownerID, id)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if doc.Status != domain.StatusCompleted {
		return queue.JobStatus{}, &domain.ValidationError{Reason: fmt.Sprintf("document is %s, not completed", doc.Status)}
	}
	if _, ok, err := a.store.GetGeneratedContent(doc.ID, domain.ContentNotes); err != nil {
		return queue.JobStatus{}, err
	} else if !ok {
		return queue.JobStatus{}, &domain.ValidationError{Reason: "document has no notes to generate from"}
	}
	return a.jobs.Enqueue(ctx, doc.ID, domain.JobGenerate, contentType)
}

// Job returns the current status of a queued job for the owner's document.
// Jobs for another owner's documents are reported as missing.
func (a *App) Job(ctx context.Context, ownerID, jobID string) (queue.JobStatus, bool, error) {
	job, ok, err := a.jobs.GetJob(ctx, jobID)
	if err != nil || !ok {
		return queue.JobStatus{}, false, err
	}
	// A job is visible only to the owner of its document.
	if _, err := a.Get(ownerID, job.DocumentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return queue.JobStatus{}, false, nil
		}
		return queue.JobStatus{}, false, err
	}
	return job, true, nil
}

// Logs returns processing history for one of the owner's documents.
func (a *App) Logs(ownerID, id string, limit int) ([]domain.LogEntry, error) {
	if _, err := a.Get(ownerID, id); err != nil {
		return nil, err
	}
	return a.store.ListLogsByDocument(id, limit)
}

// Search runs a semantic query over the owner's indexed documents and
// resolves hits back to full document records.
func (a *App) Search(ctx context.Context, ownerID, query string, limit int) ([]SearchResult, error) {
	hits, err := a.indexer.Search(ctx, ownerID, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		doc, ok, err := a.store.GetDocument(hit.DocumentID)
		if err != nil {
			return nil, err
		}
		if !ok || doc.OwnerID != ownerID {
			continue
		}
		results = append(results, SearchResult{Document: doc, Score: hit.Score})
	}
	return results, nil
}

// Delete removes the document and everything derived from it: index
// entries first, then the document row with its content and logs, then the
// stored upload.
func (a *App) Delete(ctx context.Context, ownerID, id string) error {
	doc, err := a.Get(ownerID, id)
	if err != nil {
		return err
	}
	if err := a.indexer.Remove(ctx, doc.ID); err != nil {
		return fmt.Errorf("remove index: %w", err)
	}
	if err := a.store.DeleteDocument(doc.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if doc.StorageKey != "" {
		_ = a.objects.Delete(ctx, doc.StorageKey)
	}
	return nil
}

func buildStorageKey(id, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", id, filepath.Base(filename))
}
