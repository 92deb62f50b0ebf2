package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"notesmith/internal/index"
	"notesmith/internal/util"
	"notesmith/pkg/ai"
	"notesmith/pkg/domain"
	"notesmith/pkg/queue"
	"notesmith/pkg/storage"
	"notesmith/pkg/store"
)

// Pipeline executes parse and generate jobs against a document. It is the
// only writer of document status and generated content on the worker side.
type Pipeline struct {
	store     store.Store
	objects   storage.ObjectStore
	parsers   *Registry
	indexer   *index.Indexer
	generator ai.TextGenerator
}

func New(st store.Store, objects storage.ObjectStore, parsers *Registry, indexer *index.Indexer, generator ai.TextGenerator) (*Pipeline, error) {
	if st == nil || objects == nil || parsers == nil || indexer == nil || generator == nil {
		return nil, fmt.Errorf("pipeline requires store, objects, parsers, indexer, and generator")
	}
	return &Pipeline{
		store:     st,
		objects:   objects,
		parsers:   parsers,
		indexer:   indexer,
		generator: generator,
	}, nil
}

// Handle runs one job attempt.
func (p *Pipeline) Handle(ctx context.Context, job queue.JobStatus) error {
	switch job.Kind {
	case domain.JobParse:
		return p.runParse(ctx, job)
	case domain.JobGenerate:
		return p.runGenerate(ctx, job)
	default:
		return fmt.Errorf("unknown job kind: %q", job.Kind)
	}
}

// HandleFailure records a job's terminal failure. Parse failures fail the
// document; generation failures leave the document and its existing
// artifacts untouched.
func (p *Pipeline) HandleFailure(ctx context.Context, job queue.JobStatus, err error) {
	if err == nil {
		return
	}
	switch job.Kind {
	case domain.JobParse:
		if serr := p.store.SetStatus(job.DocumentID, domain.StatusFailed, err.Error()); serr != nil {
			slog.Error("mark document failed", "documentId", job.DocumentID, "error", serr)
		}
		p.log(job.DocumentID, domain.LogError, fmt.Sprintf("processing failed: %v", err))
	case domain.JobGenerate:
		p.log(job.DocumentID, domain.LogError, fmt.Sprintf("%s generation failed: %v", job.ContentType, err))
	}
}

func (p *Pipeline) runParse(ctx context.Context, job queue.JobStatus) error {
	doc, ok, err := p.store.GetDocument(job.DocumentID)
	if err != nil {
		return domain.Transient("load document", err)
	}
	if !ok {
		// Deleted while queued; nothing to do.
		return nil
	}
	if err := p.store.SetStatus(doc.ID, domain.StatusProcessing, ""); err != nil {
		return domain.Transient("set status", err)
	}
	p.log(doc.ID, domain.LogInfo, "processing started")

	path, cleanup, err := p.fetchBlob(ctx, doc)
	if err != nil {
		return err
	}
	defer cleanup()

	text, err := p.parsers.Extract(doc.Filename, path)
	if err != nil {
		return err
	}

	notes := p.generateNotes(ctx, doc, text)

	if err := p.indexer.Index(ctx, doc.ID, text); err != nil {
		return err
	}
	if err := p.store.CompleteDocument(doc.ID, notes); err != nil {
		return domain.Transient("complete document", err)
	}
	p.log(doc.ID, domain.LogInfo, "processing completed")
	return nil
}

// generateNotes produces the automatic notes artifact. Notes are
// best-effort during ingestion: a generation failure is logged and the
// document still completes with its index intact.
func (p *Pipeline) generateNotes(ctx context.Context, doc domain.Document, text string) *domain.GeneratedContent {
	content, err := p.generator.GenerateText(ctx, notesSystemPrompt, notesUserPrompt(text))
	if err != nil {
		slog.Warn("notes generation failed", "documentId", doc.ID, "error", err)
		p.log(doc.ID, domain.LogWarn, fmt.Sprintf("notes generation failed: %v", err))
		return nil
	}
	return &domain.GeneratedContent{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ContentType: domain.ContentNotes,
		ContentData: content,
		CreatedAt:   time.Now().UTC(),
	}
}

func (p *Pipeline) runGenerate(ctx context.Context, job queue.JobStatus) error {
	doc, ok, err := p.store.GetDocument(job.DocumentID)
	if err != nil {
		return domain.Transient("load document", err)
	}
	if !ok {
		return nil
	}
	notes, ok, err := p.store.GetGeneratedContent(doc.ID, domain.ContentNotes)
	if err != nil {
		return domain.Transient("load notes", err)
	}
	if !ok {
		return &domain.ValidationError{Reason: "document has no notes to generate from"}
	}

	var system, user string
	switch job.ContentType {
	case domain.ContentSummary:
		system, user = summarySystemPrompt, summaryUserPrompt(notes.ContentData)
	case domain.ContentQuiz:
		system, user = quizSystemPrompt, quizUserPrompt(notes.ContentData)
	default:
		return &domain.ValidationError{Reason: fmt.Sprintf("content type %q cannot be generated", job.ContentType)}
	}

	content, err := p.generator.GenerateText(ctx, system, user)
	if err != nil {
		return domain.Transient(fmt.Sprintf("generate %s", job.ContentType), err)
	}
	if job.ContentType == domain.ContentQuiz {
		content = strings.TrimSpace(trimCodeFence(content))
		if !json.Valid([]byte(content)) {
			return domain.Transient("generate quiz", fmt.Errorf("model returned invalid JSON"))
		}
	}

	err = p.store.UpsertGeneratedContent(domain.GeneratedContent{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ContentType: job.ContentType,
		ContentData: content,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Transient("store generated content", err)
	}
	p.log(doc.ID, domain.LogInfo, fmt.Sprintf("%s generated", job.ContentType))
	return nil
}

// fetchBlob copies the stored upload to a temp file so path-based parsers
// can open it. The cleanup func removes the temp file.
func (p *Pipeline) fetchBlob(ctx context.Context, doc domain.Document) (string, func(), error) {
	rc, err := p.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		return "", nil, domain.Transient("fetch blob", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "notesmith-*"+filepath.Ext(doc.Filename))
	if err != nil {
		return "", nil, domain.Transient("create temp file", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, domain.Transient("copy blob", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, domain.Transient("close temp file", err)
	}
	return tmp.Name(), cleanup, nil
}

func trimCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}

func (p *Pipeline) log(documentID string, level domain.LogLevel, message string) {
	err := p.store.AppendLog(domain.LogEntry{
		ID:         util.NewID(),
		DocumentID: documentID,
		Level:      level,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		slog.Error("append log", "documentId", documentID, "error", err)
	}
}
