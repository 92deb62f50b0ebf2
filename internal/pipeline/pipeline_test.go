package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"notesmith/internal/index"
	"notesmith/pkg/domain"
	"notesmith/pkg/queue"
	"notesmith/pkg/storage"
	"notesmith/pkg/store"
)

type stubGenerator struct {
	reply func(system, user string) (string, error)
}

func (g *stubGenerator) GenerateText(ctx context.Context, system, user string) (string, error) {
	return g.reply(system, user)
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r % 7)
	}
	return vec, nil
}

type fixture struct {
	store    *store.MemoryStore
	objects  storage.ObjectStore
	pipeline *Pipeline
}

func newFixture(t *testing.T, generator *stubGenerator) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ix, err := index.New(index.Config{
		Store:     st,
		Embedder:  stubEmbedder{},
		EmbedDim:  8,
		ChunkSize: 200,
	})
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}
	if generator == nil {
		generator = &stubGenerator{reply: func(system, user string) (string, error) {
			return "## Notes\n\ngenerated content", nil
		}}
	}
	p, err := New(st, objects, NewRegistry(), ix, generator)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return &fixture{store: st, objects: objects, pipeline: p}
}

func (f *fixture) seedUpload(t *testing.T, id, filename, content string) domain.Document {
	t.Helper()
	doc := domain.Document{
		ID:         id,
		OwnerID:    "alice",
		Filename:   filename,
		StorageKey: "uploads/" + id,
		FileType:   strings.TrimPrefix(strings.ToLower(filename[strings.LastIndex(filename, "."):]), "."),
		SizeBytes:  int64(len(content)),
		Status:     domain.StatusUploaded,
	}
	if err := f.store.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	err := f.objects.Put(context.Background(), doc.StorageKey, strings.NewReader(content), int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	return doc
}

func parseJob(id string) queue.JobStatus {
	return queue.JobStatus{ID: "job-" + id, DocumentID: id, Kind: domain.JobParse}
}

func generateJob(id string, ct domain.ContentType) queue.JobStatus {
	return queue.JobStatus{ID: "job-" + id, DocumentID: id, Kind: domain.JobGenerate, ContentType: ct}
}

func TestParseCompletesDocumentWithNotes(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUpload(t, "doc-1", "lecture.txt", strings.Repeat("cell biology is the study of cell structure and function ", 10))

	if err := f.pipeline.Handle(context.Background(), parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}

	doc, ok, _ := f.store.GetDocument("doc-1")
	if !ok || doc.Status != domain.StatusCompleted {
		t.Fatalf("expected completed document, got %+v", doc)
	}
	notes, ok, _ := f.store.GetGeneratedContent("doc-1", domain.ContentNotes)
	if !ok || notes.ContentData == "" {
		t.Fatalf("expected notes artifact, got %+v", notes)
	}
	if f.store.ChunkCount("doc-1") == 0 {
		t.Fatalf("expected indexed chunks")
	}
	logs, _ := f.store.ListLogsByDocument("doc-1", 10)
	if len(logs) < 2 {
		t.Fatalf("expected start and completion logs, got %d", len(logs))
	}
}

func TestParseUnsupportedFormatIsPermanent(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUpload(t, "doc-1", "image.png", "not really an image")

	job := parseJob("doc-1")
	err := f.pipeline.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if domain.IsTransient(err) {
		t.Fatalf("unsupported format must be permanent, got %v", err)
	}

	f.pipeline.HandleFailure(context.Background(), job, err)
	doc, _, _ := f.store.GetDocument("doc-1")
	if doc.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %q", doc.Status)
	}
	if doc.ErrorMessage == "" {
		t.Fatalf("expected error message on failed document")
	}
}

func TestParseMissingDocumentIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.pipeline.Handle(context.Background(), parseJob("ghost")); err != nil {
		t.Fatalf("missing document must be a no-op, got %v", err)
	}
}

func TestParseCompletesWithoutNotesWhenGenerationFails(t *testing.T) {
	gen := &stubGenerator{reply: func(system, user string) (string, error) {
		return "", errors.New("model unavailable")
	}}
	f := newFixture(t, gen)
	f.seedUpload(t, "doc-1", "lecture.txt", "short but valid document text for indexing")

	if err := f.pipeline.Handle(context.Background(), parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc, _, _ := f.store.GetDocument("doc-1")
	if doc.Status != domain.StatusCompleted {
		t.Fatalf("notes failure must not fail the document, got %q", doc.Status)
	}
	if _, ok, _ := f.store.GetGeneratedContent("doc-1", domain.ContentNotes); ok {
		t.Fatalf("expected no notes artifact")
	}
	logs, _ := f.store.ListLogsByDocument("doc-1", 10)
	var warned bool
	for _, entry := range logs {
		if entry.Level == domain.LogWarn {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected WARN log for notes failure, got %+v", logs)
	}
}

func TestGenerateSummaryReplacesPreviousArtifact(t *testing.T) {
	calls := 0
	gen := &stubGenerator{reply: func(system, user string) (string, error) {
		calls++
		if strings.Contains(system, "summarization") {
			return fmt.Sprintf("summary version %d", calls), nil
		}
		return "## Notes\n\ncontent", nil
	}}
	f := newFixture(t, gen)
	f.seedUpload(t, "doc-1", "lecture.txt", "enough text to parse and index for this document")

	ctx := context.Background()
	if err := f.pipeline.Handle(ctx, parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := f.pipeline.Handle(ctx, generateJob("doc-1", domain.ContentSummary)); err != nil {
		t.Fatalf("first summary: %v", err)
	}
	first, _, _ := f.store.GetGeneratedContent("doc-1", domain.ContentSummary)
	if err := f.pipeline.Handle(ctx, generateJob("doc-1", domain.ContentSummary)); err != nil {
		t.Fatalf("second summary: %v", err)
	}
	second, _, _ := f.store.GetGeneratedContent("doc-1", domain.ContentSummary)
	if first.ContentData == second.ContentData {
		t.Fatalf("expected regenerated summary to replace the old one")
	}
	docs, _ := f.store.ListDocumentsByOwner("alice")
	var summaries int
	for _, artifact := range docs[0].Generated {
		if artifact.ContentType == domain.ContentSummary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("expected exactly one summary artifact, got %d", summaries)
	}
}

func TestGenerateQuizRejectsInvalidJSON(t *testing.T) {
	gen := &stubGenerator{reply: func(system, user string) (string, error) {
		if strings.Contains(system, "quizzes") {
			return "this is not json", nil
		}
		return "## Notes\n\ncontent", nil
	}}
	f := newFixture(t, gen)
	f.seedUpload(t, "doc-1", "lecture.txt", "enough text to parse and index for this document")

	ctx := context.Background()
	if err := f.pipeline.Handle(ctx, parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	err := f.pipeline.Handle(ctx, generateJob("doc-1", domain.ContentQuiz))
	if err == nil {
		t.Fatalf("expected invalid quiz JSON to error")
	}
	if !domain.IsTransient(err) {
		t.Fatalf("invalid model output should be retryable, got %v", err)
	}
	if _, ok, _ := f.store.GetGeneratedContent("doc-1", domain.ContentQuiz); ok {
		t.Fatalf("no quiz artifact must be stored on failure")
	}
}

func TestGenerateQuizAcceptsFencedJSON(t *testing.T) {
	gen := &stubGenerator{reply: func(system, user string) (string, error) {
		if strings.Contains(system, "quizzes") {
			return "```json\n{\"multiple_choice\":[],\"fill_in_the_blanks\":[],\"answer_key\":{}}\n```", nil
		}
		return "## Notes\n\ncontent", nil
	}}
	f := newFixture(t, gen)
	f.seedUpload(t, "doc-1", "lecture.txt", "enough text to parse and index for this document")

	ctx := context.Background()
	if err := f.pipeline.Handle(ctx, parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := f.pipeline.Handle(ctx, generateJob("doc-1", domain.ContentQuiz)); err != nil {
		t.Fatalf("quiz: %v", err)
	}
	quiz, ok, _ := f.store.GetGeneratedContent("doc-1", domain.ContentQuiz)
	if !ok {
		t.Fatalf("expected quiz artifact")
	}
	if strings.Contains(quiz.ContentData, "```") {
		t.Fatalf("code fence must be stripped, got %q", quiz.ContentData)
	}
}

func TestGenerateWithoutNotesIsPermanent(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUpload(t, "doc-1", "lecture.txt", "text")

	err := f.pipeline.Handle(context.Background(), generateJob("doc-1", domain.ContentSummary))
	if err == nil {
		t.Fatalf("expected error for missing notes")
	}
	if domain.IsTransient(err) {
		t.Fatalf("missing notes is permanent, got %v", err)
	}
}

func TestGenerateFailureKeepsDocumentCompleted(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUpload(t, "doc-1", "lecture.txt", "enough text to parse and index for this document")

	ctx := context.Background()
	if err := f.pipeline.Handle(ctx, parseJob("doc-1")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	job := generateJob("doc-1", domain.ContentSummary)
	f.pipeline.HandleFailure(ctx, job, errors.New("model down"))

	doc, _, _ := f.store.GetDocument("doc-1")
	if doc.Status != domain.StatusCompleted {
		t.Fatalf("generation failure must not change document status, got %q", doc.Status)
	}
	logs, _ := f.store.ListLogsByDocument("doc-1", 10)
	var errored bool
	for _, entry := range logs {
		if entry.Level == domain.LogError {
			errored = true
		}
	}
	if !errored {
		t.Fatalf("expected ERROR log for generation failure")
	}
}
