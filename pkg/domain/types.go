package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether ingestion can no longer advance for this status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ContentType string

const (
	ContentNotes   ContentType = "notes"
	ContentSummary ContentType = "summary"
	ContentQuiz    ContentType = "quiz"
)

// OnDemand reports whether this content type is produced by an explicit
// user request rather than by the ingest pipeline.
func (c ContentType) OnDemand() bool {
	return c == ContentSummary || c == ContentQuiz
}

type JobKind string

const (
	JobParse    JobKind = "parse"
	JobGenerate JobKind = "generate"
)

type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Document is a user-uploaded file and its ingestion lifecycle record.
type Document struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"ownerId"`
	Filename     string             `json:"filename"`
	StorageKey   string             `json:"-"`
	FileType     string             `json:"fileType"`
	SizeBytes    int64              `json:"sizeBytes"`
	Status       DocumentStatus     `json:"status"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	Generated    []GeneratedContent `json:"generatedContent"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// GeneratedContent is one AI-derived artifact tied to a document. A document
// holds at most one artifact per content type; regeneration replaces it.
type GeneratedContent struct {
	ID          string      `json:"id"`
	DocumentID  string      `json:"documentId"`
	ContentType ContentType `json:"contentType"`
	ContentData string      `json:"contentData"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Chunk is one bounded slice of a document's extracted text together with
// its embedding vector.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	Seq        int               `json:"seq"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Embedding  []float32         `json:"-"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// SearchHit is one semantic search result: the best-matching chunk score
// for a document.
type SearchHit struct {
	DocumentID string  `json:"documentId"`
	Score      float64 `json:"score"`
}

// LogEntry records a processing event for a document.
type LogEntry struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Level      LogLevel  `json:"level"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}
