package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	Filename     string `gorm:"not null"`
	StorageKey   string
	FileType     string
	SizeBytes    int64     `gorm:"not null"`
	Status       string    `gorm:"not null"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type GeneratedContentModel struct {
	ID          string    `gorm:"primaryKey"`
	DocumentID  string    `gorm:"not null;uniqueIndex:idx_document_content_type"`
	ContentType string    `gorm:"not null;uniqueIndex:idx_document_content_type"`
	ContentData string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID         string           `gorm:"primaryKey"`
	DocumentID string           `gorm:"not null;index"`
	Seq        int              `gorm:"not null"`
	Content    string           `gorm:"type:text;not null"`
	Metadata   datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt  time.Time        `gorm:"not null"`
}

type LogModel struct {
	ID         string    `gorm:"primaryKey"`
	DocumentID string    `gorm:"not null;index"`
	Level      string    `gorm:"not null"`
	Message    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}
