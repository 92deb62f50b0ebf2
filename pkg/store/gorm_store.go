package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"notesmith/pkg/domain"
)

const migrateLockID int64 = 52895289

const defaultEmbeddingDim = 768

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the embedding dimension used for the chunk vector column.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{EmbeddingDim: defaultEmbeddingDim}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dim: %d", opts.EmbeddingDim)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&DocumentModel{}, &GeneratedContentModel{}, &ChunkModel{}, &LogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, opts.EmbeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
				DELETE FROM generated_content_models g
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = g.document_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_document_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'generated_content_models'
					AND constraint_name = 'generated_content_models_document_id_fkey'
				) THEN
					ALTER TABLE generated_content_models
					ADD CONSTRAINT generated_content_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure document foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: opts.EmbeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateDocument stores a new document record.
func (s *GormStore) CreateDocument(doc domain.Document) error {
	model := documentToModel(doc)
	return s.db.Create(&model).Error
}

// GetDocument retrieves a document with its generated content.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	doc := documentFromModel(model)
	generated, err := s.listGenerated([]string{id})
	if err != nil {
		return domain.Document{}, false, err
	}
	doc.Generated = generated[id]
	return doc, true, nil
}

// ListDocumentsByOwner returns the owner's documents, newest upload first,
// each with its generated content embedded. A pure read: polling it at any
// cadence has no side effects.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	generated, err := s.listGenerated(ids)
	if err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		doc := documentFromModel(m)
		doc.Generated = generated[m.ID]
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *GormStore) listGenerated(documentIDs []string) (map[string][]domain.GeneratedContent, error) {
	out := make(map[string][]domain.GeneratedContent, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	var models []GeneratedContentModel
	if err := s.db.Where("document_id IN ?", documentIDs).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.DocumentID] = append(out[m.DocumentID], generatedFromModel(m))
	}
	return out, nil
}

// SetStatus updates document status and error message. Moving into
// processing is only allowed from a non-terminal state; completed and
// failed never revert without an explicit re-upload.
func (s *GormStore) SetStatus(id string, status domain.DocumentStatus, errMsg string) error {
	tx := s.db.Model(&DocumentModel{}).Where("id = ?", id)
	if status == domain.StatusProcessing {
		tx = tx.Where("status IN ?", []string{string(domain.StatusUploaded), string(domain.StatusProcessing)})
	}
	return tx.Updates(map[string]any{
		"status":        string(status),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// CompleteDocument transitions processing -> completed and writes the notes
// artifact in one transaction. A no-op when the document was deleted
// mid-flight or is not processing.
func (s *GormStore) CompleteDocument(id string, notes *domain.GeneratedContent) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DocumentModel{}).
			Where("id = ? AND status = ?", id, string(domain.StatusProcessing)).
			Updates(map[string]any{
				"status":        string(domain.StatusCompleted),
				"error_message": "",
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if notes == nil {
			return nil
		}
		return upsertGenerated(tx, *notes)
	})
}

// DeleteDocument removes the document and everything it owns.
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&GeneratedContentModel{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&LogModel{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", id).Error
	})
}

// GetGeneratedContent returns the artifact for (document, contentType).
func (s *GormStore) GetGeneratedContent(documentID string, contentType domain.ContentType) (domain.GeneratedContent, bool, error) {
	var model GeneratedContentModel
	err := s.db.First(&model, "document_id = ? AND content_type = ?", documentID, string(contentType)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.GeneratedContent{}, false, nil
		}
		return domain.GeneratedContent{}, false, err
	}
	return generatedFromModel(model), true, nil
}

// UpsertGeneratedContent replaces the single artifact slot for the
// content's (document, contentType) key, last write wins. A no-op when the
// document no longer exists.
func (s *GormStore) UpsertGeneratedContent(content domain.GeneratedContent) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&DocumentModel{}).Where("id = ?", content.DocumentID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		return upsertGenerated(tx, content)
	})
}

func upsertGenerated(tx *gorm.DB, content domain.GeneratedContent) error {
	model := generatedToModel(content)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "content_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_data", "created_at"}),
	}).Create(&model).Error
}

// ReplaceChunks replaces all index entries for a document. A no-op when
// the document no longer exists so an in-flight job cannot resurrect its
// index after deletion.
func (s *GormStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&DocumentModel{}).Where("id = ?", documentID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.DocumentID = documentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// DeleteChunks removes all index entries for a document.
func (s *GormStore) DeleteChunks(documentID string) error {
	return s.db.Delete(&ChunkModel{}, "document_id = ?", documentID).Error
}

type searchRow struct {
	DocumentID string
	Distance   float64
}

// SearchChunks returns the owner's documents ranked by best-chunk cosine
// similarity; ties break toward the most recently uploaded document.
func (s *GormStore) SearchChunks(ownerID string, embedding []float32, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		return []domain.SearchHit{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []searchRow
	err := s.db.Model(&ChunkModel{}).
		Select("chunk_models.document_id AS document_id, MIN(chunk_models.embedding <=> ?) AS distance", vec).
		Joins("JOIN document_models ON document_models.id = chunk_models.document_id").
		Where("document_models.owner_id = ? AND chunk_models.embedding IS NOT NULL", ownerID).
		Group("chunk_models.document_id, document_models.created_at").
		Order("distance ASC, document_models.created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	hits := make([]domain.SearchHit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, domain.SearchHit{DocumentID: row.DocumentID, Score: 1 - row.Distance})
	}
	return hits, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

// AppendLog records a processing event.
func (s *GormStore) AppendLog(entry domain.LogEntry) error {
	model := logToModel(entry)
	return s.db.Create(&model).Error
}

// ListLogsByDocument returns recent log entries, newest first.
func (s *GormStore) ListLogsByDocument(documentID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []LogModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.LogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, logFromModel(m))
	}
	return entries, nil
}

func documentToModel(doc domain.Document) DocumentModel {
	return DocumentModel{
		ID:           doc.ID,
		OwnerID:      doc.OwnerID,
		Filename:     doc.Filename,
		StorageKey:   doc.StorageKey,
		FileType:     doc.FileType,
		SizeBytes:    doc.SizeBytes,
		Status:       string(doc.Status),
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Filename:     m.Filename,
		StorageKey:   m.StorageKey,
		FileType:     m.FileType,
		SizeBytes:    m.SizeBytes,
		Status:       domain.DocumentStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func generatedToModel(content domain.GeneratedContent) GeneratedContentModel {
	return GeneratedContentModel{
		ID:          content.ID,
		DocumentID:  content.DocumentID,
		ContentType: string(content.ContentType),
		ContentData: content.ContentData,
		CreatedAt:   content.CreatedAt,
	}
}

func generatedFromModel(m GeneratedContentModel) domain.GeneratedContent {
	return domain.GeneratedContent{
		ID:          m.ID,
		DocumentID:  m.DocumentID,
		ContentType: domain.ContentType(m.ContentType),
		ContentData: m.ContentData,
		CreatedAt:   m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	model := ChunkModel{
		ID:         chunk.ID,
		DocumentID: chunk.DocumentID,
		Seq:        chunk.Seq,
		Content:    chunk.Content,
		Metadata:   meta,
		CreatedAt:  chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func logToModel(entry domain.LogEntry) LogModel {
	return LogModel{
		ID:         entry.ID,
		DocumentID: entry.DocumentID,
		Level:      string(entry.Level),
		Message:    entry.Message,
		CreatedAt:  entry.CreatedAt,
	}
}

func logFromModel(m LogModel) domain.LogEntry {
	return domain.LogEntry{
		ID:         m.ID,
		DocumentID: m.DocumentID,
		Level:      domain.LogLevel(m.Level),
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
	}
}
