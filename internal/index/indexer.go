package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"notesmith/internal/util"
	"notesmith/pkg/ai"
	"notesmith/pkg/domain"
	"notesmith/pkg/store"
)

// Indexer chunks extracted document text, embeds the chunks, and keeps the
// per-document vector index in the store.
type Indexer struct {
	store        store.Store
	embedder     ai.Embedder
	embedDim     int
	chunkSize    int
	chunkOverlap int
	batchSize    int
	concurrency  int
}

type Config struct {
	Store        store.Store
	Embedder     ai.Embedder
	EmbedDim     int
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Concurrency  int
}

func New(cfg Config) (*Indexer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 800
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Indexer{
		store:        cfg.Store,
		embedder:     cfg.Embedder,
		embedDim:     cfg.EmbedDim,
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
		batchSize:    batchSize,
		concurrency:  concurrency,
	}, nil
}

// Index replaces the document's chunks with a freshly embedded set built
// from text. Embedding failures are environment-caused and retryable.
func (ix *Indexer) Index(ctx context.Context, documentID, text string) error {
	parts := chunkText(normalizeText(text), ix.chunkSize, ix.chunkOverlap)
	if len(parts) == 0 {
		return &domain.ParseError{Filename: documentID, Err: fmt.Errorf("no indexable text")}
	}

	now := time.Now().UTC()
	chunks := make([]domain.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = domain.Chunk{
			ID:         util.NewID(),
			DocumentID: documentID,
			Seq:        i,
			Content:    part,
			Metadata:   map[string]string{"chunk": strconv.Itoa(i)},
			CreatedAt:  now,
		}
	}
	if err := ix.embedChunks(ctx, chunks); err != nil {
		return domain.Transient("embed chunks", err)
	}
	if err := ix.store.ReplaceChunks(documentID, chunks); err != nil {
		return domain.Transient("store chunks", err)
	}
	return nil
}

// Search embeds the query and returns the closest documents owned by
// ownerID, best match first.
func (ix *Indexer) Search(ctx context.Context, ownerID, query string, limit int) ([]domain.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &domain.ValidationError{Reason: "query required"}
	}
	if limit <= 0 {
		limit = 10
	}
	embedding, err := ix.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, domain.Transient("embed query", err)
	}
	hits, err := ix.store.SearchChunks(ownerID, embedding, limit)
	if err != nil {
		return nil, domain.Transient("search chunks", err)
	}
	return hits, nil
}

// Remove drops the document's chunks from the index.
func (ix *Indexer) Remove(ctx context.Context, documentID string) error {
	return ix.store.DeleteChunks(documentID)
}

func (ix *Indexer) embedChunks(ctx context.Context, chunks []domain.Chunk) error {
	batches := make([][]domain.Chunk, 0, (len(chunks)/ix.batchSize)+1)
	for i := 0; i < len(chunks); i += ix.batchSize {
		end := i + ix.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[i:end])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for _, batch := range batches {
		b := batch
		g.Go(func() error {
			return ix.embedBatch(gctx, b)
		})
	}
	return g.Wait()
}

func (ix *Indexer) embedBatch(ctx context.Context, batch []domain.Chunk) error {
	if len(batch) == 0 {
		return nil
	}
	texts := make([]string, 0, len(batch))
	for _, chunk := range batch {
		texts = append(texts, chunk.Content)
	}
	var embeddings [][]float32
	if embedder, ok := ix.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		out, err := embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}
		embeddings = out
	} else {
		out := make([][]float32, 0, len(texts))
		for _, text := range texts {
			embedding, err := ix.embedder.EmbedText(ctx, text)
			if err != nil {
				return err
			}
			out = append(out, embedding)
		}
		embeddings = out
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(batch))
	}
	for i, embedding := range embeddings {
		if ix.embedDim > 0 && len(embedding) != ix.embedDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), ix.embedDim)
		}
		batch[i].Embedding = embedding
	}
	return nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			chunks = append(chunks, part)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
