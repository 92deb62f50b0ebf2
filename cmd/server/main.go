package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notesmith/internal/app"
	"notesmith/internal/config"
	"notesmith/internal/index"
	"notesmith/internal/pipeline"
	"notesmith/internal/server"
	"notesmith/internal/util"
	"notesmith/pkg/ai"
	"notesmith/pkg/queue"
	"notesmith/pkg/storage"
	"notesmith/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.Embedding.Dimensions))
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	objects, err := newObjectStore(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}
	generator, err := newGenerator(cfg.Generation)
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	indexer, err := index.New(index.Config{
		Store:        dataStore,
		Embedder:     embedder,
		EmbedDim:     cfg.Embedding.Dimensions,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.Embedding.BatchSize,
		Concurrency:  cfg.Embedding.Concurrency,
	})
	if err != nil {
		log.Fatalf("failed to init indexer: %v", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.Queue.Stream,
		Group:      cfg.Queue.Group,
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		JobTimeout: time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	pipe, err := pipeline.New(dataStore, objects, pipeline.NewRegistry(), indexer, generator)
	if err != nil {
		log.Fatalf("failed to init pipeline: %v", err)
	}
	jobs.Start(context.Background(), cfg.Queue.Concurrency, pipe.Handle, pipe.HandleFailure)

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Objects:        objects,
		Jobs:           jobs,
		Indexer:        indexer,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch strings.ToLower(cfg.Mode) {
	case "minio":
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		return storage.NewFileStore(cfg.BasePath)
	}
}

func newEmbedder(cfg config.EmbeddingConfig) (ai.Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiEmbedder(client, cfg.Model), nil
	default:
		client := ai.NewOllamaClient(cfg.BaseURL)
		return ai.NewOllamaEmbedder(client, cfg.Model, cfg.Dimensions), nil
	}
}

func newGenerator(cfg config.GenerationConfig) (ai.TextGenerator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client, cfg.Model), nil
	case "openai-compat":
		return ai.NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	}
}
