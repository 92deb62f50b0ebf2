package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	ChunkSize      int    `yaml:"chunkSize"`
	ChunkOverlap   int    `yaml:"chunkOverlap"`

	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
}

// StorageConfig selects the blob backend: "file" keeps uploads on local
// disk, "minio" uses an S3-compatible object store.
type StorageConfig struct {
	Mode           string `yaml:"mode"`
	BasePath       string `yaml:"basePath"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

type QueueConfig struct {
	Stream            string `yaml:"stream"`
	Group             string `yaml:"group"`
	Concurrency       int    `yaml:"concurrency"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
	JobTimeoutSeconds int    `yaml:"jobTimeoutSeconds"`
}

type EmbeddingConfig struct {
	Provider    string `yaml:"provider"`
	BaseURL     string `yaml:"baseURL"`
	APIKey      string `yaml:"apiKey"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	BatchSize   int    `yaml:"batchSize"`
	Concurrency int    `yaml:"concurrency"`
}

type GenerationConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("NOTESMITH_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("NOTESMITH_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("NOTESMITH_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkOverlap = n
		}
	}
	if v := os.Getenv("NOTESMITH_STORAGE_MODE"); v != "" {
		cfg.Storage.Mode = v
	}
	if v := os.Getenv("NOTESMITH_STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Storage.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Storage.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.MinioUseSSL = b
		}
	}
	if v := os.Getenv("NOTESMITH_QUEUE_STREAM"); v != "" {
		cfg.Queue.Stream = v
	}
	if v := os.Getenv("NOTESMITH_QUEUE_GROUP"); v != "" {
		cfg.Queue.Group = v
	}
	if v := os.Getenv("NOTESMITH_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("NOTESMITH_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("NOTESMITH_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.RetryDelaySeconds = n
		}
	}
	if v := os.Getenv("NOTESMITH_QUEUE_JOB_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.JobTimeoutSeconds = n
		}
	}
	if v := os.Getenv("NOTESMITH_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("NOTESMITH_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("NOTESMITH_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("NOTESMITH_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("NOTESMITH_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("NOTESMITH_GENERATION_PROVIDER"); v != "" {
		cfg.Generation.Provider = v
	}
	if v := os.Getenv("NOTESMITH_GENERATION_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("NOTESMITH_GENERATION_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
	}
	if v := os.Getenv("NOTESMITH_GENERATION_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = "file"
	}
	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = "data/uploads"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "notesmith:jobs"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "notesmith-workers"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryDelaySeconds <= 0 {
		cfg.Queue.RetryDelaySeconds = 2
	}
	if cfg.Queue.JobTimeoutSeconds <= 0 {
		cfg.Queue.JobTimeoutSeconds = 300
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 16
	}
	if cfg.Embedding.Concurrency <= 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "ollama"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	switch cfg.Storage.Mode {
	case "file":
	case "minio":
		if cfg.Storage.MinioEndpoint == "" || cfg.Storage.MinioBucket == "" {
			return errors.New("config: storage.minioEndpoint and storage.minioBucket are required for minio storage")
		}
	default:
		return fmt.Errorf("config: unknown storage mode %q", cfg.Storage.Mode)
	}
	switch cfg.Embedding.Provider {
	case "ollama":
	case "gemini":
		if strings.TrimSpace(cfg.Embedding.APIKey) == "" {
			return errors.New("config: embedding.apiKey is required for gemini")
		}
	default:
		return fmt.Errorf("config: unknown embedding provider %q", cfg.Embedding.Provider)
	}
	switch cfg.Generation.Provider {
	case "ollama", "openai-compat":
	case "gemini":
		if strings.TrimSpace(cfg.Generation.APIKey) == "" {
			return errors.New("config: generation.apiKey is required for gemini")
		}
	default:
		return fmt.Errorf("config: unknown generation provider %q", cfg.Generation.Provider)
	}
	if strings.TrimSpace(cfg.Embedding.Model) == "" {
		return errors.New("config: embedding.model is required")
	}
	if strings.TrimSpace(cfg.Generation.Model) == "" {
		return errors.New("config: generation.model is required")
	}
	return nil
}
