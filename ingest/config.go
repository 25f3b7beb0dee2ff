package ingest

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	// DefaultMaxFileSize is the largest document the backend accepts.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// DefaultChunkSize is the transfer unit for chunked uploads and doubles
	// as the single-shot threshold: files at or below it go up in one
	// request.
	DefaultChunkSize = 5 * 1024 * 1024
)

// ingestPhaseSpan is the share of the unified 0-100 progress scale occupied
// by the ingestion phase; the analysis phase reports the rest.
const ingestPhaseSpan = 50

// acceptedTypes maps the permitted file extensions to their MIME types.
// The product reviews legal contracts, which arrive as PDF or DOCX.
var acceptedTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Config tunes the uploader. Zero values fall back to the defaults.
type Config struct {
	MaxFileSize int64
	ChunkSize   int64

	// Per-chunk retry policy.
	MaxRetries int
	BaseDelay  time.Duration

	// Analysis polling overrides; zero values use the poll package defaults.
	PollInterval    time.Duration
	PollMaxAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileSize: DefaultMaxFileSize,
		ChunkSize:   DefaultChunkSize,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	return c
}

// APIConfig is the connection configuration for the backend.
type APIConfig struct {
	BaseURL     string
	AccessToken string
}

// APIConfigFromEnv reads the backend connection settings from the
// environment, for callers that wire this library into a CLI or CI step.
func APIConfigFromEnv(envRepo env.Repository) (APIConfig, error) {
	baseURL := envRepo.Get("CLARIDOC_API_BASE_URL")
	if baseURL == "" {
		return APIConfig{}, fmt.Errorf("CLARIDOC_API_BASE_URL is not set")
	}

	return APIConfig{
		BaseURL:     baseURL,
		AccessToken: envRepo.Get("CLARIDOC_API_ACCESS_TOKEN"),
	}, nil
}
