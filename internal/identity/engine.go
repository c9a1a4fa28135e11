package identity

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
)

// Config holds the tunables of the resolution engine.
type Config struct {
	// Dim is the embedding dimension every vector must have.
	Dim int
	// SimilarityThreshold groups detections within a video and emits cross-video edges.
	SimilarityThreshold float64
	// ClusteringThreshold is the minimum edge similarity for person-cluster formation.
	ClusteringThreshold float64
	// KNeighbors is the per-query neighbour count of the approximate index.
	KNeighbors int
	// Workers bounds the parallelism of per-video clustering and per-pair matching.
	Workers int
	// NewPersonID generates person identifiers. Defaults to random UUIDs.
	NewPersonID func() string
}

// DefaultConfig returns the engine defaults used by the CLI and server.
func DefaultConfig() Config {
	return Config{
		Dim:                 512,
		SimilarityThreshold: 0.85,
		ClusteringThreshold: 0.90,
		KNeighbors:          50,
		Workers:             runtime.NumCPU(),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return ErrInvalidDimension
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity: %w", ErrInvalidThreshold)
	}
	if c.ClusteringThreshold < 0 || c.ClusteringThreshold > 1 {
		return fmt.Errorf("clustering: %w", ErrInvalidThreshold)
	}
	if c.KNeighbors < 0 {
		return fmt.Errorf("k_neighbors must not be negative, got %d", c.KNeighbors)
	}
	return nil
}

// Engine is the identity resolution engine. It holds only configuration, so a
// single Engine is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates an Engine after validating cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.NewPersonID == nil {
		cfg.NewPersonID = uuid.NewString
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// WithThresholds returns a copy of the engine using different thresholds.
func (e *Engine) WithThresholds(similarity, clustering float64) (*Engine, error) {
	cfg := e.cfg
	cfg.SimilarityThreshold = similarity
	cfg.ClusteringThreshold = clustering
	return New(cfg)
}
