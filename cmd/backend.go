package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/postgres"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

// backend is the configured pipeline with its optional PostgreSQL store.
type backend struct {
	cfg      *config.Config
	pg       *postgres.Store
	store    database.Store
	pipeline *pipeline.Pipeline
}

// openBackend loads the configuration, applies threshold flags of cmd and
// connects to PostgreSQL when DATABASE_URL is set. requireStore fails the call
// when it is not.
func openBackend(ctx context.Context, cmd *cobra.Command, requireStore bool) (*backend, error) {
	cfg := config.Load()
	applyThresholdFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateStoredDim(database.FaceEmbeddingDim); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &backend{cfg: cfg}
	switch {
	case cfg.Database.URL != "":
		logger.Debug("connecting to PostgreSQL")
		pg, err := postgres.Initialize(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		b.pg = pg
		if b.store, err = database.GetStore(ctx); err != nil {
			b.Close()
			return nil, err
		}
	case requireStore:
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	p, err := pipeline.New(cfg.Matching, b.store, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	b.pipeline = p
	return b, nil
}

// addThresholdFlags registers per-run overrides of the matching thresholds.
func addThresholdFlags(c *cobra.Command) {
	c.Flags().Float64("similarity-threshold", 0, "Override SIMILARITY_THRESHOLD for this run")
	c.Flags().Float64("clustering-threshold", 0, "Override CLUSTERING_THRESHOLD for this run")
}

// applyThresholdFlags copies explicitly set threshold flags into cfg.
func applyThresholdFlags(cmd *cobra.Command, cfg *config.Config) {
	for name, dst := range map[string]*float64{
		"similarity-threshold": &cfg.Matching.SimilarityThreshold,
		"clustering-threshold": &cfg.Matching.ClusteringThreshold,
	} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = mustGetFloat64(cmd, name)
		}
	}
}

// Close releases the database pool.
func (b *backend) Close() {
	if b.pg == nil {
		return
	}
	if pool := postgres.GetGlobalPool(); pool != nil {
		if err := pool.Close(); err != nil {
			logger.Warn("closing database pool", "error", err)
		}
	}
}
