// Package pipeline runs the identity-resolution stages against a store and
// records each execution as an AnalysisRun.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/metrics"
	"github.com/kozaktomas/face-linker/internal/tracker"
)

var (
	// ErrNoValidVideos is returned when none of the requested videos yields a
	// valid identity.
	ErrNoValidVideos = errors.New("no requested video has a valid identity")
	// ErrNoInput is returned when an analysis request carries no videos.
	ErrNoInput = errors.New("no videos to analyze")
	// ErrNoStore is returned when a persisting operation runs without a store.
	ErrNoStore = errors.New("operation requires a database store")
	// ErrInvalidInput marks malformed request data.
	ErrInvalidInput = errors.New("invalid input")
)

// Run kinds.
const (
	KindAnalyze = "analyze"
	KindMatch   = "match"
	KindCluster = "cluster"
	KindRemove  = "remove"
)

// Match methods.
const (
	MethodExact = "exact"
	MethodIndex = "index"
)

// Options scopes one pipeline operation.
type Options struct {
	// Videos restricts the operation to these videos. Empty means every video.
	Videos []string
	// UseIndex forces approximate matching regardless of corpus size.
	UseIndex bool
	// DryRun computes results without writing to the store.
	DryRun bool
	// OnVideoStored is called after each analysed video is written.
	OnVideoStored func(videoID string)
}

// Pipeline wires the identity engine and tracker to a store.
type Pipeline struct {
	engine   *identity.Engine
	cfg      config.MatchingConfig
	store    database.Store
	logger   *slog.Logger
	newRunID func() string
	now      func() time.Time
}

// New creates a pipeline. store may be nil for dry runs.
func New(cfg config.MatchingConfig, store database.Store, logger *slog.Logger) (*Pipeline, error) {
	engine, err := identity.New(identity.Config{
		Dim:                 cfg.EmbeddingDim,
		SimilarityThreshold: cfg.SimilarityThreshold,
		ClusteringThreshold: cfg.ClusteringThreshold,
		KNeighbors:          cfg.KNeighbors,
		Workers:             cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClusteringBelowSimilarity() {
		logger.Warn("clustering threshold is below the similarity threshold; edges below similarity never exist",
			"clustering_threshold", cfg.ClusteringThreshold,
			"similarity_threshold", cfg.SimilarityThreshold)
	}
	return &Pipeline{
		engine:   engine,
		cfg:      cfg,
		store:    store,
		logger:   logger,
		newRunID: uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Engine returns the underlying identity engine.
func (p *Pipeline) Engine() *identity.Engine {
	return p.engine
}

func (p *Pipeline) trackerConfig() tracker.Config {
	return tracker.Config{
		RegisteredThreshold: p.cfg.RegisteredThreshold,
		TrackThreshold:      p.cfg.TrackThreshold,
		MergeThreshold:      p.cfg.MergeThreshold,
	}
}

func (p *Pipeline) persists(opts Options) bool {
	return p.store != nil && !opts.DryRun
}

// startRun creates the run record. Dry runs are not stored.
func (p *Pipeline) startRun(ctx context.Context, kind string, opts Options) (*database.AnalysisRun, error) {
	run := &database.AnalysisRun{
		ID:     p.newRunID(),
		Status: database.RunRunning,
		Params: database.RunParams{
			Kind:                kind,
			Videos:              opts.Videos,
			SimilarityThreshold: p.cfg.SimilarityThreshold,
			ClusteringThreshold: p.cfg.ClusteringThreshold,
			MergeThreshold:      p.cfg.MergeThreshold,
			KNeighbors:          p.cfg.KNeighbors,
			UseIndex:            opts.UseIndex,
		},
		StartedAt: p.now(),
	}
	if p.persists(opts) {
		if err := p.store.Runs().CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("creating run: %w", err)
		}
	}
	p.logger.Info("run started", "run_id", run.ID, "kind", kind, "videos", len(opts.Videos), "dry_run", opts.DryRun)
	return run, nil
}

// finishRun stamps the outcome on the run and stores it. It runs even when
// ctx is cancelled so failed runs are recorded.
func (p *Pipeline) finishRun(ctx context.Context, run *database.AnalysisRun, opts Options, runErr error) {
	run.FinishedAt = p.now()
	run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	if runErr != nil {
		run.Status = database.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = database.RunSucceeded
	}

	metrics.RunsTotal.WithLabelValues(run.Params.Kind, string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(run.Params.Kind).Observe(float64(run.DurationMs) / 1000)

	if p.persists(opts) {
		if err := p.store.Runs().FinishRun(context.WithoutCancel(ctx), run); err != nil {
			p.logger.Error("failed to record run outcome", "run_id", run.ID, "error", err)
		}
	}

	attrs := []any{"run_id", run.ID, "kind", run.Params.Kind, "status", run.Status, "duration_ms", run.DurationMs,
		"identities", run.Counts.Identities, "edges", run.Counts.Edges, "persons", run.Counts.Persons}
	if runErr != nil {
		p.logger.Error("run failed", append(attrs, "error", runErr)...)
		return
	}
	p.logger.Info("run finished", attrs...)
}

func observeStage(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
