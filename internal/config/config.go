package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Matching MatchingConfig `yaml:"matching"`
	Database DatabaseConfig `yaml:"database"`
	Web      WebConfig      `yaml:"web"`
}

type MatchingConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // within-video grouping and cross-video edges
	ClusteringThreshold float64 `yaml:"clustering_threshold"` // person-cluster formation
	MergeThreshold      float64 `yaml:"merge_threshold"`      // merging near-duplicate new identities of one video
	RegisteredThreshold float64 `yaml:"registered_threshold"` // recognising a named person
	TrackThreshold      float64 `yaml:"track_threshold"`      // recognising an unnamed, previously seen person
	EmbeddingDim        int     `yaml:"embedding_dim"`
	KNeighbors          int     `yaml:"k_neighbors"`
	Workers             int     `yaml:"workers"`              // defaults to the number of CPUs
	IndexMinIdentities  int     `yaml:"index_min_identities"` // corpus size at which matching switches to the HNSW index
}

type DatabaseConfig struct {
	URL           string `yaml:"-"`              // PostgreSQL connection URL
	MaxOpenConns  int    `yaml:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns  int    `yaml:"max_idle_conns"` // Maximum idle connections (default 5)
	HNSWIndexPath string `yaml:"-"`              // Path to persist the face HNSW index (optional, rebuilt on startup if empty)
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"-"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envString returns the environment variable or the default when unset.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Defaults returns the embedded defaults without environment overrides.
func Defaults() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	if cfg.Matching.Workers <= 0 {
		cfg.Matching.Workers = runtime.NumCPU()
	}
	return cfg
}

func Load() *Config {
	d := Defaults()

	return &Config{
		Matching: MatchingConfig{
			SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", d.Matching.SimilarityThreshold),
			ClusteringThreshold: envFloat("CLUSTERING_THRESHOLD", d.Matching.ClusteringThreshold),
			MergeThreshold:      envFloat("MERGE_THRESHOLD", d.Matching.MergeThreshold),
			RegisteredThreshold: envFloat("REGISTERED_THRESHOLD", d.Matching.RegisteredThreshold),
			TrackThreshold:      envFloat("TRACK_THRESHOLD", d.Matching.TrackThreshold),
			EmbeddingDim:        envInt("EMBEDDING_DIM", d.Matching.EmbeddingDim),
			KNeighbors:          envInt("K_NEIGHBORS", d.Matching.KNeighbors),
			Workers:             envInt("WORKERS", d.Matching.Workers),
			IndexMinIdentities:  envInt("INDEX_MIN_IDENTITIES", d.Matching.IndexMinIdentities),
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", d.Database.MaxOpenConns),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", d.Database.MaxIdleConns),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
}

// Validate rejects matching settings the engine cannot run with.
func (c *Config) Validate() error {
	m := c.Matching
	var errs []error
	for name, v := range map[string]float64{
		"SIMILARITY_THRESHOLD": m.SimilarityThreshold,
		"CLUSTERING_THRESHOLD": m.ClusteringThreshold,
		"MERGE_THRESHOLD":      m.MergeThreshold,
		"REGISTERED_THRESHOLD": m.RegisteredThreshold,
		"TRACK_THRESHOLD":      m.TrackThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %v", name, v))
		}
	}
	if m.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", m.EmbeddingDim))
	}
	if m.KNeighbors <= 0 {
		errs = append(errs, fmt.Errorf("K_NEIGHBORS must be positive, got %d", m.KNeighbors))
	}
	return errors.Join(errs...)
}

// ValidateStoredDim rejects an EMBEDDING_DIM that differs from the dimension
// of the database vector columns when a database is configured.
func (c *Config) ValidateStoredDim(storedDim int) error {
	if c.Database.URL == "" || c.Matching.EmbeddingDim == storedDim {
		return nil
	}
	return fmt.Errorf("EMBEDDING_DIM %d does not match the database embedding dimension %d",
		c.Matching.EmbeddingDim, storedDim)
}

// ClusteringBelowSimilarity reports whether the clustering threshold is looser
// than the match threshold. Edges below the match threshold never exist, so the
// effective clustering threshold is then the match threshold.
func (m MatchingConfig) ClusteringBelowSimilarity() bool {
	return m.ClusteringThreshold < m.SimilarityThreshold
}
