package database

import (
	"context"
	"errors"
	"sync"
)

// HNSWRebuilder is an interface for repositories that support HNSW index rebuilding
type HNSWRebuilder interface {
	// RebuildHNSW rebuilds the in-memory HNSW index
	RebuildHNSW(ctx context.Context) error
	// HNSWCount returns the number of items in the HNSW index
	HNSWCount() int
	// IsHNSWEnabled returns whether HNSW is enabled
	IsHNSWEnabled() bool
	// SaveHNSWIndex saves the current index to disk (if path configured)
	SaveHNSWIndex() error
}

var (
	registryMu          sync.RWMutex
	postgresStore       func() Store
	postgresFaceHNSW    HNSWRebuilder // Singleton for face HNSW rebuilding
	postgresInitialized bool
)

// RegisterPostgresBackend registers the PostgreSQL store constructor.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(store func() Store) {
	registryMu.Lock()
	defer registryMu.Unlock()
	postgresStore = store
	postgresInitialized = true
}

// RegisterFaceHNSWRebuilder registers the HNSW rebuilder for the face repository.
// This allows rebuilding the in-memory HNSW index without knowing the concrete type.
func RegisterFaceHNSWRebuilder(rebuilder HNSWRebuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	postgresFaceHNSW = rebuilder
}

// GetFaceHNSWRebuilder returns the registered face HNSW rebuilder, or nil if not registered.
func GetFaceHNSWRebuilder() HNSWRebuilder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return postgresFaceHNSW
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return postgresInitialized
}

// GetStore returns the Store of the PostgreSQL backend
func GetStore(ctx context.Context) (Store, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if !postgresInitialized {
		return nil, errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresStore == nil {
		return nil, errors.New("PostgreSQL store not registered")
	}
	return postgresStore(), nil
}

// resetRegistry clears registered backends. Used by tests.
func resetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	postgresStore = nil
	postgresFaceHNSW = nil
	postgresInitialized = false
}
