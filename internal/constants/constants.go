// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Search constants
const (
	// DefaultSearchLimit is the default number of neighbours returned by face search
	DefaultSearchLimit = 10

	// MaxSearchLimit caps the number of neighbours a single search may request
	MaxSearchLimit = 500
)

// Run bookkeeping constants
const (
	// DefaultRunListLimit is the default number of runs listed
	DefaultRunListLimit = 20

	// MaxRunListLimit caps the number of runs returned by one request
	MaxRunListLimit = 500
)

// Processing constants
const (
	// ProgressBarWidth is the width of CLI progress bars
	ProgressBarWidth = 40

	// ShutdownTimeoutSeconds bounds graceful HTTP shutdown
	ShutdownTimeoutSeconds = 10
)
