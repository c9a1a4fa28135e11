package constants

// Handler limits
const (
	// MaxAnalyzeBodyBytes is the maximum accepted size of an analyze request body
	MaxAnalyzeBodyBytes = 256 << 20

	// MaxJSONBodyBytes is the maximum accepted size of other JSON request bodies
	MaxJSONBodyBytes = 1 << 20

	// MaxNameLength is the maximum length of a human-assigned person name
	MaxNameLength = 200

	// MaxNotesLength is the maximum length of person notes
	MaxNotesLength = 4000
)
