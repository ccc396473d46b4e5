package ir

// Version constants reported to the backend.
const (
	// APIVersion is the backend protocol version segment.
	APIVersion = "v1"

	// EngineVersion is the receipts engine version.
	EngineVersion = "0.1.0"
)
