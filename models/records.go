package models

// ChatRecord is one append-only chat history entry.
type ChatRecord struct {
	Body          string `json:"body"`
	SenderAddress string `json:"sender_address"`
	Group         string `json:"group"`
	Timestamp     int64  `json:"timestamp"`
}

// ActivityEntry is one append-only activity log entry.
type ActivityEntry struct {
	Action    string `json:"action"`
	Details   string `json:"details"`
	Timestamp int64  `json:"timestamp"`
}

const (
	// UpdateKindPrimary artifacts must verify against the trusted publisher key.
	UpdateKindPrimary = "primary"
	// UpdateKindCustom artifacts are distributed unverified and flagged as such.
	UpdateKindCustom = "custom"
)

// UpdateMetadata describes the single active update record on a node.
type UpdateMetadata struct {
	Version      string `json:"version"`
	Kind         string `json:"kind"`
	ArtifactName string `json:"artifact_name"`
	Signature    string `json:"signature"`
}
