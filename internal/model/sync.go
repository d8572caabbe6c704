package model

import "time"

// PushStatus is the per-record outcome of a push
type PushStatus string

const (
	// PushApplied means the write was accepted and stored
	PushApplied PushStatus = "applied"
	// PushConflict means the write is concurrent with the stored version and was not stored
	PushConflict PushStatus = "conflict"
	// PushUnchanged means the write was a no-op
	PushUnchanged PushStatus = "unchanged"
	// PushRejected means the envelope failed validation
	PushRejected PushStatus = "rejected"
)

// Reasons attached to unchanged outcomes
const (
	ReasonIdentical = "identical"
	ReasonStale     = "stale"
)

// RegisterRequest registers or refreshes a device
type RegisterRequest struct {
	DeviceID      string `json:"device_id"`
	Name          string `json:"device_name"`
	Platform      string `json:"platform"`
	ClientVersion string `json:"client_version"`
}

// PushRequest carries a batch of local writes from one device
type PushRequest struct {
	DeviceID string           `json:"device_id"`
	Records  []RecordEnvelope `json:"records"`
	Force    bool             `json:"force"`
}

// PushOutcome reports what happened to one submitted record
type PushOutcome struct {
	ID          string      `json:"id"`
	Kind        RecordKind  `json:"kind,omitempty"`
	Status      PushStatus  `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	VectorClock VectorClock `json:"vector_clock,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// PushResult enumerates the outcome of every submitted record, in submission order
type PushResult struct {
	Outcomes        []PushOutcome `json:"outcomes"`
	Applied         int           `json:"applied"`
	Conflicts       int           `json:"conflicts"`
	Unchanged       int           `json:"unchanged"`
	Rejected        int           `json:"rejected"`
	ServerTimestamp time.Time     `json:"server_timestamp"`
}

// PullRequest asks for records changed after a point in time
type PullRequest struct {
	DeviceID     string       `json:"device_id"`
	NamespaceIDs []string     `json:"namespace_ids,omitempty"`
	Kinds        []RecordKind `json:"kinds,omitempty"`
	Since        *time.Time   `json:"since_timestamp,omitempty"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
}

// PullResult is one page of records ordered by (updated_at, id)
type PullResult struct {
	Records         []*Record `json:"records"`
	HasMore         bool      `json:"has_more"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// DiffRequest carries a client's manifest of {id, content_hash}
type DiffRequest struct {
	DeviceID     string          `json:"device_id"`
	Manifest     []ManifestEntry `json:"manifest"`
	NamespaceIDs []string        `json:"namespace_ids,omitempty"`
	Kinds        []RecordKind    `json:"kinds,omitempty"`
}

// DiffResult partitions ids that differ between client and server
type DiffResult struct {
	MissingOnClient []string  `json:"missing_on_client"`
	MissingOnServer []string  `json:"missing_on_server"`
	Updated         []string  `json:"updated"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// FetchRequest asks for specific records by id
type FetchRequest struct {
	DeviceID string   `json:"device_id"`
	IDs      []string `json:"ids"`
}

// StatusResult summarizes sync state for a device
type StatusResult struct {
	DeviceID             string    `json:"device_id"`
	LastSeenAt           time.Time `json:"last_seen_at"`
	RecordCount          int64     `json:"record_count"`
	TombstoneCount       int64     `json:"tombstone_count"`
	PendingConflictCount int64     `json:"pending_conflict_count"`
	ServerTimestamp      time.Time `json:"server_timestamp"`
}
