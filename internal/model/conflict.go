package model

import "time"

// Conflict records a rejected concurrent write so the device can be told
// it has unresolved work. It is resolved by the next accepted write to the
// same record.
type Conflict struct {
	ConflictID    string
	TenantID      string
	RecordID      string
	DeviceID      string
	IncomingClock VectorClock
	IncomingHash  string
	StoredClock   VectorClock
	StoredHash    string
	DetectedAt    time.Time
	ResolvedAt    *time.Time
}
