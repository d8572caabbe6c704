package model

import (
	"encoding/json"
	"time"
)

// RecordKind identifies which collection a record belongs to. All kinds
// share the same sync envelope.
type RecordKind string

const (
	KindMemory  RecordKind = "memory"
	KindSession RecordKind = "session"
	KindEdge    RecordKind = "edge"
)

// DefaultNamespace is used when a client does not name one
const DefaultNamespace = "global"

// Valid reports whether k is a known record kind
func (k RecordKind) Valid() bool {
	switch k {
	case KindMemory, KindSession, KindEdge:
		return true
	default:
		return false
	}
}

// Record is the stored sync envelope for a memory, session or edge
type Record struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"-"`
	Kind         RecordKind      `json:"kind"`
	NamespaceID  string          `json:"namespace_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	VectorClock  VectorClock     `json:"vector_clock"`
	ContentHash  string          `json:"content_hash"`
	LastDeviceID string          `json:"last_device_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`

	// Version is bumped on every stored mutation and used for optimistic locking
	Version int64 `json:"-"`
}

// IsTombstone reports whether the record has been deleted
func (r *Record) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	out := *r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	out.VectorClock = r.VectorClock.Clone()
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// RecordEnvelope is a record as submitted by a device in a push
type RecordEnvelope struct {
	ID          string          `json:"id"`
	Kind        RecordKind      `json:"kind,omitempty"`
	NamespaceID string          `json:"namespace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	VectorClock VectorClock     `json:"vector_clock"`
	ContentHash string          `json:"content_hash,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// ManifestEntry is one line of a client's content-addressed manifest
type ManifestEntry struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
}
