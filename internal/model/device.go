package model

import "time"

// Device is a registration row for a client installation. It never owns
// record data; records belong to the tenant.
type Device struct {
	TenantID      string    `json:"tenant_id"`
	DeviceID      string    `json:"device_id"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform"`
	ClientVersion string    `json:"client_version"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
