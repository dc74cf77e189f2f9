package datamodel

import "time"

const (
	// LatestVersion is the version number that always points at the current
	// value of an aspect. History copies are stored at 1..N-1 and the
	// sequence stays dense.
	LatestVersion int64 = 0

	ContentTypeJSON      = "application/json"
	ContentTypeTombstone = "application/x-tombstone"
)

// AuditStamp records who caused a change and when.
type AuditStamp struct {
	Actor   string    `json:"actor"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
}

// SystemMetadata carries correlation data used for idempotent replay.
type SystemMetadata struct {
	RunID        string    `json:"runId,omitempty"`
	LastObserved time.Time `json:"lastObserved,omitempty"`
}

// AspectRecord is the stored unit of the versioned aspect store.
// Key is (Urn, Aspect, Version).
type AspectRecord struct {
	Urn         Urn            `json:"urn"`
	Aspect      string         `json:"aspect"`
	Version     int64          `json:"version"`
	Payload     []byte         `json:"payload,omitempty"`
	ContentType string         `json:"contentType"`
	Audit       AuditStamp     `json:"audit"`
	System      SystemMetadata `json:"system"`
	// Fingerprint is unique per committed write and is the token the
	// compare-and-swap in the store conditions on.
	Fingerprint string `json:"fingerprint"`
}

// IsTombstone reports whether this record soft-deletes the aspect.
func (r *AspectRecord) IsTombstone() bool {
	return r != nil && r.ContentType == ContentTypeTombstone
}
