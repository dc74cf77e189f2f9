package datamodel

// ChangeType describes how a proposal wants to change an aspect.
type ChangeType string

const (
	ChangeTypeUpsert ChangeType = "UPSERT"
	ChangeTypeCreate ChangeType = "CREATE"
	ChangeTypePatch  ChangeType = "PATCH"
	ChangeTypeDelete ChangeType = "DELETE"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeTypeUpsert, ChangeTypeCreate, ChangeTypePatch, ChangeTypeDelete:
		return true
	}
	return false
}

// MetadataChangeProposal is the input to the change proposal processor:
// a requested change to one aspect of one entity.
type MetadataChangeProposal struct {
	Urn         Urn             `json:"urn"`
	EntityType  string          `json:"entityType"`
	Aspect      string          `json:"aspect"`
	ChangeType  ChangeType      `json:"changeType"`
	Payload     []byte          `json:"payload,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Audit       *AuditStamp     `json:"audit,omitempty"`
	System      *SystemMetadata `json:"system,omitempty"`
}

// MetadataChangeLog is the durable record of an accepted change, published
// once per committed aspect version and consumed by the derived indices.
// Consumers must tolerate redelivery; Sequence is the per-(urn,aspect)
// monotonic counter they deduplicate and order on.
type MetadataChangeLog struct {
	Urn             Urn            `json:"urn"`
	EntityType      string         `json:"entityType"`
	Aspect          string         `json:"aspect"`
	ChangeType      ChangeType     `json:"changeType"`
	Sequence        int64          `json:"sequence"`
	PreviousPayload []byte         `json:"previousPayload,omitempty"`
	NewPayload      []byte         `json:"newPayload,omitempty"`
	Audit           AuditStamp     `json:"audit"`
	System          SystemMetadata `json:"system"`
}

// IsDelete reports whether the event removes the aspect from derived
// indices (soft delete; the versioned store keeps full history).
func (e *MetadataChangeLog) IsDelete() bool {
	return e.ChangeType == ChangeTypeDelete || len(e.NewPayload) == 0
}
