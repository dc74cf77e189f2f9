package datamodel

import (
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SearchFieldSpec marks one payload field for search indexing.
// Path is a dotted payload path ("info.name"); Facet additionally
// materializes the field into a facet set.
type SearchFieldSpec struct {
	Path  string
	Facet bool
}

// RelationshipSpec extracts graph edges from one payload field.
// The value at Path must be an urn string or a list of urn strings.
type RelationshipSpec struct {
	Name string
	Path string
}

// AspectSpec describes one named, independently versioned slice of an
// entity's metadata.
type AspectSpec struct {
	Name string
	// Timeseries aspects are append-only and bypass versioning.
	Timeseries bool
	// Key marks the identity aspect of the entity.
	Key bool
	// Schema validates proposal payloads. Nil means schema-free.
	Schema *jsonschema.Schema
	// MaxPayloadBytes bounds accepted payload size. 0 means the
	// engine default applies.
	MaxPayloadBytes int
	// CacheTTL controls the read-side cache for this aspect.
	// Zero means no caching.
	CacheTTL time.Duration

	Searchable    []SearchFieldSpec
	Relationships []RelationshipSpec
	// BrowsePathTemplate computes the deterministic browse path of a
	// document, e.g. "/{entityType}/{key}". Empty disables browse.
	BrowsePathTemplate string
}

// EntitySpec describes one entity type: its ordered aspects and which
// aspect carries the identity key.
type EntitySpec struct {
	Name      string
	KeyAspect string
	Aspects   []*AspectSpec

	byName map[string]*AspectSpec
}

func NewEntitySpec(name, keyAspect string, aspects []*AspectSpec) *EntitySpec {
	byName := make(map[string]*AspectSpec, len(aspects))
	for _, a := range aspects {
		byName[a.Name] = a
	}
	return &EntitySpec{Name: name, KeyAspect: keyAspect, Aspects: aspects, byName: byName}
}

// Aspect returns the spec for the given aspect name, or nil.
func (e *EntitySpec) Aspect(name string) *AspectSpec {
	return e.byName[name]
}
