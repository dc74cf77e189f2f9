// Package searchindex maintains the search documents derived from the
// change-log stream. The versioned store stays canonical: everything in
// here can be discarded and rebuilt.
package searchindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const (
	seqFieldSuffix  = ":seq"
	payloadField    = ":payload"
	browsePathField = ":browsePath"
	urnField        = "urn"
	entityTypeField = "entityType"
)

// Indexer applies change-log events to the document store. It implements
// the consumer Applier contract and is idempotent: the per-aspect seq
// field rejects stale and duplicate events.
type Indexer struct {
	docs     DocStore
	registry *registry.Registry
}

func NewIndexer(docs DocStore, reg *registry.Registry) *Indexer {
	return &Indexer{docs: docs, registry: reg}
}

func (i *Indexer) Name() string { return "searchindex" }

// Eligible accepts events for registered aspects that contribute search
// fields, a browse path, or are the key aspect of their entity.
func (i *Indexer) Eligible(event *datamodel.MetadataChangeLog) bool {
	entity, err := i.registry.EntitySpec(event.EntityType)
	if err != nil {
		return false
	}
	spec, err := i.registry.AspectSpec(event.EntityType, event.Aspect)
	if err != nil || spec.Timeseries {
		return false
	}
	return len(spec.Searchable) > 0 || spec.BrowsePathTemplate != "" || entity.KeyAspect == event.Aspect
}

func (i *Indexer) Apply(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	rawUrn := event.Urn.String()
	doc, err := i.docs.GetDoc(ctx, rawUrn)
	if err != nil {
		return fmt.Errorf("failed to read document %s: %w", rawUrn, err)
	}

	seqField := event.Aspect + seqFieldSuffix
	if stored, ok := doc[seqField]; ok {
		storedSeq, parseErr := strconv.ParseInt(stored, 10, 64)
		if parseErr == nil && storedSeq >= event.Sequence {
			zap.S().Debugf("Skipping stale event %s/%s seq %d (indexed seq %d)", rawUrn, event.Aspect, event.Sequence, storedSeq)
			return nil
		}
	}

	spec, err := i.registry.AspectSpec(event.EntityType, event.Aspect)
	if err != nil {
		return err
	}

	oldFacets := facetsFromDoc(doc, event.EntityType, event.Aspect, spec)
	if event.IsDelete() {
		return i.applyDelete(ctx, event, oldFacets, seqField, doc)
	}

	fields, newFacets, err := buildFields(event, spec)
	if err != nil {
		return err
	}
	del := staleFields(doc, event.Aspect, fields)
	if err := i.docs.SetDoc(ctx, rawUrn, event.EntityType, fields, del); err != nil {
		return fmt.Errorf("failed to write document %s: %w", rawUrn, err)
	}
	return i.swapFacets(ctx, rawUrn, oldFacets, newFacets)
}

// applyDelete strips the aspect's fields but keeps the seq marker, so a
// redelivered pre-delete event cannot resurrect the fields.
func (i *Indexer) applyDelete(ctx context.Context, event *datamodel.MetadataChangeLog, oldFacets map[string]bool, seqField string, doc map[string]string) error {
	rawUrn := event.Urn.String()
	var del []string
	for field := range doc {
		if strings.HasPrefix(field, event.Aspect+":") && field != seqField {
			del = append(del, field)
		}
	}
	set := map[string]string{
		urnField:        rawUrn,
		entityTypeField: event.EntityType,
		seqField:        strconv.FormatInt(event.Sequence, 10),
	}
	if err := i.docs.SetDoc(ctx, rawUrn, event.EntityType, set, del); err != nil {
		return fmt.Errorf("failed to delete document fields of %s: %w", rawUrn, err)
	}
	return i.swapFacets(ctx, rawUrn, oldFacets, nil)
}

func (i *Indexer) swapFacets(ctx context.Context, rawUrn string, oldFacets, newFacets map[string]bool) error {
	for facetKey := range oldFacets {
		if newFacets[facetKey] {
			continue
		}
		if err := i.docs.RemoveFacet(ctx, facetKey, rawUrn); err != nil {
			return err
		}
	}
	for facetKey := range newFacets {
		if oldFacets[facetKey] {
			continue
		}
		if err := i.docs.AddFacet(ctx, facetKey, rawUrn); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild strips this aspect from every document of the entity type. The
// caller replays the versioned store afterwards.
func (i *Indexer) Rebuild(ctx context.Context, entityType, aspect string) error {
	spec, err := i.registry.AspectSpec(entityType, aspect)
	if err != nil {
		return err
	}
	urns, err := i.docs.Urns(ctx, entityType)
	if err != nil {
		return err
	}

	for _, rawUrn := range urns {
		doc, err := i.docs.GetDoc(ctx, rawUrn)
		if err != nil {
			return err
		}
		var del []string
		for field := range doc {
			if strings.HasPrefix(field, aspect+":") {
				del = append(del, field)
			}
		}
		if len(del) == 0 {
			continue
		}
		if err := i.docs.SetDoc(ctx, rawUrn, entityType, nil, del); err != nil {
			return err
		}
		for facetKey := range facetsFromDoc(doc, entityType, aspect, spec) {
			if err := i.docs.RemoveFacet(ctx, facetKey, rawUrn); err != nil {
				return err
			}
		}
	}
	zap.S().Infof("Search index reset for %s/%s: %d documents touched", entityType, aspect, len(urns))
	return nil
}

// buildFields flattens the payload into document fields and facet keys.
func buildFields(event *datamodel.MetadataChangeLog, spec *datamodel.AspectSpec) (map[string]string, map[string]bool, error) {
	var payload map[string]any
	if err := json.Unmarshal(event.NewPayload, &payload); err != nil {
		return nil, nil, fmt.Errorf("unindexable payload for %s/%s: %w", event.Urn, event.Aspect, err)
	}

	fields := map[string]string{
		urnField:                        event.Urn.String(),
		entityTypeField:                 event.EntityType,
		event.Aspect + seqFieldSuffix:   strconv.FormatInt(event.Sequence, 10),
		event.Aspect + payloadField:     base64.StdEncoding.EncodeToString(event.NewPayload),
	}
	facets := make(map[string]bool)

	for _, searchField := range spec.Searchable {
		value, ok := extractPath(payload, searchField.Path)
		if !ok {
			continue
		}
		rendered := renderValue(value)
		fields[event.Aspect+":"+searchField.Path] = rendered
		if searchField.Facet {
			facets[FacetKey(event.EntityType, searchField.Path, rendered)] = true
		}
	}

	if spec.BrowsePathTemplate != "" {
		browsePath := strings.ReplaceAll(spec.BrowsePathTemplate, "{key}", event.Urn.Key)
		fields[event.Aspect+browsePathField] = browsePath
		facets[FacetKey(event.EntityType, "browsePath", browsePath)] = true
	}
	return fields, facets, nil
}

// facetsFromDoc recomputes the facet keys a stored document contributes
// for one aspect, so they can be removed when the values change.
func facetsFromDoc(doc map[string]string, entityType, aspect string, spec *datamodel.AspectSpec) map[string]bool {
	facets := make(map[string]bool)
	for _, searchField := range spec.Searchable {
		if !searchField.Facet {
			continue
		}
		if value, ok := doc[aspect+":"+searchField.Path]; ok {
			facets[FacetKey(entityType, searchField.Path, value)] = true
		}
	}
	if browsePath, ok := doc[aspect+browsePathField]; ok {
		facets[FacetKey(entityType, "browsePath", browsePath)] = true
	}
	return facets
}

// staleFields lists stored fields of this aspect that the new write no
// longer sets, e.g. a searchable path dropped from the payload.
func staleFields(doc map[string]string, aspect string, fields map[string]string) []string {
	var del []string
	for field := range doc {
		if !strings.HasPrefix(field, aspect+":") {
			continue
		}
		if _, ok := fields[field]; !ok {
			del = append(del, field)
		}
	}
	return del
}

func extractPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		rendered, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(rendered)
	}
}
