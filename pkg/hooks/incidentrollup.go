package hooks

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const (
	incidentEntityType    = "incident"
	incidentDetailAspect  = "incidentProperties"
	incidentSummaryAspect = "incidentsSummary"

	incidentStateActive = "ACTIVE"

	rollupActor = "urn:mh:corpuser:__hooks"
)

// AspectReader is the read slice of the store the hook needs.
type AspectReader interface {
	GetLatest(ctx context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error)
}

// incidentPayload is the detail aspect the hook listens on.
type incidentPayload struct {
	Title     string   `json:"title,omitempty"`
	Severity  string   `json:"severity,omitempty"`
	State     string   `json:"state,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// incidentSummary is the rollup aspect written onto each resource.
type incidentSummary struct {
	ActiveCount int             `json:"activeCount"`
	Incidents   []incidentEntry `json:"incidents"`
}

type incidentEntry struct {
	Urn      string `json:"urn"`
	Severity string `json:"severity,omitempty"`
	Title    string `json:"title,omitempty"`
}

// IncidentRollup recomputes an incidents summary on every resource an
// incident references. Recomputation is read-modify-write: drop any
// prior entry for the incident, re-add it if the incident is still
// active, and write the result in canonical JSON so replays produce
// byte-identical payloads.
type IncidentRollup struct {
	reader   AspectReader
	registry *registry.Registry
}

func NewIncidentRollup(reader AspectReader, reg *registry.Registry) *IncidentRollup {
	return &IncidentRollup{reader: reader, registry: reg}
}

func (h *IncidentRollup) Name() string { return "incident-rollup" }

func (h *IncidentRollup) Eligible(event *datamodel.MetadataChangeLog) bool {
	return event.EntityType == incidentEntityType && event.Aspect == incidentDetailAspect
}

func (h *IncidentRollup) Apply(ctx context.Context, event *datamodel.MetadataChangeLog) ([]datamodel.MetadataChangeProposal, error) {
	current, previous, err := decodeIncident(event)
	if err != nil {
		return nil, err
	}

	// Union of old and new resources: resources dropped from the list
	// still need the incident removed from their summary.
	targets := make(map[string]bool)
	for _, resource := range previous.Resources {
		targets[resource] = true
	}
	active := !event.IsDelete() && current.State == incidentStateActive
	inCurrent := make(map[string]bool)
	for _, resource := range current.Resources {
		targets[resource] = true
		inCurrent[resource] = true
	}

	incidentUrn := event.Urn.String()
	var proposals []datamodel.MetadataChangeProposal
	for _, rawResource := range sortedKeys(targets) {
		resourceUrn, err := datamodel.ParseUrn(rawResource)
		if err != nil {
			zap.S().Warnf("Incident %s references unparseable resource urn %q, skipping", incidentUrn, rawResource)
			continue
		}
		if _, err := h.registry.AspectSpec(resourceUrn.EntityType, incidentSummaryAspect); err != nil {
			zap.S().Warnf("Entity type %s carries no %s aspect, skipping rollup from %s", resourceUrn.EntityType, incidentSummaryAspect, incidentUrn)
			continue
		}

		entry := incidentEntry{Urn: incidentUrn, Severity: current.Severity, Title: current.Title}
		payload, changed, err := h.recompute(ctx, resourceUrn, entry, active && inCurrent[rawResource])
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		proposals = append(proposals, datamodel.MetadataChangeProposal{
			Urn:         resourceUrn,
			EntityType:  resourceUrn.EntityType,
			Aspect:      incidentSummaryAspect,
			ChangeType:  datamodel.ChangeTypeUpsert,
			Payload:     payload,
			ContentType: datamodel.ContentTypeJSON,
			Audit: &datamodel.AuditStamp{
				Actor:   rollupActor,
				Time:    time.Now().UTC(),
				Message: fmt.Sprintf("incident rollup from %s seq %d", incidentUrn, event.Sequence),
			},
			System: &datamodel.SystemMetadata{RunID: rollupRunID(event, rawResource)},
		})
	}
	return proposals, nil
}

// recompute builds the new canonical summary payload for one resource.
// Returns changed=false when the stored summary already matches, so a
// replayed event produces no proposal at all.
func (h *IncidentRollup) recompute(ctx context.Context, resourceUrn datamodel.Urn, entry incidentEntry, include bool) ([]byte, bool, error) {
	record, err := h.reader.GetLatest(ctx, resourceUrn, incidentSummaryAspect)
	if err != nil {
		return nil, false, err
	}

	var summary incidentSummary
	if record != nil && !record.IsTombstone() {
		if err := json.Unmarshal(record.Payload, &summary); err != nil {
			return nil, false, fmt.Errorf("unreadable %s on %s: %w", incidentSummaryAspect, resourceUrn, err)
		}
	}

	entries := make([]incidentEntry, 0, len(summary.Incidents)+1)
	for _, existing := range summary.Incidents {
		if existing.Urn != entry.Urn {
			entries = append(entries, existing)
		}
	}
	if include {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Urn < entries[b].Urn })

	raw, err := json.Marshal(incidentSummary{ActiveCount: len(entries), Incidents: entries})
	if err != nil {
		return nil, false, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to canonicalize summary for %s: %w", resourceUrn, err)
	}

	if record != nil && !record.IsTombstone() && string(record.Payload) == string(canonical) {
		return nil, false, nil
	}
	return canonical, true, nil
}

// rollupRunID is deterministic per (source event, target resource), so
// the processor's run-id replay window absorbs duplicate deliveries.
func rollupRunID(event *datamodel.MetadataChangeLog, rawResource string) string {
	digest := internal.AsXXHash(
		[]byte(event.Urn.String()),
		[]byte(event.Aspect),
		[]byte(strconv.FormatInt(event.Sequence, 10)),
		[]byte(rawResource),
	)
	return "rollup-" + hex.EncodeToString(digest)
}

func decodeIncident(event *datamodel.MetadataChangeLog) (current, previous incidentPayload, err error) {
	if len(event.NewPayload) > 0 {
		if err = json.Unmarshal(event.NewPayload, &current); err != nil {
			return current, previous, fmt.Errorf("unreadable incident payload for %s: %w", event.Urn, err)
		}
	}
	if len(event.PreviousPayload) > 0 {
		if err = json.Unmarshal(event.PreviousPayload, &previous); err != nil {
			return current, previous, fmt.Errorf("unreadable previous incident payload for %s: %w", event.Urn, err)
		}
	}
	return current, previous, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := maps.Keys(set)
	slices.Sort(keys)
	return keys
}
