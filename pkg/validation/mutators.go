package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// defaultsMutator fills in audit stamp, system metadata and content type
// so downstream code never has to nil-check them.
type defaultsMutator struct{}

func (m *defaultsMutator) Name() string { return "defaults" }

func (m *defaultsMutator) Mutate(p datamodel.MetadataChangeProposal, _ *datamodel.AspectSpec, _ *datamodel.AspectRecord) (datamodel.MetadataChangeProposal, error) {
	if p.Audit == nil {
		p.Audit = &datamodel.AuditStamp{}
	}
	if p.Audit.Actor == "" {
		p.Audit.Actor = "urn:mh:corpuser:system"
	}
	if p.Audit.Time.IsZero() {
		p.Audit.Time = time.Now().UTC()
	}
	if p.System == nil {
		p.System = &datamodel.SystemMetadata{}
	}
	if p.System.RunID == "" {
		p.System.RunID = uuid.NewString()
	}
	if p.ContentType == "" && p.ChangeType != datamodel.ChangeTypeDelete {
		p.ContentType = datamodel.ContentTypeJSON
	}
	return p, nil
}

// patchMutator converts a PATCH proposal into an UPSERT by applying the
// payload as an RFC 7386 merge patch against the current value.
type patchMutator struct{}

func (m *patchMutator) Name() string { return "patch" }

func (m *patchMutator) Mutate(p datamodel.MetadataChangeProposal, _ *datamodel.AspectSpec, current *datamodel.AspectRecord) (datamodel.MetadataChangeProposal, error) {
	if p.ChangeType != datamodel.ChangeTypePatch {
		return p, nil
	}
	if current == nil {
		return p, errors.New("patch requires an existing aspect value")
	}
	if current.IsTombstone() {
		return p, fmt.Errorf("aspect %s of %s is deleted and cannot be patched", p.Aspect, p.Urn)
	}

	merged, err := mergePatch(current.Payload, p.Payload)
	if err != nil {
		return p, fmt.Errorf("failed to apply merge patch: %w", err)
	}
	p.Payload = merged
	p.ChangeType = datamodel.ChangeTypeUpsert
	return p, nil
}

// mergePatch applies an RFC 7386 JSON merge patch. Nulls in the patch
// remove the corresponding key from the target.
func mergePatch(target, patch []byte) ([]byte, error) {
	var patchVal any
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("patch is not valid JSON: %w", err)
	}
	patchMap, ok := patchVal.(map[string]any)
	if !ok {
		// A non-object patch replaces the target wholesale.
		return json.Marshal(patchVal)
	}

	var targetVal any
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, fmt.Errorf("current value is not valid JSON: %w", err)
		}
	}
	targetMap, ok := targetVal.(map[string]any)
	if !ok {
		targetMap = map[string]any{}
	}

	return json.Marshal(mergeMaps(targetMap, patchMap))
}

func mergeMaps(target, patch map[string]any) map[string]any {
	for key, value := range patch {
		if value == nil {
			delete(target, key)
			continue
		}
		if patchChild, ok := value.(map[string]any); ok {
			if targetChild, ok := target[key].(map[string]any); ok {
				target[key] = mergeMaps(targetChild, patchChild)
				continue
			}
			// Strip nulls from the replacement object as well.
			target[key] = mergeMaps(map[string]any{}, patchChild)
			continue
		}
		target[key] = value
	}
	return target
}
