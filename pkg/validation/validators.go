package validation

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

type urnValidator struct{}

func (v *urnValidator) Name() string { return "urn" }

func (v *urnValidator) Validate(p *datamodel.MetadataChangeProposal, _ *datamodel.AspectSpec, _ *datamodel.AspectRecord) datamodel.ValidationResult {
	if err := p.Urn.Validate(); err != nil {
		return datamodel.ValidationFail(datamodel.ValidationReason{Validator: v.Name(), Message: err.Error()})
	}
	if p.Urn.EntityType != p.EntityType {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("urn entity type %q does not match proposal entity type %q", p.Urn.EntityType, p.EntityType),
		})
	}
	return datamodel.ValidationOK()
}

type changeTypeValidator struct{}

func (v *changeTypeValidator) Name() string { return "changeType" }

func (v *changeTypeValidator) Validate(p *datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, _ *datamodel.AspectRecord) datamodel.ValidationResult {
	if !p.ChangeType.Valid() {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("unsupported change type %q", p.ChangeType),
		})
	}
	if spec.Timeseries && p.ChangeType != datamodel.ChangeTypeUpsert {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("timeseries aspect %s only accepts UPSERT, got %s", spec.Name, p.ChangeType),
		})
	}
	if p.ChangeType != datamodel.ChangeTypeDelete && len(p.Payload) == 0 {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("%s proposal has empty payload", p.ChangeType),
		})
	}
	return datamodel.ValidationOK()
}

type payloadSizeValidator struct{}

func (v *payloadSizeValidator) Name() string { return "payloadSize" }

func (v *payloadSizeValidator) Validate(p *datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, _ *datamodel.AspectRecord) datamodel.ValidationResult {
	limit := spec.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if len(p.Payload) > limit {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("payload is %d bytes, limit for %s is %d", len(p.Payload), spec.Name, limit),
		})
	}
	return datamodel.ValidationOK()
}

type schemaValidator struct{}

func (v *schemaValidator) Name() string { return "schema" }

func (v *schemaValidator) Validate(p *datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, _ *datamodel.AspectRecord) datamodel.ValidationResult {
	if p.ChangeType == datamodel.ChangeTypeDelete || spec.Schema == nil {
		return datamodel.ValidationOK()
	}

	var decoded any
	if err := json.Unmarshal(p.Payload, &decoded); err != nil {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   fmt.Sprintf("payload is not valid JSON: %s", err),
		})
	}
	if err := spec.Schema.Validate(decoded); err != nil {
		return datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: v.Name(),
			Message:   err.Error(),
		})
	}
	return datamodel.ValidationOK()
}
