package validation

import (
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

// DefaultMaxPayloadBytes bounds aspect payloads when the aspect spec does
// not set its own limit.
const DefaultMaxPayloadBytes = 1 << 20

// Validator checks a proposal against the current aspect state. Validators
// are pure functions of their arguments so they can run in parallel across
// unrelated urns and are trivially unit-testable.
type Validator interface {
	Name() string
	Validate(p *datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, current *datamodel.AspectRecord) datamodel.ValidationResult
}

// Mutator rewrites a proposal before validation, e.g. PATCH-to-UPSERT
// conversion and defaulting. Mutators never touch external state.
type Mutator interface {
	Name() string
	Mutate(p datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, current *datamodel.AspectRecord) (datamodel.MetadataChangeProposal, error)
}

// Chain composes mutators and validators in a fixed, explicit order.
// The first failing validator short-circuits and its reasons are returned
// verbatim.
type Chain struct {
	registry   *registry.Registry
	mutators   []Mutator
	validators []Validator
}

// NewChain builds the default chain. Extra validators run after the
// built-in ones, in the order given.
func NewChain(reg *registry.Registry, extra ...Validator) *Chain {
	c := &Chain{
		registry: reg,
		mutators: []Mutator{
			&defaultsMutator{},
			&patchMutator{},
		},
		validators: []Validator{
			&urnValidator{},
			&changeTypeValidator{},
			&payloadSizeValidator{},
			&schemaValidator{},
		},
	}
	c.validators = append(c.validators, extra...)
	return c
}

// Run mutates and validates one proposal. On success the returned proposal
// is the one to commit (PATCH already converted to UPSERT). The chain never
// partially applies side effects: a failure leaves no trace anywhere.
func (c *Chain) Run(p datamodel.MetadataChangeProposal, current *datamodel.AspectRecord) (datamodel.MetadataChangeProposal, datamodel.ValidationResult) {
	spec, err := c.registry.AspectSpec(p.EntityType, p.Aspect)
	if err != nil {
		return p, datamodel.ValidationFail(datamodel.ValidationReason{
			Validator: "registry",
			Message:   err.Error(),
		})
	}

	for _, m := range c.mutators {
		mutated, err := m.Mutate(p, spec, current)
		if err != nil {
			zap.S().Debugf("Mutator %s rejected proposal for %s/%s: %s", m.Name(), p.Urn, p.Aspect, err)
			return p, datamodel.ValidationFail(datamodel.ValidationReason{
				Validator: m.Name(),
				Message:   err.Error(),
			})
		}
		p = mutated
	}

	for _, v := range c.validators {
		result := v.Validate(&p, spec, current)
		if !result.Valid {
			zap.S().Debugf("Validator %s rejected proposal for %s/%s: %s", v.Name(), p.Urn, p.Aspect, result)
			return p, result
		}
	}

	return p, datamodel.ValidationOK()
}
