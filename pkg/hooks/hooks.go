// Package hooks recomputes denormalized summary aspects on related
// entities in response to change-log events. Hooks emit proposals back
// into the processor instead of writing the store directly, so their
// output goes through the same validation and versioning as any other
// write.
package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/processor"
)

// Hook reacts to one change-log event with zero or more new proposals.
// Apply must be idempotent: invoked twice for the same event it must
// leave the summary aspects byte-identical.
type Hook interface {
	Name() string
	Eligible(event *datamodel.MetadataChangeLog) bool
	Apply(ctx context.Context, event *datamodel.MetadataChangeLog) ([]datamodel.MetadataChangeProposal, error)
}

// Submitter is the slice of the processor the dispatcher needs.
type Submitter interface {
	SubmitProposal(ctx context.Context, proposal datamodel.MetadataChangeProposal) (processor.Result, error)
}

// Dispatcher runs hooks against the event stream. It implements the
// consumer Applier contract, so it rides the same runner as the index
// consumers.
type Dispatcher struct {
	submitter Submitter
	hooks     []Hook
}

func NewDispatcher(submitter Submitter, hooks ...Hook) *Dispatcher {
	return &Dispatcher{submitter: submitter, hooks: hooks}
}

func (d *Dispatcher) Name() string { return "hooks" }

func (d *Dispatcher) Eligible(event *datamodel.MetadataChangeLog) bool {
	for _, hook := range d.hooks {
		if hook.Eligible(event) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) Apply(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	for _, hook := range d.hooks {
		if !hook.Eligible(event) {
			continue
		}
		proposals, err := hook.Apply(ctx, event)
		if err != nil {
			return fmt.Errorf("hook %s failed on %s/%s seq %d: %w", hook.Name(), event.Urn, event.Aspect, event.Sequence, err)
		}
		for _, proposal := range proposals {
			result, err := d.submitter.SubmitProposal(ctx, proposal)
			if err != nil {
				return fmt.Errorf("hook %s proposal for %s/%s failed: %w", hook.Name(), proposal.Urn, proposal.Aspect, err)
			}
			if result.Deduplicated {
				zap.S().Debugf("Hook %s proposal for %s/%s already applied (run %s)", hook.Name(), proposal.Urn, proposal.Aspect, proposal.System.RunID)
			}
		}
	}
	return nil
}

// Rebuild is a no-op: summaries live in the versioned store and are
// recomputed by replaying the detail aspect through the dispatcher.
func (d *Dispatcher) Rebuild(context.Context, string, string) error {
	return nil
}
