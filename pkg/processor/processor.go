// Package processor drives change proposals through validation, the
// compare-and-swap commit against the versioned store, and change-log
// publication. It owns the per-proposal state machine and is the only
// write path into the store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/eventbus"
	"github.com/metahub-platform/metahub/pkg/validation"
)

// State is where a proposal ended up in the processing state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateValidating   State = "VALIDATING"
	StateRejected     State = "REJECTED"
	StateCommitting   State = "COMMITTING"
	StateCommitted    State = "COMMITTED"
	StateCommitFailed State = "COMMIT_FAILED"
	StatePublishing   State = "PUBLISHING"
	StateDone         State = "DONE"
)

var (
	// ErrAlreadyExists rejects a CREATE against an aspect that already has
	// a latest version.
	ErrAlreadyExists = errors.New("aspect already exists")
	// ErrNotFound rejects a PATCH or DELETE against an aspect that was
	// never written or is tombstoned.
	ErrNotFound = errors.New("aspect not found")
	// ErrValidationFailed carries a ValidationResult in Result.Validation.
	ErrValidationFailed = errors.New("proposal failed validation")
	// ErrAuthorizationDenied is surfaced unchanged to the caller; nothing
	// was written.
	ErrAuthorizationDenied = errors.New("authorization denied")
)

// PublishMode decides whether SubmitProposal blocks on the event publish.
type PublishMode string

const (
	// PublishModeStrict publishes inline after the commit; the caller only
	// sees DONE once the event is acknowledged by the bus.
	PublishModeStrict PublishMode = "strict"
	// PublishModeAsync enqueues the event to the durable retry queue and
	// returns immediately after the commit.
	PublishModeAsync PublishMode = "async"
)

const (
	defaultCommitRetries  = 3
	dedupCullPeriod       = time.Minute
	dedupTTL              = 10 * time.Minute
	publishAttemptsInline = 3
)

// Result reports what happened to one proposal.
type Result struct {
	State        State
	Urn          datamodel.Urn
	Aspect       string
	Sequence     int64
	Record       *datamodel.AspectRecord
	Validation   datamodel.ValidationResult
	Deduplicated bool
}

// Authorizer decides whether a proposal may proceed. It runs before
// validation and before any read of current state.
type Authorizer interface {
	Authorize(ctx context.Context, p *datamodel.MetadataChangeProposal) error
}

// AllowAll authorizes everything. The default.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *datamodel.MetadataChangeProposal) error { return nil }

// Processor is safe for concurrent use; unrelated urns proceed in
// parallel, proposals for the same (urn, aspect) serialize on a striped
// lock.
type Processor struct {
	store     *aspectstore.Store
	chain     *validation.Chain
	publisher eventbus.Publisher
	auth      Authorizer

	mutex       *mapmutex.Mutex
	recentRuns  *expiremap.ExpireMap[string, int64]
	retryQueue  *publishRetryQueue
	publishMode PublishMode

	commitRetries int64
	metrics       *processorMetrics
}

// Options tune a Processor. Zero values take defaults.
type Options struct {
	Authorizer    Authorizer
	PublishMode   PublishMode
	CommitRetries int64
	// RetryQueuePath is the directory of the disk-backed publish retry
	// queue. Empty disables the queue; publish failures are then only
	// logged and left to restoreIndices.
	RetryQueuePath string
}

// PublishModeFromEnv reads PUBLISH_MODE, defaulting to strict.
func PublishModeFromEnv() (PublishMode, error) {
	raw, err := env.GetAsString("PUBLISH_MODE", false, string(PublishModeStrict))
	if err != nil {
		return "", err
	}
	switch PublishMode(raw) {
	case PublishModeStrict, PublishModeAsync:
		return PublishMode(raw), nil
	}
	return "", fmt.Errorf("invalid PUBLISH_MODE %q", raw)
}

func New(store *aspectstore.Store, chain *validation.Chain, publisher eventbus.Publisher, opts Options) (*Processor, error) {
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.PublishMode == "" {
		opts.PublishMode = PublishModeStrict
	}
	if opts.CommitRetries <= 0 {
		opts.CommitRetries = defaultCommitRetries
	}

	p := &Processor{
		store:         store,
		chain:         chain,
		publisher:     publisher,
		auth:          opts.Authorizer,
		mutex:         mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		recentRuns:    expiremap.NewEx[string, int64](dedupCullPeriod, dedupTTL),
		publishMode:   opts.PublishMode,
		commitRetries: opts.CommitRetries,
		metrics:       newProcessorMetrics(),
	}
	if opts.RetryQueuePath != "" {
		queue, err := openPublishRetryQueue(opts.RetryQueuePath)
		if err != nil {
			return nil, err
		}
		p.retryQueue = queue
	}
	return p, nil
}

// SubmitProposal runs one proposal to completion. A nil error means the
// change is durably stored; whether the change-log event is already
// acknowledged depends on the publish mode and Result.State (DONE vs
// PUBLISHING).
func (p *Processor) SubmitProposal(ctx context.Context, proposal datamodel.MetadataChangeProposal) (Result, error) {
	result := Result{State: StateReceived, Urn: proposal.Urn, Aspect: proposal.Aspect}
	p.metrics.received.Add(1)

	if err := p.auth.Authorize(ctx, &proposal); err != nil {
		p.metrics.denied.Add(1)
		return result, fmt.Errorf("%w: %s", ErrAuthorizationDenied, err)
	}

	// Replays of an already-committed run are acknowledged without a new
	// version; the original commit already published.
	if proposal.System != nil && proposal.System.RunID != "" {
		if sequence, ok := p.recentRuns.Load(dedupKey(&proposal)); ok {
			p.metrics.deduplicated.Add(1)
			result.State = StateDone
			result.Sequence = *sequence
			result.Deduplicated = true
			zap.S().Infof("Proposal for %s/%s is a replay of run %s, acknowledging without write", proposal.Urn, proposal.Aspect, proposal.System.RunID)
			return result, nil
		}
	}

	spec, err := p.store.Registry().AspectSpec(proposal.EntityType, proposal.Aspect)
	if err != nil {
		result.State = StateRejected
		result.Validation = datamodel.ValidationFail(datamodel.ValidationReason{Validator: "registry", Message: err.Error()})
		return result, fmt.Errorf("%w: %s", ErrValidationFailed, err)
	}

	if spec.Timeseries {
		return p.submitTimeseries(ctx, proposal, spec, result)
	}

	lockKey := proposal.Urn.String() + "|" + proposal.Aspect
	if !p.mutex.TryLock(lockKey) {
		p.metrics.conflicts.Add(1)
		result.State = StateCommitFailed
		return result, fmt.Errorf("%w: could not acquire lock for %s", aspectstore.ErrConcurrentModification, lockKey)
	}
	defer p.mutex.Unlock(lockKey)

	return p.commitLoop(ctx, proposal, result)
}

// commitLoop is the VALIDATING → COMMITTING cycle: read current state,
// validate against it, attempt the conditional write, and on a lost race
// re-read and try again within the retry budget.
func (p *Processor) commitLoop(ctx context.Context, proposal datamodel.MetadataChangeProposal, result Result) (Result, error) {
	var attempt int64
	for {
		result.State = StateValidating
		current, err := p.store.GetLatest(ctx, proposal.Urn, proposal.Aspect)
		if err != nil {
			return result, fmt.Errorf("failed to read current state of %s/%s: %w", proposal.Urn, proposal.Aspect, err)
		}

		if err := checkPrecondition(&proposal, current); err != nil {
			result.State = StateRejected
			return result, err
		}

		mutated, validationResult := p.chain.Run(proposal, current)
		if !validationResult.Valid {
			p.metrics.rejected.Add(1)
			result.State = StateRejected
			result.Validation = validationResult
			return result, fmt.Errorf("%w: %s", ErrValidationFailed, validationResult)
		}

		result.State = StateCommitting
		record, sequence, err := p.commit(ctx, &mutated, current)
		if err == nil {
			result.State = StateCommitted
			result.Record = record
			result.Sequence = sequence
			p.metrics.committed.Add(1)
			p.rememberRun(&mutated, sequence)
			return p.publish(ctx, &mutated, current, record, sequence, result)
		}
		if !errors.Is(err, aspectstore.ErrConcurrentModification) {
			result.State = StateCommitFailed
			return result, err
		}

		attempt++
		p.metrics.conflicts.Add(1)
		if attempt > p.commitRetries {
			result.State = StateCommitFailed
			return result, fmt.Errorf("commit of %s/%s still conflicting after %d attempts: %w", proposal.Urn, proposal.Aspect, attempt, err)
		}
		zap.S().Debugf("Commit of %s/%s lost a race (attempt %d), re-reading", proposal.Urn, proposal.Aspect, attempt)
		internal.SleepBackedOff(attempt, 10*time.Millisecond, time.Second)
	}
}

// checkPrecondition enforces the CREATE/PATCH/DELETE existence rules
// before validation runs. A tombstoned aspect counts as absent for
// CREATE and PATCH.
func checkPrecondition(proposal *datamodel.MetadataChangeProposal, current *datamodel.AspectRecord) error {
	exists := current != nil && !current.IsTombstone()
	switch proposal.ChangeType {
	case datamodel.ChangeTypeCreate:
		if exists {
			return fmt.Errorf("%w: %s/%s already has a latest version", ErrAlreadyExists, proposal.Urn, proposal.Aspect)
		}
	case datamodel.ChangeTypePatch:
		if !exists {
			return fmt.Errorf("%w: cannot patch %s/%s", ErrNotFound, proposal.Urn, proposal.Aspect)
		}
	case datamodel.ChangeTypeDelete:
		if current == nil {
			return fmt.Errorf("%w: cannot delete %s/%s", ErrNotFound, proposal.Urn, proposal.Aspect)
		}
	}
	return nil
}

func (p *Processor) commit(ctx context.Context, proposal *datamodel.MetadataChangeProposal, current *datamodel.AspectRecord) (*datamodel.AspectRecord, int64, error) {
	req := aspectstore.WriteRequest{
		Urn:         proposal.Urn,
		Aspect:      proposal.Aspect,
		Payload:     proposal.Payload,
		ContentType: proposal.ContentType,
		Audit:       *proposal.Audit,
		System:      *proposal.System,
	}
	if proposal.ChangeType == datamodel.ChangeTypeDelete {
		req.Payload = nil
		req.ContentType = datamodel.ContentTypeTombstone
	}
	return p.store.WriteNewVersion(ctx, req, current)
}

// publish is the COMMITTED → PUBLISHING → DONE leg. The commit is never
// rolled back here: a failed publish degrades to the durable retry queue
// (or, without one, to a logged gap that restoreIndices repairs).
func (p *Processor) publish(ctx context.Context, proposal *datamodel.MetadataChangeProposal, previous, record *datamodel.AspectRecord, sequence int64, result Result) (Result, error) {
	result.State = StatePublishing
	event := buildEvent(proposal, previous, record, sequence)

	if p.publishMode == PublishModeAsync && p.retryQueue != nil {
		if err := p.retryQueue.enqueue(event); err != nil {
			zap.S().Errorf("Failed to enqueue event for %s/%s seq %d: %s", event.Urn, event.Aspect, sequence, err)
			return result, nil
		}
		result.State = StateDone
		return result, nil
	}

	var attempt int64
	for {
		err := p.publisher.Publish(ctx, event)
		if err == nil {
			p.metrics.published.Add(1)
			result.State = StateDone
			return result, nil
		}
		attempt++
		if attempt >= publishAttemptsInline {
			p.metrics.publishFailures.Add(1)
			zap.S().Errorf("Publish of %s/%s seq %d failed after %d attempts: %s", event.Urn, event.Aspect, sequence, attempt, err)
			if p.retryQueue != nil {
				if qErr := p.retryQueue.enqueue(event); qErr != nil {
					zap.S().Errorf("Failed to enqueue event for retry, index gap until restore: %s", qErr)
				}
			}
			// The caller's write is durable; the gap is operational, not
			// a caller error.
			return result, nil
		}
		internal.SleepBackedOff(attempt, 50*time.Millisecond, 2*time.Second)
	}
}

func buildEvent(proposal *datamodel.MetadataChangeProposal, previous, record *datamodel.AspectRecord, sequence int64) *datamodel.MetadataChangeLog {
	event := &datamodel.MetadataChangeLog{
		Urn:        proposal.Urn,
		EntityType: proposal.EntityType,
		Aspect:     proposal.Aspect,
		ChangeType: proposal.ChangeType,
		Sequence:   sequence,
		NewPayload: record.Payload,
		Audit:      record.Audit,
		System:     record.System,
	}
	if previous != nil && !previous.IsTombstone() {
		event.PreviousPayload = previous.Payload
	}
	return event
}

// submitTimeseries routes append-only aspects past versioning. There is
// no CAS and no change-log event; timeseries aspects are not indexed.
func (p *Processor) submitTimeseries(ctx context.Context, proposal datamodel.MetadataChangeProposal, spec *datamodel.AspectSpec, result Result) (Result, error) {
	mutated, validationResult := p.chain.Run(proposal, nil)
	if !validationResult.Valid {
		p.metrics.rejected.Add(1)
		result.State = StateRejected
		result.Validation = validationResult
		return result, fmt.Errorf("%w: %s", ErrValidationFailed, validationResult)
	}

	p.store.AppendTimeseries(mutated.Urn, mutated.Aspect, mutated.Audit.Time, mutated.Payload, mutated.System.RunID)
	p.rememberRun(&mutated, 0)
	result.State = StateDone
	p.metrics.committed.Add(1)
	return result, nil
}

func (p *Processor) rememberRun(proposal *datamodel.MetadataChangeProposal, sequence int64) {
	if proposal.System == nil || proposal.System.RunID == "" {
		return
	}
	p.recentRuns.Set(dedupKey(proposal), sequence)
}

func dedupKey(proposal *datamodel.MetadataChangeProposal) string {
	return proposal.System.RunID + "|" + proposal.Urn.String() + "|" + proposal.Aspect
}

// NewRunID mints a run id for callers that do not bring their own.
func NewRunID() string {
	return uuid.NewString()
}
