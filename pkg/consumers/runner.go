// Package consumers runs derived-index appliers against the change-log
// stream. Appliers are idempotent: the runner may deliver the same event
// more than once after a crash or rebalance.
package consumers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/eventbus"
)

// Applier is one derived index. Apply must be idempotent and must
// tolerate events arriving more than once; Rebuild discards the derived
// state of one (entityType, aspect) scope before a replay.
type Applier interface {
	Name() string
	Eligible(event *datamodel.MetadataChangeLog) bool
	Apply(ctx context.Context, event *datamodel.MetadataChangeLog) error
	Rebuild(ctx context.Context, entityType, aspect string) error
}

// FailureMode decides what happens when an applier fails on an event
// that keeps failing.
type FailureMode string

const (
	// FailureModeSkip logs the event with full context, counts it as
	// poison and moves on. The default.
	FailureModeSkip FailureMode = "skip"
	// FailureModeHalt stops consuming; the event stays unacknowledged
	// and is redelivered after a restart.
	FailureModeHalt FailureMode = "halt"
)

// FailureModeFromEnv reads CONSUMER_FAILURE_MODE.
func FailureModeFromEnv() (FailureMode, error) {
	raw, err := env.GetAsString("CONSUMER_FAILURE_MODE", false, string(FailureModeSkip))
	if err != nil {
		return "", err
	}
	switch FailureMode(raw) {
	case FailureModeSkip, FailureModeHalt:
		return FailureMode(raw), nil
	}
	return "", fmt.Errorf("invalid CONSUMER_FAILURE_MODE %q", raw)
}

const applyAttempts = 3

// Runner fans change-log events out to its appliers, in partition order.
type Runner struct {
	subscriber  eventbus.Subscriber
	appliers    []Applier
	failureMode FailureMode

	applied atomic.Uint64
	poison  atomic.Uint64
}

func NewRunner(subscriber eventbus.Subscriber, failureMode FailureMode, appliers ...Applier) *Runner {
	if failureMode == "" {
		failureMode = FailureModeSkip
	}
	return &Runner{
		subscriber:  subscriber,
		appliers:    appliers,
		failureMode: failureMode,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, entityTypes []string) error {
	return r.subscriber.Subscribe(ctx, entityTypes, r.handle)
}

func (r *Runner) handle(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	for internal.NearMemoryLimit() {
		zap.S().Debugf("Pausing event intake, near memory limit")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	for _, applier := range r.appliers {
		if !applier.Eligible(event) {
			continue
		}
		if err := r.applyWithRetry(ctx, applier, event); err != nil {
			if r.failureMode == FailureModeHalt {
				return fmt.Errorf("applier %s halted on %s/%s seq %d: %w", applier.Name(), event.Urn, event.Aspect, event.Sequence, err)
			}
			r.poison.Add(1)
			zap.S().Errorf("Applier %s skipping poison event %s/%s seq %d (change %s, run %s): %s",
				applier.Name(), event.Urn, event.Aspect, event.Sequence, event.ChangeType, event.System.RunID, err)
			continue
		}
		r.applied.Add(1)
	}
	return nil
}

func (r *Runner) applyWithRetry(ctx context.Context, applier Applier, event *datamodel.MetadataChangeLog) error {
	var err error
	for attempt := int64(1); attempt <= applyAttempts; attempt++ {
		if err = applier.Apply(ctx, event); err == nil {
			return nil
		}
		internal.SleepBackedOff(attempt, 50*time.Millisecond, 2*time.Second)
	}
	return err
}

// Rebuild discards the derived state of every applier for the scope and
// replays it from the versioned store. Safe to re-run.
func (r *Runner) Rebuild(ctx context.Context, store *aspectstore.Store, entityType, aspect string) (aspectstore.RestoreResult, error) {
	for _, applier := range r.appliers {
		if err := applier.Rebuild(ctx, entityType, aspect); err != nil {
			return aspectstore.RestoreResult{}, fmt.Errorf("applier %s failed to reset %s/%s: %w", applier.Name(), entityType, aspect, err)
		}
	}
	urnLike := "urn:mh:" + entityType + ":%"
	return store.RestoreIndices(ctx, aspectstore.RestoreOptions{Aspect: aspect, UrnLike: urnLike}, func(event *datamodel.MetadataChangeLog) error {
		return r.handle(ctx, event)
	})
}

// PoisonCount is the number of events skipped as unprocessable.
func (r *Runner) PoisonCount() uint64 {
	return r.poison.Load()
}

// AppliedCount is the number of successful applier invocations.
func (r *Runner) AppliedCount() uint64 {
	return r.applied.Load()
}
