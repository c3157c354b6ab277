package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/checkpoint"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// Snapshot captures jobs, balances, pending events, governance and the control offset at a
// point where no transition is in flight.
func (o *Orchestrator) Snapshot() checkpoint.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	gov := o.Governance()
	snap := checkpoint.Snapshot{
		Version:    checkpoint.SchemaVersion,
		SavedAt:    time.Now().UTC(),
		Jobs:       o.jobs.Snapshot(),
		Resources:  o.ledger.Snapshot(),
		Scheduler:  o.sched.Snapshot(),
		Governance: &gov,
	}
	if o.control != nil {
		snap.ControlOffset = o.control.Offset()
	}
	return snap
}

// Checkpoint writes a snapshot through the configured store.
func (o *Orchestrator) Checkpoint(ctx context.Context) error {
	if o.checkpoints == nil {
		return nil
	}
	snap := o.Snapshot()
	if err := o.checkpoints.Save(ctx, snap); err != nil {
		telemetry.CheckpointFailures.Inc()
		return fmt.Errorf("checkpoint: %w", err)
	}
	telemetry.CheckpointWrites.Inc()
	o.log.WithFields(logrus.Fields{"jobs": len(snap.Jobs), "events": len(snap.Scheduler)}).Debug("checkpoint written")
	return nil
}

// Restore loads the last checkpoint, if any, and rehydrates from it. It reports whether a
// checkpoint was found.
func (o *Orchestrator) Restore() (bool, error) {
	if o.checkpoints == nil {
		return false, nil
	}
	snap, found, err := o.checkpoints.Load()
	if err != nil || !found {
		return found, err
	}
	o.RestoreSnapshot(snap)
	return true, nil
}

// RestoreSnapshot replaces in-memory state with snap. Events whose time already passed
// fire right away.
func (o *Orchestrator) RestoreSnapshot(snap checkpoint.Snapshot) {
	o.mu.Lock()
	o.ledger.Restore(snap.Resources)
	orphans := o.jobs.Restore(snap.Jobs)
	if snap.Governance != nil {
		o.govMu.Lock()
		o.gov = *snap.Governance
		o.govMu.Unlock()
	}
	if o.control != nil {
		o.control.SetOffset(snap.ControlOffset)
	}
	rounds := 0
	for _, job := range o.jobs.WithStatus(models.StatusAwaitingCommit, models.StatusAwaitingReveal) {
		o.council.Restore(job)
		rounds++
	}
	o.mu.Unlock()

	if len(orphans) > 0 {
		o.log.WithField("jobs", orphans).Warn("parent missing on restore, links cleared")
	}
	n := o.sched.Rehydrate(snap.Scheduler)
	o.log.WithFields(logrus.Fields{
		"jobs":   len(snap.Jobs),
		"events": n,
		"rounds": rounds,
	}).Info("state restored from checkpoint")
}

// Shutdown stops the background loops, drains the scheduler and writes a final checkpoint
// before closing Done. Pending events survive in that checkpoint.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		var errs []error
		if err := o.sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop background tasks: %w", err))
		}
		o.sched.Shutdown()
		if err := o.Checkpoint(ctx); err != nil {
			errs = append(errs, err)
		}
		o.shutdownErr = errors.Join(errs...)
		o.log.Info("orchestrator stopped")
		close(o.done)
	})
	return o.shutdownErr
}
