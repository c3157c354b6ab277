package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

type claimEntry struct {
	agent string
	reply func(error)
}

// claimBook collects claims that arrive within the claim window, per job, in arrival order.
type claimBook struct {
	mu      sync.Mutex
	batches map[string][]claimEntry
}

func newClaimBook() *claimBook {
	return &claimBook{batches: make(map[string][]claimEntry)}
}

// add appends an entry and reports whether it opened a new batch.
func (b *claimBook) add(jobID string, e claimEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, open := b.batches[jobID]
	b.batches[jobID] = append(entries, e)
	return !open
}

func (b *claimBook) take(jobID string) []claimEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.batches[jobID]
	delete(b.batches, jobID)
	return entries
}

// ClaimJob asks for agent to be assigned jobID and waits for the decision. Exactly one
// claimant wins; the rest get ErrJobAlreadyAssigned. A repeated claim by the winner returns
// nil. If ctx ends first the claim may still be decided later.
func (o *Orchestrator) ClaimJob(ctx context.Context, jobID, agent string) error {
	if err := o.waitGate(ctx); err != nil {
		return err
	}
	done := make(chan error, 1)
	o.submitClaim(ctx, jobID, agent, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitClaim routes a claim through the arbitration policy: immediately with no window,
// otherwise batched until the window closes.
func (o *Orchestrator) submitClaim(ctx context.Context, jobID, agent string, reply func(error)) {
	o.health.touch(agent, time.Now())
	if o.cfg.ClaimWindow <= 0 {
		reply(o.claim(ctx, jobID, agent))
		return
	}
	if o.claims.add(jobID, claimEntry{agent: agent, reply: reply}) {
		time.AfterFunc(o.cfg.ClaimWindow, func() { o.decideBatch(jobID) })
	}
}

// decideBatch tries claimants in registration order. The first whose stake succeeds wins.
func (o *Orchestrator) decideBatch(jobID string) {
	if err := o.gate.Wait(o.sup.Context()); err != nil {
		for _, e := range o.claims.take(jobID) {
			e.reply(err)
		}
		return
	}
	for _, e := range o.claims.take(jobID) {
		e.reply(o.claim(o.sup.Context(), jobID, e.agent))
	}
}

func (o *Orchestrator) claim(ctx context.Context, jobID, agent string) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()
	log := o.log.WithFields(logrus.Fields{"job_id": jobID, "agent": agent})

	job, err := o.jobs.Get(jobID)
	if err != nil {
		telemetry.ClaimResults.WithLabelValues("unknown").Inc()
		return err
	}
	if job.AssignedAgent == agent {
		return nil
	}
	if job.AssignedAgent != "" {
		telemetry.ClaimResults.WithLabelValues("already_assigned").Inc()
		return fmt.Errorf("claim %s: %w", jobID, models.ErrJobAlreadyAssigned)
	}
	if job.Status != models.StatusPosted {
		telemetry.ClaimResults.WithLabelValues("rejected").Inc()
		return fmt.Errorf("claim %s in status %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	if !now.Before(job.Spec.Deadline) {
		telemetry.ClaimResults.WithLabelValues("rejected").Inc()
		return fmt.Errorf("claim %s after deadline: %w", jobID, models.ErrInvalidTransition)
	}

	stake := o.stakeFor(job)
	err = o.ledger.Do(func(tx *ledger.Tx) error {
		if err := tx.Stake(agent, stake); err != nil {
			return err
		}
		updated, err := o.jobs.Update(jobID, func(j *models.Job) error {
			j.Status = models.StatusInProgress
			j.AssignedAgent = agent
			j.StakeLocked = stake
			j.ClaimedAt = &now
			return nil
		})
		job = updated
		return err
	})
	if err != nil {
		telemetry.ClaimResults.WithLabelValues("rejected").Inc()
		log.WithError(err).Info("claim rejected")
		return err
	}
	telemetry.ClaimResults.WithLabelValues("accepted").Inc()
	log.WithField("stake", stake).Info("job assigned")
	o.publishJobEvent(models.TopicJobAssigned, job, "")
	return nil
}

func claimDecision(jobID, agent string, err error) models.ClaimDecision {
	d := models.ClaimDecision{Version: models.MessageVersion, JobID: jobID, Agent: agent, Accepted: err == nil}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// isRejection separates expected claim outcomes from faults worth a warning.
func isRejection(err error) bool {
	return errors.Is(err, models.ErrJobAlreadyAssigned) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrInsufficientBalance) ||
		errors.Is(err, models.ErrUnknownJob)
}
