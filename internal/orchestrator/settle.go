package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// settleLocked records the verdict and pays out in one ledger transaction, leaving the job
// Finalized. If the payout fails the job stays in its verdict state and the watchdog retries.
func (o *Orchestrator) settleLocked(job models.Job, verdict models.JobStatus, reason string, approvers []string, firing string) error {
	log := o.log.WithFields(logrus.Fields{"job_id": job.ID, "agent": job.AssignedAgent})
	var err error
	if job.Status != verdict {
		job, err = o.jobs.Update(job.ID, func(j *models.Job) error {
			j.Status = verdict
			j.FailureReason = reason
			return nil
		})
		if err != nil {
			return err
		}
	}

	gov := o.Governance()
	employer := job.Spec.Employer()
	now := time.Now().UTC()
	slashed := 0.0
	err = o.ledger.Do(func(tx *ledger.Tx) error {
		if verdict == models.StatusCompleted {
			if err := tx.Credit(job.AssignedAgent, job.Spec.Reward); err != nil {
				return fmt.Errorf("pay worker: %w", err)
			}
			if err := tx.ReleaseStake(job.AssignedAgent, job.StakeLocked, false); err != nil {
				return err
			}
			if pool := ledger.Round(job.EscrowLocked - ledger.Round(job.Spec.Reward)); pool > 0 {
				if len(approvers) == 0 {
					if err := tx.Credit(employer, pool); err != nil {
						return fmt.Errorf("refund validator pool: %w", err)
					}
				} else {
					shares := ledger.Split(pool, len(approvers))
					for i, v := range approvers {
						if err := tx.Credit(v, shares[i]); err != nil {
							return fmt.Errorf("reward validator %s: %w", v, err)
						}
					}
				}
			}
		} else {
			if job.AssignedAgent != "" && job.StakeLocked > 0 {
				slashed = ledger.Round(job.StakeLocked * gov.SlashRatio)
				if err := tx.ReleaseStake(job.AssignedAgent, slashed, true); err != nil {
					return err
				}
				// The unslashed part of the stake goes back to the assignee; the employer is
				// made whole from escrow below.
				if err := tx.ReleaseStake(job.AssignedAgent, job.StakeLocked-slashed, false); err != nil {
					return err
				}
			}
			if err := tx.Credit(employer, job.EscrowLocked); err != nil {
				return fmt.Errorf("refund employer: %w", err)
			}
		}
		if err := releaseValidatorStakes(tx, job.ValidatorStakes); err != nil {
			return err
		}
		tx.Release(job.ID)

		updated, err := o.jobs.Update(job.ID, func(j *models.Job) error {
			j.Status = models.StatusFinalized
			if verdict == models.StatusCompleted {
				j.Outcome = models.OutcomeCompleted
			} else {
				j.Outcome = models.OutcomeFailed
			}
			j.StakeSlashed = slashed
			j.StakeLocked = 0
			j.EscrowLocked = 0
			j.ValidatorStakes = nil
			j.SettledAt = &now
			return nil
		})
		job = updated
		return err
	})
	if err != nil {
		log.WithError(err).Error("settlement failed, will retry")
		return err
	}

	o.sched.CancelForJob(job.ID, firing)
	o.council.Forget(job.ID)
	telemetry.Settlements.WithLabelValues(string(job.Outcome)).Inc()
	if slashed > 0 {
		telemetry.TokensSlashed.Add(slashed)
	}
	log.WithFields(logrus.Fields{"outcome": job.Outcome, "reason": job.FailureReason, "slashed": slashed}).Info("job settled")
	o.publishJobEvent(models.TopicJobSettled, job, job.FailureReason)
	return nil
}

func (o *Orchestrator) onDeadline(ctx context.Context, ev models.ScheduledEvent) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()
	return o.expireLocked(ev.JobID(), ev.ID, time.Now())
}

func (o *Orchestrator) expireLocked(jobID, firing string, now time.Time) error {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return nil
	}
	if job.Status != models.StatusPosted && job.Status != models.StatusInProgress {
		return nil
	}
	if now.Before(job.Spec.Deadline) {
		return nil
	}
	return o.settleLocked(job, models.StatusFailed, models.ReasonDeadline, nil, firing)
}

// ExpireOverdue fails every unfinished job whose deadline has passed and retries
// settlements left pending by an earlier failure. It returns how many jobs it settled.
func (o *Orchestrator) ExpireOverdue(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gate.Paused() {
		return 0
	}
	n := 0
	for _, job := range o.jobs.WithStatus(models.StatusPosted, models.StatusInProgress) {
		if now.Before(job.Spec.Deadline) {
			continue
		}
		if err := o.expireLocked(job.ID, "", now); err == nil {
			n++
		}
	}
	for _, job := range o.jobs.WithStatus(models.StatusCompleted, models.StatusFailed) {
		var approvers []string
		if job.Status == models.StatusCompleted {
			approvers = approversOf(job)
		}
		if err := o.settleLocked(job, job.Status, job.FailureReason, approvers, ""); err == nil {
			n++
		}
	}
	return n
}

// approversOf recovers the true voters among on-time committers from persisted job state.
func approversOf(job models.Job) []string {
	var out []string
	for v, verdict := range job.ValidatorVotes {
		if _, committed := job.ValidatorCommits[v]; committed && verdict {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
