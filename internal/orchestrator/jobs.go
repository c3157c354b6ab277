package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// FundAccount creates an account with an initial balance unless it already holds tokens.
func (o *Orchestrator) FundAccount(name string, initial float64) error {
	return o.ledger.EnsureAccount(name, initial)
}

// PostJob escrows the employer's reward plus the validator pool, reserves the job's budget,
// records the job and announces it on its skill topics.
func (o *Orchestrator) PostJob(ctx context.Context, spec models.JobSpec) (models.Job, error) {
	if err := spec.Validate(); err != nil {
		return models.Job{}, err
	}
	if len(spec.Skills) == 0 {
		spec.Skills = []string{models.DefaultSkill}
	}
	gov := o.Governance()
	escrow := ledger.Round(spec.Reward * (1 + gov.ValidatorRewardRatio))
	id := uuid.NewString()

	if err := o.lockOpen(ctx); err != nil {
		return models.Job{}, err
	}
	var job models.Job
	err := o.ledger.Do(func(tx *ledger.Tx) error {
		if err := tx.Debit(spec.Employer(), escrow); err != nil {
			return fmt.Errorf("escrow reward: %w", err)
		}
		if err := tx.Reserve(id, spec.EnergyBudget, spec.ComputeBudget); err != nil {
			return err
		}
		created, err := o.jobs.Create(models.Job{
			ID:           id,
			Spec:         spec,
			Status:       models.StatusPosted,
			EscrowLocked: escrow,
		})
		if err != nil {
			return err
		}
		job = created
		return nil
	})
	if err != nil {
		o.mu.Unlock()
		return models.Job{}, err
	}
	o.sched.Schedule(models.EventJobDeadline, spec.Deadline, jobPayload(id), deadlineEventID(id))
	o.mu.Unlock()

	telemetry.JobsPosted.Inc()
	o.log.WithFields(logrus.Fields{"job_id": id, "employer": spec.Employer(), "reward": spec.Reward}).Info("job posted")

	msg := models.JobPosted{
		Version:  models.MessageVersion,
		JobID:    id,
		Title:    spec.Title,
		Skills:   append([]string(nil), spec.Skills...),
		Reward:   spec.Reward,
		Stake:    o.stakeFor(job),
		Deadline: spec.Deadline,
		ParentID: spec.ParentID,
	}
	for _, skill := range spec.Skills {
		o.bus.Publish(models.SkillTopic(skill), msg, spec.Employer())
	}
	return job, nil
}

// CancelJob refunds the employer, releases every locked stake without slashing and cancels
// the job's pending events. Cancelling a cancelled job is a no-op.
func (o *Orchestrator) CancelJob(_ context.Context, jobID, reason string) (models.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.StatusCancelled:
		return job, nil
	case models.StatusFinalized:
		return job, fmt.Errorf("cancel %s: %w", jobID, models.ErrJobFinalized)
	}
	if reason == "" {
		reason = models.ReasonCancelled
	}

	now := time.Now().UTC()
	err = o.ledger.Do(func(tx *ledger.Tx) error {
		if err := tx.Credit(job.Spec.Employer(), job.EscrowLocked); err != nil {
			return fmt.Errorf("refund employer: %w", err)
		}
		if job.AssignedAgent != "" {
			if err := tx.ReleaseStake(job.AssignedAgent, job.StakeLocked, false); err != nil {
				return err
			}
		}
		if err := releaseValidatorStakes(tx, job.ValidatorStakes); err != nil {
			return err
		}
		tx.Release(jobID)
		updated, err := o.jobs.Update(jobID, func(j *models.Job) error {
			j.Status = models.StatusCancelled
			j.Outcome = models.OutcomeCancelled
			j.FailureReason = reason
			j.EscrowLocked = 0
			j.StakeLocked = 0
			j.ValidatorStakes = nil
			j.SettledAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return job, err
	}
	o.sched.CancelForJob(jobID)
	o.council.Forget(jobID)
	telemetry.Settlements.WithLabelValues(string(models.OutcomeCancelled)).Inc()
	o.log.WithFields(logrus.Fields{"job_id": jobID, "reason": reason}).Info("job cancelled")
	o.publishJobEvent(models.TopicJobCancelled, job, reason)
	return job, nil
}

// DeleteJob compacts a terminal job out of the registry.
func (o *Orchestrator) DeleteJob(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.jobs.Delete(jobID); err != nil {
		return err
	}
	o.sched.CancelForJob(jobID)
	o.council.Forget(jobID)
	return nil
}

// stakeFor is the collateral a worker locks to claim job.
func (o *Orchestrator) stakeFor(job models.Job) float64 {
	stake := job.Spec.Reward * o.Governance().WorkerStakeRatio
	if job.Spec.StakeRequired > stake {
		stake = job.Spec.StakeRequired
	}
	return ledger.Round(stake)
}

func releaseValidatorStakes(tx *ledger.Tx, stakes map[string]float64) error {
	for v, amount := range stakes {
		if err := tx.ReleaseStake(v, amount, false); err != nil {
			return fmt.Errorf("release validator %s: %w", v, err)
		}
	}
	return nil
}
