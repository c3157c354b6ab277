package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
)

// SubmitResult records the assignee's output, settles its resource usage and opens the
// commit phase for every configured validator that can stake.
func (o *Orchestrator) SubmitResult(ctx context.Context, jobID, agent string, result models.Result) error {
	o.health.touch(agent, time.Now())
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()
	log := o.log.WithFields(logrus.Fields{"job_id": jobID, "agent": agent})

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgent != agent {
		return fmt.Errorf("submit %s by %s: %w", jobID, agent, models.ErrNotAssignee)
	}
	if job.Result != nil && job.Status != models.StatusInProgress {
		return nil
	}
	if job.Status != models.StatusInProgress {
		return fmt.Errorf("submit %s in status %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}

	gov := o.Governance()
	staked := make(map[string]float64)
	err = o.ledger.Do(func(tx *ledger.Tx) error {
		tx.Release(jobID)
		if err := tx.RecordUsage(agent, result.EnergyUsed, result.ComputeUsed); err != nil {
			return err
		}
		for _, v := range o.cfg.Validators {
			if v == agent {
				continue
			}
			if err := tx.Stake(v, gov.ValidatorStake); err != nil {
				log.WithField("validator", v).WithError(err).Warn("validator could not stake, skipping")
				continue
			}
			staked[v] = ledger.Round(gov.ValidatorStake)
		}
		res := result
		updated, err := o.jobs.Update(jobID, func(j *models.Job) error {
			j.Status = models.StatusAwaitingCommit
			j.Result = &res
			j.EnergyUsed = result.EnergyUsed
			j.ComputeUsed = result.ComputeUsed
			j.ValidatorStakes = staked
			j.ValidatorCommits = make(map[string]string)
			j.ValidatorVotes = make(map[string]bool)
			return nil
		})
		job = updated
		return err
	})
	if err != nil {
		return err
	}

	validators := make([]string, 0, len(staked))
	for v := range staked {
		validators = append(validators, v)
	}
	sort.Strings(validators)
	log.WithField("validators", len(validators)).Info("result submitted, commit phase open")
	o.publishJobEvent(models.TopicJobValidating, job, "")

	if len(o.cfg.Validators) == 0 {
		return o.openRevealLocked(jobID, "")
	}
	commitEnd := time.Now().Add(o.commitWindow(job))
	o.council.StageCommits(jobID, validators, result.Output, commitEnd)
	o.sched.Schedule(models.EventCommitPhaseEnd, commitEnd, jobPayload(jobID), commitEventID(jobID))
	return nil
}

// Commit records a validator's hidden verdict. Commits after the commit phase are kept as
// late and never count toward quorum. Duplicates are ignored.
func (o *Orchestrator) Commit(ctx context.Context, jobID, validator, digest string) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if _, ok := job.ValidatorStakes[validator]; !ok && job.Status.Validating() {
		return fmt.Errorf("commit %s by %s: %w", jobID, validator, models.ErrNotValidator)
	}
	switch job.Status {
	case models.StatusAwaitingCommit:
		fresh, err := o.council.RecordCommit(jobID, validator, digest, false)
		if err != nil || !fresh {
			return err
		}
		_, err = o.jobs.Update(jobID, func(j *models.Job) error {
			if j.ValidatorCommits == nil {
				j.ValidatorCommits = make(map[string]string)
			}
			j.ValidatorCommits[validator] = digest
			return nil
		})
		return err
	case models.StatusAwaitingReveal:
		if fresh, _ := o.council.RecordCommit(jobID, validator, digest, true); fresh {
			o.log.WithFields(logrus.Fields{"job_id": jobID, "validator": validator}).Info("late commit recorded")
		}
		return nil
	case models.StatusCompleted, models.StatusFailed, models.StatusFinalized:
		return nil
	}
	return fmt.Errorf("commit %s in status %s: %w", jobID, job.Status, models.ErrInvalidTransition)
}

// Reveal records a verdict. Only reveals from validators that committed in time count. Once
// every counted validator has revealed the job is resolved without waiting for the window.
func (o *Orchestrator) Reveal(ctx context.Context, jobID, validator string, verdict bool) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.StatusAwaitingCommit:
		return fmt.Errorf("reveal %s: %w", jobID, models.ErrRevealTooEarly)
	case models.StatusCompleted, models.StatusFailed, models.StatusFinalized:
		return nil
	case models.StatusAwaitingReveal:
	default:
		return fmt.Errorf("reveal %s in status %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}

	recorded, counted, err := o.council.RecordReveal(jobID, validator, verdict)
	if err != nil || !recorded {
		return err
	}
	if _, err := o.jobs.Update(jobID, func(j *models.Job) error {
		if j.ValidatorVotes == nil {
			j.ValidatorVotes = make(map[string]bool)
		}
		j.ValidatorVotes[validator] = verdict
		return nil
	}); err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{"job_id": jobID, "validator": validator, "verdict": verdict, "counted": counted}).Debug("reveal recorded")

	if t := o.council.Tally(jobID); t.Revealed >= t.Eligible {
		return o.resolveLocked(jobID, "")
	}
	return nil
}

func (o *Orchestrator) onCommitPhaseEnd(ctx context.Context, ev models.ScheduledEvent) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()
	return o.openRevealLocked(ev.JobID(), ev.ID)
}

func (o *Orchestrator) onRevealPhaseEnd(ctx context.Context, ev models.ScheduledEvent) error {
	if err := o.lockOpen(ctx); err != nil {
		return err
	}
	defer o.mu.Unlock()
	job, err := o.jobs.Get(ev.JobID())
	if err != nil || job.Status != models.StatusAwaitingReveal {
		return nil
	}
	return o.resolveLocked(job.ID, ev.ID)
}

// openRevealLocked moves a job from the commit to the reveal phase. With no on-time
// committers there is nothing to wait for and the job resolves at once.
func (o *Orchestrator) openRevealLocked(jobID, firing string) error {
	job, err := o.jobs.Get(jobID)
	if err != nil || job.Status != models.StatusAwaitingCommit {
		return nil
	}
	if job, err = o.jobs.Transition(jobID, models.StatusAwaitingReveal); err != nil {
		return err
	}
	revealEnd := time.Now().Add(o.revealWindow(job))
	req := o.council.OpenReveal(jobID, revealEnd)
	if len(req.Validators) == 0 {
		return o.resolveLocked(jobID, firing)
	}
	o.sched.Schedule(models.EventRevealPhaseEnd, revealEnd, jobPayload(jobID), revealEventID(jobID))
	return nil
}

// resolveLocked applies the quorum rule and settles the job.
func (o *Orchestrator) resolveLocked(jobID, firing string) error {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}
	tally := o.council.Tally(jobID)
	quorum := o.quorumFor(job)
	if tally.Approvals >= quorum {
		return o.settleLocked(job, models.StatusCompleted, "", tally.Approvers, firing)
	}
	o.log.WithFields(logrus.Fields{
		"job_id":    jobID,
		"approvals": tally.Approvals,
		"quorum":    quorum,
	}).WithError(models.ErrValidationQuorumNotMet).Info("validation failed")
	return o.settleLocked(job, models.StatusFailed, models.ReasonQuorum, nil, firing)
}

// quorumFor counts every staked validator, not just those that committed. A mission with no
// validators configured accepts results unreviewed.
func (o *Orchestrator) quorumFor(job models.Job) int {
	if len(job.ValidatorStakes) == 0 && len(o.cfg.Validators) == 0 {
		return 0
	}
	return o.Governance().Quorum(len(job.ValidatorStakes))
}

func (o *Orchestrator) commitWindow(job models.Job) time.Duration {
	if job.Spec.CommitWindow > 0 {
		return job.Spec.CommitWindow
	}
	return o.Governance().CommitWindow
}

func (o *Orchestrator) revealWindow(job models.Job) time.Duration {
	if job.Spec.RevealWindow > 0 {
		return job.Spec.RevealWindow
	}
	return o.Governance().RevealWindow
}
