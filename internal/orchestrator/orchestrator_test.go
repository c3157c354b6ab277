package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/checkpoint"
	"job-orchestrator/internal/control"
	"job-orchestrator/internal/council"
	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/sim"
)

const (
	employer = "acme"
	worker   = "worker-1"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Validators = []string{"v1", "v2", "v3"}
	cfg.Governance.CommitWindow = 80 * time.Millisecond
	cfg.Governance.RevealWindow = 80 * time.Millisecond
	cfg.Governance.ApprovalsRequired = 2
	cfg.Governance.SlashRatio = 0.5
	cfg.Governance.WorkerStakeRatio = 0.1
	cfg.Governance.ValidatorStake = 5
	cfg.Governance.ValidatorRewardRatio = 0.1
	cfg.CheckpointInterval = 0
	cfg.WatchdogInterval = 0
	cfg.PricingInterval = 0
	cfg.HealthInterval = 0
	cfg.StatusInterval = 0
	cfg.ControlPollInterval = 0
	cfg.PruneInterval = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, opts Options) *Orchestrator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New(ledger.Config{EnergyCapacity: 1000, ComputeCapacity: 1000})
	}
	o, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	fund := map[string]float64{employer: 1000, worker: 100, "v1": 50, "v2": 50, "v3": 50}
	for name, amount := range fund {
		if err := o.FundAccount(name, amount); err != nil {
			t.Fatalf("fund %s: %v", name, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func testSpec(deadline time.Time) models.JobSpec {
	return models.JobSpec{
		Title:         "survey",
		Skills:        []string{"mapping"},
		Reward:        100,
		EnergyBudget:  10,
		ComputeBudget: 5,
		Deadline:      deadline,
		Metadata:      map[string]string{models.MetadataEmployer: employer},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, o *Orchestrator, jobID string, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	waitFor(t, fmt.Sprintf("job %s to be %s", jobID, want), func() bool {
		j, err := o.Job(jobID)
		job = j
		return err == nil && j.Status == want
	})
	return job
}

func tokens(t *testing.T, o *Orchestrator, name string) float64 {
	t.Helper()
	acc, _ := o.Ledger().Account(name)
	return acc.Tokens
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func assertConserved(t *testing.T, o *Orchestrator) {
	t.Helper()
	tot := o.Ledger().Totals()
	if !near(tot.Tokens+tot.Staked+tot.Burned, tot.Minted) {
		t.Fatalf("conservation broken: %+v", tot)
	}
}

// runToReveal posts, claims and submits a job, commits the given validators and waits for the
// reveal phase.
func runToReveal(t *testing.T, o *Orchestrator, committers ...string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := o.ClaimJob(ctx, job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := o.SubmitResult(ctx, job.ID, worker, models.Result{Output: "map.tif", EnergyUsed: 4, ComputeUsed: 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, v := range committers {
		if err := o.Commit(ctx, job.ID, v, council.Digest(job.ID, v, true, "salt")); err != nil {
			t.Fatalf("commit %s: %v", v, err)
		}
	}
	return waitStatus(t, o, job.ID, models.StatusAwaitingReveal)
}

func TestPostJobEscrowsAndAnnounces(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	sub := o.Bus().Subscribe(models.SkillTopic("mapping"), 4)
	defer sub.Close()

	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if job.Status != models.StatusPosted || !near(job.EscrowLocked, 110) {
		t.Fatalf("unexpected job %+v", job)
	}
	if !near(tokens(t, o, employer), 890) {
		t.Fatalf("employer balance %v", tokens(t, o, employer))
	}
	if r, ok := o.Ledger().Reservation(job.ID); !ok || r.Energy != 10 {
		t.Fatalf("budget not reserved: %+v", r)
	}
	msg, ok := sub.TryNext()
	if !ok {
		t.Fatalf("posting not announced")
	}
	posted := msg.Payload.(models.JobPosted)
	if posted.JobID != job.ID || !near(posted.Stake, 10) {
		t.Fatalf("unexpected announcement %+v", posted)
	}
	if len(o.PendingEvents()) != 1 {
		t.Fatalf("deadline not scheduled: %+v", o.PendingEvents())
	}
	assertConserved(t, o)
}

func TestPostJobFailsAtomically(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	spec := testSpec(time.Now().Add(time.Hour))
	spec.EnergyBudget = 5000

	if _, err := o.PostJob(context.Background(), spec); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded got %v", err)
	}
	if !near(tokens(t, o, employer), 1000) {
		t.Fatalf("employer debited despite failure: %v", tokens(t, o, employer))
	}
	if len(o.Jobs()) != 0 {
		t.Fatalf("job recorded despite failure")
	}

	spec = testSpec(time.Now().Add(time.Hour))
	spec.ParentID = "missing"
	if _, err := o.PostJob(context.Background(), spec); !errors.Is(err, models.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob got %v", err)
	}
	if !near(tokens(t, o, employer), 1000) {
		t.Fatalf("employer debited for orphan: %v", tokens(t, o, employer))
	}
}

func TestSingleAssignmentUnderConcurrentClaims(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	const claimants = 25
	for i := 0; i < claimants; i++ {
		_ = o.FundAccount(fmt.Sprintf("agent-%d", i), 100)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		assigned int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			err := o.ClaimJob(context.Background(), job.ID, agent)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, agent)
			case errors.Is(err, models.ErrJobAlreadyAssigned):
				assigned++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	if len(winners) != 1 || assigned != claimants-1 {
		t.Fatalf("winners=%v already_assigned=%d", winners, assigned)
	}
	got, _ := o.Job(job.ID)
	if got.Status != models.StatusInProgress || got.AssignedAgent != winners[0] {
		t.Fatalf("unexpected job %+v", got)
	}
	staked := 0.0
	for _, acc := range o.Ledger().Accounts() {
		staked += acc.Staked
	}
	if !near(staked, 10) {
		t.Fatalf("expected a single stake of 10, total staked %v", staked)
	}
	if err := o.ClaimJob(context.Background(), job.ID, winners[0]); err != nil {
		t.Fatalf("repeat claim by winner should be a no-op: %v", err)
	}
	assertConserved(t, o)
}

func TestClaimWindowPicksFirstSolventClaimant(t *testing.T) {
	cfg := testConfig()
	cfg.ClaimWindow = 60 * time.Millisecond
	o := newTestOrchestrator(t, cfg, Options{})
	_ = o.FundAccount("rich-1", 100)
	_ = o.FundAccount("rich-2", 100)

	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	results := make(map[string]chan error)
	for _, agent := range []string{"broke", "rich-1", "rich-2"} {
		ch := make(chan error, 1)
		results[agent] = ch
		o.submitClaim(context.Background(), job.ID, agent, func(err error) { ch <- err })
	}
	if got, _ := o.Job(job.ID); got.Status != models.StatusPosted {
		t.Fatalf("claim decided before the window closed: %+v", got)
	}

	if err := <-results["broke"]; !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("broke: %v", err)
	}
	if err := <-results["rich-1"]; err != nil {
		t.Fatalf("rich-1 should win: %v", err)
	}
	if err := <-results["rich-2"]; !errors.Is(err, models.ErrJobAlreadyAssigned) {
		t.Fatalf("rich-2: %v", err)
	}
	if got, _ := o.Job(job.ID); got.AssignedAgent != "rich-1" {
		t.Fatalf("assigned to %q", got.AssignedAgent)
	}
}

func TestQuorumOutcome(t *testing.T) {
	cases := []struct {
		name    string
		votes   map[string]bool
		outcome models.Outcome
	}{
		{"two of three approve", map[string]bool{"v1": true, "v2": true, "v3": false}, models.OutcomeCompleted},
		{"one of three approves", map[string]bool{"v1": true, "v2": false, "v3": false}, models.OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrchestrator(t, testConfig(), Options{})
			job := runToReveal(t, o, "v1", "v2", "v3")
			for _, v := range []string{"v1", "v2", "v3"} {
				if err := o.Reveal(context.Background(), job.ID, v, tc.votes[v]); err != nil {
					t.Fatalf("reveal %s: %v", v, err)
				}
			}
			final := waitStatus(t, o, job.ID, models.StatusFinalized)
			if final.Outcome != tc.outcome {
				t.Fatalf("outcome %s want %s", final.Outcome, tc.outcome)
			}
			if final.StakeLocked != 0 || final.EscrowLocked != 0 {
				t.Fatalf("locks not resolved: %+v", final)
			}

			if tc.outcome == models.OutcomeCompleted {
				if !near(tokens(t, o, worker), 200) {
					t.Fatalf("worker paid %v", tokens(t, o, worker))
				}
				if !near(tokens(t, o, "v1"), 55) || !near(tokens(t, o, "v2"), 55) || !near(tokens(t, o, "v3"), 50) {
					t.Fatalf("validator pool split wrong: %v %v %v", tokens(t, o, "v1"), tokens(t, o, "v2"), tokens(t, o, "v3"))
				}
				if !near(tokens(t, o, employer), 890) {
					t.Fatalf("employer %v", tokens(t, o, employer))
				}
			} else {
				if !near(final.StakeSlashed, 5) || !near(tokens(t, o, worker), 95) {
					t.Fatalf("slash wrong: slashed=%v worker=%v", final.StakeSlashed, tokens(t, o, worker))
				}
				if !near(tokens(t, o, employer), 1000) {
					t.Fatalf("employer not refunded: %v", tokens(t, o, employer))
				}
				for _, v := range []string{"v1", "v2", "v3"} {
					if !near(tokens(t, o, v), 50) {
						t.Fatalf("validator %s stake not released: %v", v, tokens(t, o, v))
					}
				}
			}
			if len(o.PendingEvents()) != 0 {
				t.Fatalf("events left after settlement: %+v", o.PendingEvents())
			}
			assertConserved(t, o)
		})
	}
}

func TestRevealDuringCommitPhaseRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Governance.CommitWindow = time.Hour
	o := newTestOrchestrator(t, cfg, Options{})
	job, _ := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(context.Background(), job.ID, worker)
	if err := o.SubmitResult(context.Background(), job.ID, worker, models.Result{Output: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Reveal(context.Background(), job.ID, "v1", true); !errors.Is(err, models.ErrRevealTooEarly) {
		t.Fatalf("expected ErrRevealTooEarly got %v", err)
	}
	if err := o.Commit(context.Background(), job.ID, "intruder", "d"); !errors.Is(err, models.ErrNotValidator) {
		t.Fatalf("expected ErrNotValidator got %v", err)
	}
	if err := o.SubmitResult(context.Background(), job.ID, "someone-else", models.Result{}); !errors.Is(err, models.ErrNotAssignee) {
		t.Fatalf("expected ErrNotAssignee got %v", err)
	}
	if err := o.SubmitResult(context.Background(), job.ID, worker, models.Result{Output: "again"}); err != nil {
		t.Fatalf("duplicate submit should be a no-op: %v", err)
	}
}

func TestDuplicateRevealNotDoubleCounted(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job := runToReveal(t, o, "v1", "v2", "v3")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := o.Reveal(ctx, job.ID, "v1", true); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}
	if err := o.Reveal(ctx, job.ID, "v2", false); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got, _ := o.Job(job.ID); got.Status != models.StatusAwaitingReveal {
		t.Fatalf("resolved before all reveals: %s", got.Status)
	}
	if err := o.Reveal(ctx, job.ID, "v3", false); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeFailed {
		t.Fatalf("duplicate reveals counted: outcome %s", final.Outcome)
	}
}

func TestLateCommitExcludedFromQuorum(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job := runToReveal(t, o, "v1", "v2")
	ctx := context.Background()

	if err := o.Commit(ctx, job.ID, "v3", "late-digest"); err != nil {
		t.Fatalf("late commit should be accepted quietly: %v", err)
	}
	_ = o.Reveal(ctx, job.ID, "v1", true)
	_ = o.Reveal(ctx, job.ID, "v2", true)
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome %s", final.Outcome)
	}
	if _, ok := final.ValidatorCommits["v3"]; ok {
		t.Fatalf("late commit recorded as on time")
	}
	if err := o.Reveal(ctx, job.ID, "v3", false); err != nil {
		t.Fatalf("reveal after settlement should be a no-op: %v", err)
	}
	if !near(tokens(t, o, "v3"), 50) {
		t.Fatalf("late validator rewarded: %v", tokens(t, o, "v3"))
	}
}

func TestRevealWindowExpiryResolves(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job := runToReveal(t, o, "v1", "v2", "v3")
	_ = o.Reveal(context.Background(), job.ID, "v1", true)
	_ = o.Reveal(context.Background(), job.ID, "v2", true)
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome %s", final.Outcome)
	}
}

func TestNoCommitsFailsAfterWindow(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()
	job, _ := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(ctx, job.ID, worker)
	if err := o.SubmitResult(ctx, job.ID, worker, models.Result{Output: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeFailed || final.FailureReason != models.ReasonQuorum {
		t.Fatalf("unexpected %+v", final)
	}
}

func TestNoValidatorsAcceptsResult(t *testing.T) {
	cfg := testConfig()
	cfg.Validators = nil
	o := newTestOrchestrator(t, cfg, Options{})
	job, _ := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(context.Background(), job.ID, worker)
	if err := o.SubmitResult(context.Background(), job.ID, worker, models.Result{Output: "ok"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome %s", final.Outcome)
	}
	// no true voters: the validator pool goes back to the employer
	if !near(tokens(t, o, employer), 900) {
		t.Fatalf("employer %v", tokens(t, o, employer))
	}
	assertConserved(t, o)
}

func TestDeadlineSlashesAssignee(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(100*time.Millisecond)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := o.ClaimJob(context.Background(), job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeFailed || final.FailureReason != models.ReasonDeadline {
		t.Fatalf("unexpected %+v", final)
	}
	if !near(final.StakeSlashed, 10*0.5) {
		t.Fatalf("slashed %v", final.StakeSlashed)
	}
	if !near(tokens(t, o, worker), 95) || !near(tokens(t, o, employer), 1000) {
		t.Fatalf("worker=%v employer=%v", tokens(t, o, worker), tokens(t, o, employer))
	}
	if _, ok := o.Ledger().Reservation(job.ID); ok {
		t.Fatalf("reservation not released")
	}
	assertConserved(t, o)
}

func TestWatchdogExpiresOverduePostedJob(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(-time.Second)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	o.ExpireOverdue(time.Now())
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeFailed || final.StakeSlashed != 0 {
		t.Fatalf("unexpected %+v", final)
	}
	if !near(tokens(t, o, employer), 1000) {
		t.Fatalf("employer %v", tokens(t, o, employer))
	}
	if err := o.ClaimJob(context.Background(), job.ID, worker); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("claim on expired job: %v", err)
	}
}

func TestCancelRefundsEverything(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()
	job, _ := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(ctx, job.ID, worker)

	cancelled, err := o.CancelJob(ctx, job.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.FailureReason != models.ReasonCancelled {
		t.Fatalf("unexpected %+v", cancelled)
	}
	if !near(tokens(t, o, employer), 1000) || !near(tokens(t, o, worker), 100) {
		t.Fatalf("employer=%v worker=%v", tokens(t, o, employer), tokens(t, o, worker))
	}
	if acc, _ := o.Ledger().Account(worker); acc.Staked != 0 {
		t.Fatalf("stake still locked: %+v", acc)
	}
	if len(o.PendingEvents()) != 0 {
		t.Fatalf("events survive cancellation: %+v", o.PendingEvents())
	}
	if _, err := o.CancelJob(ctx, job.ID, ""); err != nil {
		t.Fatalf("second cancel should be a no-op: %v", err)
	}
	if err := o.DeleteJob(job.ID); err != nil {
		t.Fatalf("delete cancelled job: %v", err)
	}
	if _, err := o.Job(job.ID); !errors.Is(err, models.ErrUnknownJob) {
		t.Fatalf("job still present: %v", err)
	}
	assertConserved(t, o)
}

func TestCancelFinalizedRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Validators = nil
	o := newTestOrchestrator(t, cfg, Options{})
	ctx := context.Background()
	job, _ := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(ctx, job.ID, worker)
	_ = o.SubmitResult(ctx, job.ID, worker, models.Result{})
	waitStatus(t, o, job.ID, models.StatusFinalized)
	if _, err := o.CancelJob(ctx, job.ID, ""); !errors.Is(err, models.ErrJobFinalized) {
		t.Fatalf("expected ErrJobFinalized got %v", err)
	}
	_, err := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	active := o.Jobs(models.StatusPosted)[0]
	if err := o.DeleteJob(active.ID); !errors.Is(err, models.ErrJobActive) {
		t.Fatalf("expected ErrJobActive got %v", err)
	}
}

func TestPauseGateBlocksTransitions(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	if err := o.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	posted := make(chan error, 1)
	go func() {
		_, err := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
		posted <- err
	}()
	select {
	case err := <-posted:
		t.Fatalf("post completed while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour))); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while paused, got %v", err)
	}

	o.Resume()
	select {
	case err := <-posted:
		if err != nil {
			t.Fatalf("post after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("post still blocked after resume")
	}
}

func TestPauseHoldsClaimQueuedOnLock(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	job, err := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	o.mu.Lock()
	claimed := make(chan error, 1)
	go func() { claimed <- o.ClaimJob(context.Background(), job.ID, worker) }()
	time.Sleep(30 * time.Millisecond)
	if err := o.Pause(); err != nil {
		o.mu.Unlock()
		t.Fatalf("pause: %v", err)
	}
	o.mu.Unlock()

	select {
	case err := <-claimed:
		t.Fatalf("claim finished while paused: %v", err)
	case <-time.After(60 * time.Millisecond):
	}
	if got, _ := o.Job(job.ID); got.Status != models.StatusPosted {
		t.Fatalf("transition began while paused: %s", got.Status)
	}

	o.Resume()
	select {
	case err := <-claimed:
		if err != nil {
			t.Fatalf("claim after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("claim still blocked after resume")
	}
	if got, _ := o.Job(job.ID); got.Status != models.StatusInProgress || got.AssignedAgent != worker {
		t.Fatalf("claim not applied after resume: %+v", got)
	}
}

func TestPauseDisabledByGovernance(t *testing.T) {
	cfg := testConfig()
	cfg.Governance.PauseEnabled = false
	o := newTestOrchestrator(t, cfg, Options{})
	if err := o.Pause(); !errors.Is(err, models.ErrInvalidParameters) {
		t.Fatalf("expected pause to be refused, got %v", err)
	}
	if o.Gate().Paused() {
		t.Fatalf("gate closed despite refusal")
	}
}

func TestApplyCommand(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()
	job, _ := o.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))

	slash := 0.25
	window := models.Duration(2 * time.Second)
	energy := 500.0
	err := o.ApplyCommand(ctx, control.Command{
		Action:     control.ActionUpdateParameters,
		Governance: &models.GovernanceUpdate{SlashRatio: &slash, CommitWindow: &window},
		Resources:  &models.PoolUpdate{EnergyCapacity: &energy},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	gov := o.Governance()
	if gov.SlashRatio != 0.25 || gov.CommitWindow != 2*time.Second {
		t.Fatalf("governance not applied: %+v", gov)
	}
	if o.Ledger().Pool().EnergyCapacity != 500 {
		t.Fatalf("pool not applied: %+v", o.Ledger().Pool())
	}

	bad := 2.0
	if err := o.ApplyCommand(ctx, control.Command{Action: control.ActionUpdateParameters, Governance: &models.GovernanceUpdate{SlashRatio: &bad}}); !errors.Is(err, models.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if o.Governance().SlashRatio != 0.25 {
		t.Fatalf("invalid update leaked")
	}

	if err := o.ApplyCommand(ctx, control.Command{Action: control.ActionPause}); err != nil || !o.Gate().Paused() {
		t.Fatalf("pause: %v", err)
	}
	if err := o.ApplyCommand(ctx, control.Command{Action: control.ActionCancelJob, JobID: job.ID}); err != nil {
		t.Fatalf("cancel while paused: %v", err)
	}
	if err := o.ApplyCommand(ctx, control.Command{Action: control.ActionResume}); err != nil || o.Gate().Paused() {
		t.Fatalf("resume: %v", err)
	}
	if err := o.ApplyCommand(ctx, control.Command{Action: control.ActionStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-o.StopRequested():
	default:
		t.Fatalf("stop not signalled")
	}
	if got, _ := o.Job(job.ID); got.Status != models.StatusCancelled {
		t.Fatalf("cancel_job not applied: %s", got.Status)
	}
}

func TestControlLoopAppliesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.jsonl")
	cfg := testConfig()
	cfg.ControlPollInterval = 10 * time.Millisecond
	o := newTestOrchestrator(t, cfg, Options{Control: control.NewPoller(path, 0, quietLogger())})
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := control.Append(path, control.Command{Action: control.ActionPause}); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, "pause from control file", o.Gate().Paused)
	if err := control.Append(path, control.Command{Action: control.ActionResume}); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, "resume from control file", func() bool { return !o.Gate().Paused() })
	waitFor(t, "offset to cover both lines", func() bool {
		snap := o.Snapshot()
		return snap.ControlOffset > 0 && snap.ControlOffset == fileSize(t, path)
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), quietLogger())
	ctx := context.Background()

	a := newTestOrchestrator(t, testConfig(), Options{Checkpoints: store})
	expiring, _ := a.PostJob(ctx, testSpec(time.Now().Add(300*time.Millisecond)))
	running, _ := a.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	if err := a.ClaimJob(ctx, running.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	dropped, _ := a.PostJob(ctx, testSpec(time.Now().Add(time.Hour)))
	if _, err := a.CancelJob(ctx, dropped.ID, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := a.Snapshot()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("done not closed")
	}

	time.Sleep(350 * time.Millisecond)
	b := newTestOrchestrator(t, testConfig(), Options{Checkpoints: store})
	found, err := b.Restore()
	if err != nil || !found {
		t.Fatalf("restore found=%v err=%v", found, err)
	}

	got, err := b.Job(running.ID)
	if err != nil {
		t.Fatalf("running job lost: %v", err)
	}
	if got.Status != models.StatusInProgress || got.AssignedAgent != worker || !near(got.StakeLocked, before.Jobs[running.ID].StakeLocked) {
		t.Fatalf("running job changed: %+v", got)
	}
	if acc, _ := b.Ledger().Account(worker); !near(acc.Staked, 10) {
		t.Fatalf("stake not restored: %+v", acc)
	}
	if got, _ := b.Job(dropped.ID); got.Status != models.StatusCancelled {
		t.Fatalf("cancelled job restored as %s", got.Status)
	}
	final := waitStatus(t, b, expiring.ID, models.StatusFinalized)
	if final.FailureReason != models.ReasonDeadline {
		t.Fatalf("elapsed deadline did not fire after restore: %+v", final)
	}
	assertConserved(t, b)
}

func TestCheckpointRestoresValidationRounds(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), quietLogger())
	ctx := context.Background()
	cfg := testConfig()
	cfg.Governance.RevealWindow = time.Hour

	a := newTestOrchestrator(t, cfg, Options{Checkpoints: store})
	revealing := runToReveal(t, a, "v1", "v2", "v3")
	if err := a.Reveal(ctx, revealing.ID, "v1", true); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	spec := testSpec(time.Now().Add(time.Hour))
	spec.CommitWindow = 500 * time.Millisecond
	committing, err := a.PostJob(ctx, spec)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := a.ClaimJob(ctx, committing.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := a.SubmitResult(ctx, committing.ID, worker, models.Result{Output: "core.log"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.Commit(ctx, committing.ID, "v1", council.Digest(committing.ID, "v1", true, "salt")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	b := newTestOrchestrator(t, cfg, Options{Checkpoints: store})
	if found, err := b.Restore(); err != nil || !found {
		t.Fatalf("restore found=%v err=%v", found, err)
	}
	if got, _ := b.Job(committing.ID); got.Status != models.StatusAwaitingCommit {
		t.Fatalf("commit-phase job restored as %s", got.Status)
	}
	if got, _ := b.Job(revealing.ID); got.Status != models.StatusAwaitingReveal || !got.ValidatorVotes["v1"] {
		t.Fatalf("reveal-phase job restored as %+v", got)
	}

	if err := b.Commit(ctx, committing.ID, "v2", council.Digest(committing.ID, "v2", true, "salt")); err != nil {
		t.Fatalf("commit after restore: %v", err)
	}
	for _, v := range []string{"v2", "v3"} {
		if err := b.Reveal(ctx, revealing.ID, v, true); err != nil {
			t.Fatalf("reveal %s after restore: %v", v, err)
		}
	}
	final := waitStatus(t, b, revealing.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted || len(final.ValidatorVotes) != 3 {
		t.Fatalf("reveal-phase job settled as %+v", final)
	}

	waitStatus(t, b, committing.ID, models.StatusAwaitingReveal)
	for _, v := range []string{"v1", "v2"} {
		if err := b.Reveal(ctx, committing.ID, v, true); err != nil {
			t.Fatalf("reveal %s: %v", v, err)
		}
	}
	final = waitStatus(t, b, committing.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("commit-phase job settled as %+v", final)
	}
	for _, name := range []string{worker, "v1", "v2", "v3"} {
		if acc, _ := b.Ledger().Account(name); acc.Staked != 0 {
			t.Fatalf("%s still staked after both settlements: %+v", name, acc)
		}
	}
	assertConserved(t, b)
}

func TestBusProtocol(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	_ = o.FundAccount("worker-2", 100)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	inbox1 := o.Bus().Subscribe(models.AgentTopic(worker), 8)
	inbox2 := o.Bus().Subscribe(models.AgentTopic("worker-2"), 8)
	defer inbox1.Close()
	defer inbox2.Close()

	job, _ := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	o.Bus().Publish(models.TopicClaims, models.ClaimRequest{Version: models.MessageVersion, JobID: job.ID, Agent: worker}, worker)
	o.Bus().Publish(models.TopicClaims, &models.ClaimRequest{Version: models.MessageVersion, JobID: job.ID, Agent: "worker-2"}, "worker-2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m1, err := inbox1.Next(ctx)
	if err != nil {
		t.Fatalf("no decision for worker-1: %v", err)
	}
	m2, err := inbox2.Next(ctx)
	if err != nil {
		t.Fatalf("no decision for worker-2: %v", err)
	}
	d1 := m1.Payload.(models.ClaimDecision)
	d2 := m2.Payload.(models.ClaimDecision)
	if !d1.Accepted || d2.Accepted {
		t.Fatalf("decisions %+v %+v", d1, d2)
	}

	o.Bus().Publish(models.TopicResults, models.ResultSubmission{JobID: job.ID, Agent: worker, Result: models.Result{Output: "done"}}, worker)
	waitStatus(t, o, job.ID, models.StatusAwaitingCommit)
	for _, v := range []string{"v1", "v2", "v3"} {
		o.Bus().Publish(models.TopicCommits, models.CommitSubmission{JobID: job.ID, Validator: v, Digest: council.Digest(job.ID, v, true, "s")}, v)
	}
	waitStatus(t, o, job.ID, models.StatusAwaitingReveal)
	for _, v := range []string{"v1", "v2", "v3"} {
		o.Bus().Publish(models.TopicReveals, models.RevealSubmission{JobID: job.ID, Validator: v, Verdict: true, Salt: "s"}, v)
	}
	final := waitStatus(t, o, job.ID, models.StatusFinalized)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome %s", final.Outcome)
	}
	if len(final.ValidatorVotes) != 3 {
		t.Fatalf("votes %+v", final.ValidatorVotes)
	}
}

func TestPricingTickReplenishesFromSimulation(t *testing.T) {
	l := ledger.New(ledger.Config{EnergyCapacity: 100, ComputeCapacity: 100})
	planet := sim.NewPlanet(sim.PlanetConfig{PeakEnergy: 50, BaseEnergy: 50, ComputePerUnit: 10, Infrastructure: 5, StartHour: 0})
	o := newTestOrchestrator(t, testConfig(), Options{Ledger: l, Simulator: planet})
	if err := l.RecordUsage("drain", 80, 80); err != nil {
		t.Fatalf("usage: %v", err)
	}
	sub := o.Bus().Subscribe(models.TopicPricing, 2)
	defer sub.Close()

	before := l.Pool()
	if err := o.pricingTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	after := l.Pool()
	if after.EnergyAvailable <= before.EnergyAvailable || after.EnergyPrice >= before.EnergyPrice {
		t.Fatalf("pool not replenished: before=%+v after=%+v", before, after)
	}
	msg, ok := sub.TryNext()
	if !ok || msg.Payload.(models.PricingUpdate).EnergyPrice != after.EnergyPrice {
		t.Fatalf("pricing update not published")
	}
}

func TestScanHealthFlagsSilentAssignee(t *testing.T) {
	cfg := testConfig()
	cfg.AgentStaleAfter = time.Minute
	o := newTestOrchestrator(t, cfg, Options{})
	job, _ := o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	_ = o.ClaimJob(context.Background(), job.ID, worker)

	if got := o.ScanHealth(time.Now()); len(got.Agents) != 0 {
		t.Fatalf("fresh agent flagged: %+v", got)
	}
	got := o.ScanHealth(time.Now().Add(2 * time.Minute))
	if len(got.Agents) != 1 || got.Agents[0] != worker || got.JobIDs[0] != job.ID {
		t.Fatalf("stale agent missed: %+v", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	_, _ = o.PostJob(context.Background(), testSpec(time.Now().Add(time.Hour)))
	path := filepath.Join(t.TempDir(), "status", "status.jsonl")
	if err := o.WriteStatus(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := o.WriteStatus(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := o.Status()
	if st.Jobs[models.StatusPosted] != 1 || st.TotalJobs != 1 || st.PendingEvents[models.EventJobDeadline] != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.NextEvent == nil {
		t.Fatalf("next event missing")
	}
}

func TestDecodeAcceptsRawJSON(t *testing.T) {
	req, ok := decode[models.ClaimRequest]([]byte(`{"job_id":"j","agent":"a"}`))
	if !ok || req.JobID != "j" || req.Agent != "a" {
		t.Fatalf("decode raw: %+v %v", req, ok)
	}
	if _, ok := decode[models.ClaimRequest]("nope"); ok {
		t.Fatalf("string payload decoded")
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	return info.Size()
}
