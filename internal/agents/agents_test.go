package agents

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/orchestrator"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMission(t *testing.T, validators ...string) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.DefaultConfig()
	cfg.Validators = validators
	cfg.Governance.CommitWindow = 100 * time.Millisecond
	cfg.Governance.RevealWindow = 100 * time.Millisecond
	cfg.CheckpointInterval = 0
	cfg.PricingInterval = 0
	cfg.StatusInterval = 0
	o, err := orchestrator.New(cfg, orchestrator.Options{
		Ledger: ledger.New(ledger.Config{EnergyCapacity: 100, ComputeCapacity: 100}),
		Logger: quiet(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func waitFinal(t *testing.T, o *orchestrator.Orchestrator, id string) models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if j, err := o.Job(id); err == nil && j.Status == models.StatusFinalized {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := o.Job(id)
	t.Fatalf("job %s not finalized, status %s", id, j.Status)
	return j
}

func spec(title string) models.JobSpec {
	return models.JobSpec{
		Title:    title,
		Skills:   []string{"survey"},
		Reward:   40,
		Deadline: time.Now().Add(time.Minute),
		Metadata: map[string]string{models.MetadataEmployer: "acme"},
	}
}

func TestMissionEndToEnd(t *testing.T) {
	names := []string{"val-a", "val-b", "val-c"}
	o := newMission(t, names...)
	for _, n := range append([]string{"acme", "w1", "w2"}, names...) {
		_ = o.FundAccount(n, 100)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, n := range []string{"w1", "w2"} {
		w := &Worker{Client: NewBusClient(o.Bus(), n), Skills: []string{"survey"}, HeartbeatEvery: 20 * time.Millisecond, Log: quiet()}
		wg.Add(1)
		go func() { defer wg.Done(); _ = w.Run(ctx) }()
	}
	for i, n := range names {
		approve := i < 2
		r := &ValidatorRunner{Validator: NewBusValidator(o.Bus(), n), Judge: func(models.CommitRequest) bool { return approve }, Log: quiet()}
		wg.Add(1)
		go func() { defer wg.Done(); _ = r.Run(ctx) }()
	}
	time.Sleep(20 * time.Millisecond)

	job, err := o.PostJob(context.Background(), spec("map the crater"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	final := waitFinal(t, o, job.ID)
	if final.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome %s (%s)", final.Outcome, final.FailureReason)
	}
	if final.AssignedAgent != "w1" && final.AssignedAgent != "w2" {
		t.Fatalf("assigned to %q", final.AssignedAgent)
	}
	winner, _ := o.Ledger().Account(final.AssignedAgent)
	if winner.Tokens < 139.999 {
		t.Fatalf("winner not paid: %+v", winner)
	}
	if len(final.ValidatorVotes) != 3 || final.Result == nil || final.Result.Output != "map the crater" {
		t.Fatalf("unexpected final job %+v", final)
	}
	tot := o.Ledger().Totals()
	if d := tot.Tokens + tot.Staked + tot.Burned - tot.Minted; d > 1e-6 || d < -1e-6 {
		t.Fatalf("conservation broken %+v", tot)
	}
}

func TestClaimJobMapsRejection(t *testing.T) {
	o := newMission(t)
	_ = o.FundAccount("acme", 100)
	_ = o.FundAccount("a", 100)
	_ = o.FundAccount("b", 100)
	job, err := o.PostJob(context.Background(), spec("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	a, b := NewBusClient(o.Bus(), "a"), NewBusClient(o.Bus(), "b")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.ClaimJob(ctx, job.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := b.ClaimJob(ctx, job.ID); !errors.Is(err, models.ErrJobAlreadyAssigned) {
		t.Fatalf("expected ErrJobAlreadyAssigned got %v", err)
	}
	if err := b.ClaimJob(ctx, "nope"); !errors.Is(err, models.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob got %v", err)
	}
}

func TestBusValidatorRevealsCommittedSalt(t *testing.T) {
	b := bus.New()
	commits := b.Subscribe(models.TopicCommits, 2)
	reveals := b.Subscribe(models.TopicReveals, 2)
	v := NewBusValidator(b, "v")
	if err := v.Commit(context.Background(), "j"); err == nil {
		t.Fatalf("commit without verdict should fail")
	}
	v.Decide("j", true, "pepper")
	_ = v.Commit(context.Background(), "j")
	_ = v.Reveal(context.Background(), "j", true)

	c, _ := commits.TryNext()
	r, _ := reveals.TryNext()
	cs := c.Payload.(models.CommitSubmission)
	rs := r.Payload.(models.RevealSubmission)
	if rs.Salt != "pepper" || cs.Digest == "" {
		t.Fatalf("commit %+v reveal %+v", cs, rs)
	}
}
