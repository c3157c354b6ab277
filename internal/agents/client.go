// Package agents holds the bus-facing clients used by workers and validators, and simulated
// runners built on them for demo missions.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/council"
	"job-orchestrator/internal/models"
)

// Agent is what a worker can ask of the orchestrator.
type Agent interface {
	ClaimJob(ctx context.Context, jobID string) error
	SubmitResult(ctx context.Context, jobID string, result models.Result) error
}

// Validator is what a council member can send.
type Validator interface {
	Commit(ctx context.Context, jobID string) error
	Reveal(ctx context.Context, jobID string, verdict bool) error
}

var knownErrors = []error{
	models.ErrJobAlreadyAssigned,
	models.ErrInsufficientBalance,
	models.ErrInsufficientStake,
	models.ErrUnknownJob,
	models.ErrInvalidTransition,
	models.ErrCapacityExceeded,
}

// BusClient speaks the agent protocol over the message bus.
type BusClient struct {
	name  string
	bus   *bus.Bus
	inbox *bus.Subscription

	mu sync.Mutex // one claim waits on the inbox at a time
}

// NewBusClient subscribes to the agent's inbox immediately so no decision is missed.
func NewBusClient(b *bus.Bus, name string) *BusClient {
	return &BusClient{name: name, bus: b, inbox: b.Subscribe(models.AgentTopic(name), bus.DefaultBuffer)}
}

func (c *BusClient) Name() string { return c.name }

// ClaimJob publishes a claim and waits for the orchestrator's decision.
func (c *BusClient) ClaimJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus.Publish(models.TopicClaims, models.ClaimRequest{Version: models.MessageVersion, JobID: jobID, Agent: c.name}, c.name)
	for {
		msg, err := c.inbox.Next(ctx)
		if err != nil {
			return err
		}
		d, ok := msg.Payload.(models.ClaimDecision)
		if !ok || d.JobID != jobID {
			continue
		}
		if d.Accepted {
			return nil
		}
		return decisionError(d.Error)
	}
}

// SubmitResult publishes the output. Acceptance is observable on the job topics.
func (c *BusClient) SubmitResult(_ context.Context, jobID string, result models.Result) error {
	c.bus.Publish(models.TopicResults, models.ResultSubmission{
		Version: models.MessageVersion,
		JobID:   jobID,
		Agent:   c.name,
		Result:  result,
	}, c.name)
	return nil
}

// Heartbeat tells the orchestrator the agent is alive.
func (c *BusClient) Heartbeat() {
	c.bus.Publish(models.TopicHeartbeats, models.Heartbeat{Version: models.MessageVersion, Agent: c.name, At: time.Now().UTC()}, c.name)
}

// Close drops the inbox subscription.
func (c *BusClient) Close() { c.inbox.Close() }

// decisionError maps a rejection reason back onto its sentinel so callers can use errors.Is.
func decisionError(reason string) error {
	for _, known := range knownErrors {
		if strings.Contains(reason, known.Error()) {
			return fmt.Errorf("%s: %w", reason, known)
		}
	}
	return errors.New(reason)
}

// BusValidator remembers the verdict and salt it committed to so it can reveal them later.
type BusValidator struct {
	name string
	bus  *bus.Bus

	mu       sync.Mutex
	verdicts map[string]bool
	salts    map[string]string
}

func NewBusValidator(b *bus.Bus, name string) *BusValidator {
	return &BusValidator{name: name, bus: b, verdicts: make(map[string]bool), salts: make(map[string]string)}
}

func (v *BusValidator) Name() string { return v.name }

// Decide fixes the verdict and salt for a job before Commit.
func (v *BusValidator) Decide(jobID string, verdict bool, salt string) {
	v.mu.Lock()
	v.verdicts[jobID] = verdict
	v.salts[jobID] = salt
	v.mu.Unlock()
}

// Commit publishes the digest of the decided verdict.
func (v *BusValidator) Commit(_ context.Context, jobID string) error {
	v.mu.Lock()
	verdict, ok := v.verdicts[jobID]
	salt := v.salts[jobID]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("no verdict decided for %s", jobID)
	}
	v.bus.Publish(models.TopicCommits, models.CommitSubmission{
		Version:   models.MessageVersion,
		JobID:     jobID,
		Validator: v.name,
		Digest:    council.Digest(jobID, v.name, verdict, salt),
	}, v.name)
	return nil
}

// Reveal publishes the verdict with the salt used at commit time.
func (v *BusValidator) Reveal(_ context.Context, jobID string, verdict bool) error {
	v.mu.Lock()
	salt := v.salts[jobID]
	delete(v.verdicts, jobID)
	delete(v.salts, jobID)
	v.mu.Unlock()
	v.bus.Publish(models.TopicReveals, models.RevealSubmission{
		Version:   models.MessageVersion,
		JobID:     jobID,
		Validator: v.name,
		Verdict:   verdict,
		Salt:      salt,
	}, v.name)
	return nil
}

func (v *BusValidator) decided(jobID string) (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	verdict, ok := v.verdicts[jobID]
	return verdict, ok
}
