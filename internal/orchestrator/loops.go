package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/control"
	"job-orchestrator/internal/council"
	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/supervisor"
	"job-orchestrator/internal/telemetry"
)

// Start subscribes the agent protocol consumers and launches the periodic loops.
// Calling it more than once has no further effect.
func (o *Orchestrator) Start() error {
	var err error
	o.startOnce.Do(func() { err = o.start() })
	return err
}

func (o *Orchestrator) start() error {
	o.sup.OnFailure(func(task string, _ error) {
		telemetry.LoopFailures.WithLabelValues(task).Inc()
	})

	consumers := []struct {
		name   string
		topic  string
		handle func(context.Context, bus.Message)
	}{
		{"claims", models.TopicClaims, o.handleClaim},
		{"results", models.TopicResults, o.handleResult},
		{"commits", models.TopicCommits, o.handleCommit},
		{"reveals", models.TopicReveals, o.handleReveal},
		{"heartbeats", models.TopicHeartbeats, o.handleHeartbeat},
	}
	for _, c := range consumers {
		sub := o.bus.Subscribe(c.topic, bus.DefaultBuffer)
		if err := o.sup.Go(c.name, consume(sub, c.handle)); err != nil {
			sub.Close()
			return err
		}
	}

	periodic := []struct {
		name     string
		interval time.Duration
		fn       supervisor.TaskFunc
		enabled  bool
		ungated  bool
	}{
		{"checkpoint", o.cfg.CheckpointInterval, o.Checkpoint, o.checkpoints != nil, false},
		{"watchdog", o.cfg.WatchdogInterval, o.watchdogTick, true, false},
		{"pricing", o.cfg.PricingInterval, o.pricingTick, true, false},
		{"health", o.cfg.HealthInterval, o.healthTick, o.cfg.AgentStaleAfter > 0, false},
		{"status", o.cfg.StatusInterval, o.statusTick, o.cfg.StatusPath != "", false},
		{"control", o.cfg.ControlPollInterval, o.controlTick, o.control != nil, true},
		{"council-prune", o.cfg.PruneInterval, o.pruneTick, true, false},
	}
	for _, p := range periodic {
		if !p.enabled || p.interval <= 0 {
			continue
		}
		every := o.sup.Every
		if p.ungated {
			every = o.sup.EveryUngated
		}
		if err := every(p.name, p.interval, p.fn); err != nil {
			return err
		}
	}
	o.log.WithField("validators", o.cfg.Validators).Info("orchestrator started")
	return nil
}

// Tasks reports the state of every background task.
func (o *Orchestrator) Tasks() []supervisor.TaskStatus {
	return o.sup.Status()
}

func consume(sub *bus.Subscription, handle func(context.Context, bus.Message)) supervisor.TaskFunc {
	return func(ctx context.Context) error {
		defer sub.Close()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return err
			}
			handle(ctx, msg)
		}
	}
}

// decode accepts a payload published as a value, a pointer or raw JSON.
func decode[T any](payload any) (T, bool) {
	var out T
	switch v := payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	case json.RawMessage:
		if json.Unmarshal(v, &out) == nil {
			return out, true
		}
	case []byte:
		if json.Unmarshal(v, &out) == nil {
			return out, true
		}
	}
	return out, false
}

func (o *Orchestrator) dropMalformed(msg bus.Message) {
	o.log.WithFields(logrus.Fields{"topic": msg.Topic, "publisher": msg.Publisher}).Warn("dropping malformed message")
}

func (o *Orchestrator) handleClaim(ctx context.Context, msg bus.Message) {
	req, ok := decode[models.ClaimRequest](msg.Payload)
	if !ok || req.JobID == "" || req.Agent == "" {
		o.dropMalformed(msg)
		return
	}
	if err := o.waitGate(ctx); err != nil {
		return
	}
	o.submitClaim(ctx, req.JobID, req.Agent, func(err error) {
		if err != nil && !isRejection(err) {
			o.log.WithFields(logrus.Fields{"job_id": req.JobID, "agent": req.Agent}).WithError(err).Warn("claim failed")
		}
		o.bus.Publish(models.AgentTopic(req.Agent), claimDecision(req.JobID, req.Agent, err), models.OrchestratorAddress)
	})
}

func (o *Orchestrator) handleResult(ctx context.Context, msg bus.Message) {
	sub, ok := decode[models.ResultSubmission](msg.Payload)
	if !ok || sub.JobID == "" {
		o.dropMalformed(msg)
		return
	}
	if err := o.SubmitResult(ctx, sub.JobID, sub.Agent, sub.Result); err != nil && !errors.Is(err, context.Canceled) {
		o.log.WithFields(logrus.Fields{"job_id": sub.JobID, "agent": sub.Agent}).WithError(err).Warn("result rejected")
	}
}

func (o *Orchestrator) handleCommit(ctx context.Context, msg bus.Message) {
	c, ok := decode[models.CommitSubmission](msg.Payload)
	if !ok || c.JobID == "" {
		o.dropMalformed(msg)
		return
	}
	if err := o.Commit(ctx, c.JobID, c.Validator, c.Digest); err != nil && !errors.Is(err, context.Canceled) {
		o.log.WithFields(logrus.Fields{"job_id": c.JobID, "validator": c.Validator}).WithError(err).Warn("commit rejected")
	}
}

func (o *Orchestrator) handleReveal(ctx context.Context, msg bus.Message) {
	r, ok := decode[models.RevealSubmission](msg.Payload)
	if !ok || r.JobID == "" {
		o.dropMalformed(msg)
		return
	}
	if r.Salt != "" {
		if round, ok := o.council.Round(r.JobID); ok {
			if committed, ok := round.Commits[r.Validator]; ok && committed != council.Digest(r.JobID, r.Validator, r.Verdict, r.Salt) {
				o.log.WithFields(logrus.Fields{"job_id": r.JobID, "validator": r.Validator}).Warn("reveal does not match commitment")
			}
		}
	}
	if err := o.Reveal(ctx, r.JobID, r.Validator, r.Verdict); err != nil && !errors.Is(err, context.Canceled) {
		o.log.WithFields(logrus.Fields{"job_id": r.JobID, "validator": r.Validator}).WithError(err).Warn("reveal rejected")
	}
}

func (o *Orchestrator) handleHeartbeat(_ context.Context, msg bus.Message) {
	hb, ok := decode[models.Heartbeat](msg.Payload)
	if !ok {
		o.dropMalformed(msg)
		return
	}
	at := hb.At
	if at.IsZero() {
		at = msg.PublishedAt
	}
	o.health.touch(hb.Agent, at)
}

func (o *Orchestrator) watchdogTick(context.Context) error {
	if n := o.ExpireOverdue(time.Now()); n > 0 {
		o.log.WithField("jobs", n).Info("watchdog settled overdue jobs")
	}
	telemetry.PendingEvents.Set(float64(o.sched.Len()))
	return nil
}

// pricingTick advances the simulation, refills the pool with what it produced and
// publishes the resulting prices.
func (o *Orchestrator) pricingTick(context.Context) error {
	var pool ledger.Pool
	if o.sim != nil {
		state := o.sim.Tick(o.cfg.SimHoursPerTick)
		pool = o.ledger.Replenish(state.EnergyOutput, state.ComputeOutput)
	} else {
		pool = o.ledger.Pool()
	}
	o.publishPricing(pool)
	return nil
}

func (o *Orchestrator) publishPricing(pool ledger.Pool) {
	telemetry.ResourcePrice.WithLabelValues("energy").Set(pool.EnergyPrice)
	telemetry.ResourcePrice.WithLabelValues("compute").Set(pool.ComputePrice)
	telemetry.ResourceAvailable.WithLabelValues("energy").Set(pool.EnergyAvailable)
	telemetry.ResourceAvailable.WithLabelValues("compute").Set(pool.ComputeAvailable)
	o.bus.Publish(models.TopicPricing, models.PricingUpdate{
		Version:          models.MessageVersion,
		EnergyPrice:      pool.EnergyPrice,
		ComputePrice:     pool.ComputePrice,
		EnergyAvailable:  pool.EnergyAvailable,
		ComputeAvailable: pool.ComputeAvailable,
	}, models.OrchestratorAddress)
}

func (o *Orchestrator) healthTick(context.Context) error {
	o.ScanHealth(time.Now())
	return nil
}

func (o *Orchestrator) statusTick(context.Context) error {
	return o.WriteStatus(o.cfg.StatusPath)
}

func (o *Orchestrator) controlTick(ctx context.Context) error {
	_, err := o.control.Poll(ctx, o.ApplyCommand)
	return err
}

func (o *Orchestrator) pruneTick(context.Context) error {
	active := make(map[string]bool)
	for _, job := range o.jobs.WithStatus(models.StatusAwaitingCommit, models.StatusAwaitingReveal, models.StatusCompleted, models.StatusFailed) {
		active[job.ID] = true
	}
	if n := o.council.Prune(active); n > 0 {
		o.log.WithField("rounds", n).Debug("pruned council rounds")
	}
	return nil
}

// ApplyCommand executes one operator command. Operator commands are not held by the pause
// gate, so resume and cancel work while paused.
func (o *Orchestrator) ApplyCommand(ctx context.Context, cmd control.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	log := o.log.WithField("action", cmd.Action)
	switch cmd.Action {
	case control.ActionPause:
		return o.Pause()
	case control.ActionResume:
		o.Resume()
	case control.ActionStop:
		o.RequestStop()
	case control.ActionCancelJob:
		if _, err := o.CancelJob(ctx, cmd.JobID, cmd.Reason); err != nil {
			return err
		}
	case control.ActionUpdateParameters:
		if cmd.Governance != nil {
			if _, err := o.UpdateGovernance(*cmd.Governance); err != nil {
				return err
			}
		}
		if cmd.Resources != nil {
			if _, err := o.UpdateResources(*cmd.Resources); err != nil {
				return err
			}
		}
	}
	log.Info("control command applied")
	return nil
}
