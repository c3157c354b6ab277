package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/agents"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/logging"
	"job-orchestrator/internal/models"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	name := cfg.AgentName
	if name == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			name = hostname
		} else {
			name = "agent-" + uuid.NewString()[:8]
		}
	}
	client := agents.NewHTTPClient(cfg.OrchestratorURL, name)
	alog := log.WithField("agent", name)

	alog.WithFields(logrus.Fields{"skills": cfg.AgentSkills, "url": cfg.OrchestratorURL}).Info("agent started")
	if err := run(ctx, cfg, client, alog); err != nil && !errors.Is(err, context.Canceled) {
		alog.WithError(err).Error("agent stopped")
	}
}

func run(ctx context.Context, cfg config.Config, client *agents.HTTPClient, log logrus.FieldLogger) error {
	failures := 0
	for {
		worked, err := pollOnce(ctx, cfg.AgentSkills, client, log)
		wait := cfg.AgentPollInterval
		switch {
		case err != nil:
			failures++
			wait = backoffWithJitter(cfg.BackoffInitial, cfg.BackoffMax, failures)
			log.WithError(err).WithField("retry_in", wait).Warn("poll failed")
		case worked:
			failures = 0
			wait = 0
		default:
			failures = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// pollOnce leases at most one job across the agent's skills and works it.
func pollOnce(ctx context.Context, skills []string, client *agents.HTTPClient, log logrus.FieldLogger) (bool, error) {
	for _, skill := range skills {
		job, ok, err := client.NextJob(ctx, skill)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		jlog := log.WithField("job_id", job.ID)
		if err := client.ClaimJob(ctx, job.ID); err != nil {
			if errors.Is(err, models.ErrJobAlreadyAssigned) || errors.Is(err, models.ErrInvalidTransition) {
				jlog.WithError(err).Debug("lost claim")
				return true, nil
			}
			return false, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		result := models.Result{
			Output:      job.Spec.Title,
			EnergyUsed:  job.Spec.EnergyBudget,
			ComputeUsed: job.Spec.ComputeBudget,
		}
		if err := client.SubmitResult(ctx, job.ID, result); err != nil {
			return false, fmt.Errorf("submit %s: %w", job.ID, err)
		}
		jlog.Info("result submitted")
		return true, nil
	}
	return false, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
