package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/agents"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/orchestrator"
)

// seedMission funds the mission accounts and posts its jobs.
func seedMission(ctx context.Context, orch *orchestrator.Orchestrator, m config.Mission, log logrus.FieldLogger) {
	for name, amount := range m.Accounts {
		if err := orch.FundAccount(name, amount); err != nil {
			log.WithField("account", name).WithError(err).Warn("fund account")
		}
	}
	now := time.Now().UTC()
	for _, j := range m.Jobs {
		job, err := orch.PostJob(ctx, j.Spec(now))
		if err != nil {
			log.WithField("title", j.Title).WithError(err).Warn("post mission job")
			continue
		}
		log.WithFields(logrus.Fields{"job_id": job.ID, "title": j.Title}).Info("mission job posted")
	}
}

// startDemoAgents runs the mission's simulated workers and validators on the in-process bus.
func startDemoAgents(ctx context.Context, orch *orchestrator.Orchestrator, m config.Mission, log logrus.FieldLogger) {
	for _, w := range m.Workers {
		worker := &agents.Worker{
			Client:         agents.NewBusClient(orch.Bus(), w.Name),
			Skills:         w.Skills,
			Work:           flakyWork(w.FailRate),
			HeartbeatEvery: orchestrator.DefaultConfig().AgentStaleAfter / 4,
			Log:            log,
		}
		go func() { _ = worker.Run(ctx) }()
	}
	for _, v := range m.Validators {
		approves := v.Approves()
		runner := &agents.ValidatorRunner{
			Validator: agents.NewBusValidator(orch.Bus(), v.Name),
			Judge: func(req models.CommitRequest) bool {
				return approves && req.Output != ""
			},
			Log: log,
		}
		go func() { _ = runner.Run(ctx) }()
	}
	log.WithFields(logrus.Fields{"workers": len(m.Workers), "validators": len(m.Validators)}).Info("demo agents started")
}

// flakyWork echoes the job title, except for a failRate share of jobs that come back empty.
func flakyWork(failRate float64) agents.WorkFunc {
	return func(ctx context.Context, job models.JobPosted) (models.Result, error) {
		if failRate > 0 && rand.Float64() < failRate {
			return models.Result{}, nil
		}
		return agents.EchoWork(ctx, job)
	}
}
