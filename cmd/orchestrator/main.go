package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/api"
	"job-orchestrator/internal/checkpoint"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/control"
	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/logging"
	"job-orchestrator/internal/orchestrator"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/sim"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
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

	var mission *config.Mission
	if cfg.MissionFile != "" {
		m, err := config.LoadMission(cfg.MissionFile)
		if err != nil {
			log.WithError(err).Fatal("load mission")
		}
		mission = &m
	}

	ckpt := checkpoint.NewStore(cfg.CheckpointPath, log, mirrors(ctx, cfg, log)...)
	orch, err := orchestrator.New(orchestratorConfig(cfg, mission), orchestrator.Options{
		Ledger: ledger.New(ledger.Config{
			EnergyCapacity:  cfg.EnergyCapacity,
			ComputeCapacity: cfg.ComputeCapacity,
			PriceFloor:      cfg.PriceFloor,
			PriceCeiling:    cfg.PriceCeiling,
		}),
		Checkpoints: ckpt,
		Control:     control.NewPoller(cfg.ControlPath, 0, log),
		Simulator:   sim.NewPlanet(sim.DefaultPlanetConfig()),
		Logger:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("build orchestrator")
	}
	restored, err := orch.Restore()
	if err != nil {
		log.WithError(err).Fatal("restore checkpoint")
	}
	if restored {
		log.WithField("path", cfg.CheckpointPath).Info("resumed from checkpoint")
	}

	var archive api.Archive
	var audit api.AuditTrail
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.WithError(err).Fatal("migrations")
		}
		sink := store.NewSink(st, orch.Job, 4096, log)
		orch.Bus().AddListener(sink.Listener())
		go func() { _ = sink.Run(ctx) }()
		archive = st
		audit = st
	}

	deps := api.Deps{Archive: archive, Audit: audit, Logger: log}
	if cfg.RedisAddr != "" {
		client := queue.NewRedisClient(cfg)
		defer client.Close()
		feed := queue.NewFeed(client, cfg.FeedVisibilityTimeout, log)
		go func() {
			if err := feed.Run(ctx, orch.Bus(), 0); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("feed stopped")
			}
		}()
		deps.Feed = feed
		deps.Limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	if err := orch.Start(); err != nil {
		log.WithError(err).Fatal("start orchestrator")
	}
	if mission != nil {
		if cfg.DemoAgents {
			startDemoAgents(ctx, orch, *mission, log)
		}
		if !restored {
			seedMission(ctx, orch, *mission, log)
		}
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(cfg, orch, deps).Router(),
	}
	go func() {
		log.WithField("port", cfg.HTTPPort).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	select {
	case <-ctx.Done():
	case <-orch.StopRequested():
		log.Info("stop requested through control channel")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	cancel()
	log.Info("orchestrator stopped")
}

func orchestratorConfig(cfg config.Config, mission *config.Mission) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Governance = cfg.Governance()
	oc.Validators = cfg.Validators
	if len(oc.Validators) == 0 && mission != nil {
		oc.Validators = mission.ValidatorNames()
	}
	oc.ClaimWindow = cfg.ClaimWindow
	oc.CheckpointInterval = cfg.CheckpointInterval
	oc.WatchdogInterval = cfg.WatchdogInterval
	oc.PricingInterval = cfg.PricingInterval
	oc.SimHoursPerTick = cfg.SimHoursPerTick
	oc.HealthInterval = cfg.HealthInterval
	oc.AgentStaleAfter = cfg.AgentStaleAfter
	oc.StatusInterval = cfg.StatusInterval
	oc.StatusPath = cfg.StatusPath
	oc.ControlPollInterval = cfg.ControlPollInterval
	oc.PruneInterval = cfg.PruneInterval
	oc.MaxBackgroundTasks = cfg.MaxBackgroundTasks
	return oc
}

func mirrors(ctx context.Context, cfg config.Config, log logrus.FieldLogger) []checkpoint.Mirror {
	var out []checkpoint.Mirror
	if cfg.CheckpointS3Bucket != "" {
		m, err := checkpoint.NewS3Mirror(ctx, checkpoint.S3Config{
			Bucket:    cfg.CheckpointS3Bucket,
			Region:    cfg.CheckpointS3Region,
			Endpoint:  cfg.CheckpointS3Endpoint,
			PathStyle: cfg.CheckpointS3PathStyle,
		})
		if err != nil {
			log.WithError(err).Warn("s3 checkpoint mirror disabled")
		} else {
			out = append(out, m)
		}
	}
	if cfg.CheckpointMirrorDir != "" {
		out = append(out, checkpoint.DirMirror{BaseDir: cfg.CheckpointMirrorDir})
	}
	return out
}
