package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"job-orchestrator/internal/models"
)

// Config holds runtime configuration for the orchestrator and agent binaries.
type Config struct {
	Env         string
	LogLevel    string
	LogFormat   string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	CheckpointPath        string
	CheckpointInterval    time.Duration
	CheckpointS3Bucket    string
	CheckpointS3Region    string
	CheckpointS3Endpoint  string
	CheckpointS3PathStyle bool
	CheckpointMirrorDir   string

	ControlPath         string
	ControlPollInterval time.Duration
	StatusPath          string
	StatusInterval      time.Duration
	WatchdogInterval    time.Duration
	PricingInterval     time.Duration
	SimHoursPerTick     float64
	HealthInterval      time.Duration
	AgentStaleAfter     time.Duration
	PruneInterval       time.Duration
	ClaimWindow         time.Duration
	Validators          []string
	MaxBackgroundTasks  int

	WorkerStakeRatio     float64
	ValidatorStake       float64
	CommitWindow         time.Duration
	RevealWindow         time.Duration
	ApprovalsRequired    int
	SlashRatio           float64
	ValidatorRewardRatio float64
	PauseEnabled         bool

	EnergyCapacity  float64
	ComputeCapacity float64
	PriceFloor      float64
	PriceCeiling    float64

	FeedVisibilityTimeout time.Duration
	RateLimitCapacity     int
	RateLimitRefill       float64
	OperatorToken         string
	MissionFile           string
	DemoAgents            bool

	// Agent binary.
	OrchestratorURL   string
	AgentName         string
	AgentSkills       []string
	AgentPollInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	gov := models.DefaultGovernance()
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		CheckpointPath:        getEnv("CHECKPOINT_PATH", "data/checkpoint.json"),
		CheckpointInterval:    getEnvDuration("CHECKPOINT_INTERVAL", 30*time.Second),
		CheckpointS3Bucket:    getEnv("CHECKPOINT_S3_BUCKET", ""),
		CheckpointS3Region:    getEnv("CHECKPOINT_S3_REGION", "us-east-1"),
		CheckpointS3Endpoint:  getEnv("CHECKPOINT_S3_ENDPOINT", ""),
		CheckpointS3PathStyle: getEnvBool("CHECKPOINT_S3_PATH_STYLE", false),
		CheckpointMirrorDir:   getEnv("CHECKPOINT_MIRROR_DIR", ""),

		ControlPath:         getEnv("CONTROL_PATH", "data/control.jsonl"),
		ControlPollInterval: getEnvDuration("CONTROL_POLL_INTERVAL", 2*time.Second),
		StatusPath:          getEnv("STATUS_PATH", "data/status.jsonl"),
		StatusInterval:      getEnvDuration("STATUS_INTERVAL", 30*time.Second),
		WatchdogInterval:    getEnvDuration("WATCHDOG_INTERVAL", 5*time.Second),
		PricingInterval:     getEnvDuration("PRICING_INTERVAL", 10*time.Second),
		SimHoursPerTick:     getEnvFloat("SIM_HOURS_PER_TICK", 1),
		HealthInterval:      getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		AgentStaleAfter:     getEnvDuration("AGENT_STALE_AFTER", time.Minute),
		PruneInterval:       getEnvDuration("PRUNE_INTERVAL", time.Minute),
		ClaimWindow:         getEnvDuration("CLAIM_WINDOW", 0),
		Validators:          getEnvList("VALIDATORS", nil),
		MaxBackgroundTasks:  getEnvInt("MAX_BACKGROUND_TASKS", 16),

		WorkerStakeRatio:     getEnvFloat("WORKER_STAKE_RATIO", gov.WorkerStakeRatio),
		ValidatorStake:       getEnvFloat("VALIDATOR_STAKE", gov.ValidatorStake),
		CommitWindow:         getEnvDuration("COMMIT_WINDOW", gov.CommitWindow),
		RevealWindow:         getEnvDuration("REVEAL_WINDOW", gov.RevealWindow),
		ApprovalsRequired:    getEnvInt("APPROVALS_REQUIRED", gov.ApprovalsRequired),
		SlashRatio:           getEnvFloat("SLASH_RATIO", gov.SlashRatio),
		ValidatorRewardRatio: getEnvFloat("VALIDATOR_REWARD_RATIO", gov.ValidatorRewardRatio),
		PauseEnabled:         getEnvBool("PAUSE_ENABLED", gov.PauseEnabled),

		EnergyCapacity:  getEnvFloat("ENERGY_CAPACITY", 1000),
		ComputeCapacity: getEnvFloat("COMPUTE_CAPACITY", 1000),
		PriceFloor:      getEnvFloat("PRICE_FLOOR", 1),
		PriceCeiling:    getEnvFloat("PRICE_CEILING", 10),

		FeedVisibilityTimeout: getEnvDuration("FEED_VISIBILITY_TIMEOUT", 30*time.Second),
		RateLimitCapacity:     getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:       getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
		OperatorToken:         getEnv("OPERATOR_TOKEN", ""),
		MissionFile:           getEnv("MISSION_FILE", ""),
		DemoAgents:            getEnvBool("DEMO_AGENTS", false),

		OrchestratorURL:   getEnv("ORCHESTRATOR_URL", "http://localhost:8080"),
		AgentName:         getEnv("AGENT_NAME", ""),
		AgentSkills:       getEnvList("AGENT_SKILLS", []string{models.DefaultSkill}),
		AgentPollInterval: getEnvDuration("AGENT_POLL_INTERVAL", time.Second),
		BackoffInitial:    getEnvDuration("BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffMax:        getEnvDuration("BACKOFF_MAX", 30*time.Second),
	}
}

// Governance returns the governance parameters described by the environment.
func (c Config) Governance() models.GovernanceParameters {
	return models.GovernanceParameters{
		WorkerStakeRatio:     c.WorkerStakeRatio,
		ValidatorStake:       c.ValidatorStake,
		CommitWindow:         c.CommitWindow,
		RevealWindow:         c.RevealWindow,
		ApprovalsRequired:    c.ApprovalsRequired,
		SlashRatio:           c.SlashRatio,
		ValidatorRewardRatio: c.ValidatorRewardRatio,
		PauseEnabled:         c.PauseEnabled,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
