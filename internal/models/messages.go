package models

import "time"

// MessageVersion is stamped on every bus message struct.
const MessageVersion = 1

// Bus topics. Postings go to TopicJobsPrefix+skill; lifecycle events use the singular "job:" prefix
// so that "jobs:*" subscribers only see postings.
const (
	TopicJobsPrefix     = "jobs:"
	TopicJobAssigned    = "job:assigned"
	TopicJobValidating  = "job:validating"
	TopicJobSettled     = "job:settled"
	TopicJobCancelled   = "job:cancelled"
	TopicClaims         = "agent:claim"
	TopicResults        = "agent:result"
	TopicHeartbeats     = "agent:heartbeat"
	TopicAgentPrefix    = "agent:"
	TopicCommits        = "validator:commit"
	TopicReveals        = "validator:reveal"
	TopicCommitRequest  = "validation:commit"
	TopicRevealRequest  = "validation:reveal"
	TopicPricing        = "resources:pricing"
	TopicAgentsStale    = "agents:stale"
	TopicGovernance     = "governance:updated"
	TopicOrchestrator   = "orchestrator:state"
	DefaultSkill        = "general"
	OrchestratorAddress = "orchestrator"
)

// SkillTopic returns the posting topic for a skill.
func SkillTopic(skill string) string {
	if skill == "" {
		skill = DefaultSkill
	}
	return TopicJobsPrefix + skill
}

// AgentTopic returns the private reply topic of an agent.
func AgentTopic(agent string) string {
	return TopicAgentPrefix + "inbox:" + agent
}

// JobPosted announces a new job on its skill topics.
type JobPosted struct {
	Version  int       `json:"version"`
	JobID    string    `json:"job_id"`
	Title    string    `json:"title"`
	Skills   []string  `json:"skills"`
	Reward   float64   `json:"reward"`
	Stake    float64   `json:"stake"`
	Deadline time.Time `json:"deadline"`
	ParentID string    `json:"parent_id,omitempty"`
}

// ClaimRequest is sent by an agent that wants a job.
type ClaimRequest struct {
	Version int    `json:"version"`
	JobID   string `json:"job_id"`
	Agent   string `json:"agent"`
}

// ClaimDecision answers a ClaimRequest on the agent's inbox.
type ClaimDecision struct {
	Version  int    `json:"version"`
	JobID    string `json:"job_id"`
	Agent    string `json:"agent"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ResultSubmission carries an assigned agent's output.
type ResultSubmission struct {
	Version int    `json:"version"`
	JobID   string `json:"job_id"`
	Agent   string `json:"agent"`
	Result  Result `json:"result"`
}

// Heartbeat marks an agent as alive.
type Heartbeat struct {
	Version int       `json:"version"`
	Agent   string    `json:"agent"`
	At      time.Time `json:"at"`
}

// CommitRequest opens the commit phase for a job.
type CommitRequest struct {
	Version    int               `json:"version"`
	JobID      string            `json:"job_id"`
	Validators []string          `json:"validators"`
	Salts      map[string]string `json:"salts"`
	Output     string            `json:"output"`
	Deadline   time.Time         `json:"deadline"`
}

// CommitSubmission is a validator's hidden verdict.
type CommitSubmission struct {
	Version   int    `json:"version"`
	JobID     string `json:"job_id"`
	Validator string `json:"validator"`
	Digest    string `json:"digest"`
}

// RevealRequest opens the reveal phase for the validators that committed in time.
type RevealRequest struct {
	Version    int       `json:"version"`
	JobID      string    `json:"job_id"`
	Validators []string  `json:"validators"`
	Deadline   time.Time `json:"deadline"`
}

// RevealSubmission discloses a validator's verdict.
type RevealSubmission struct {
	Version   int    `json:"version"`
	JobID     string `json:"job_id"`
	Validator string `json:"validator"`
	Verdict   bool   `json:"verdict"`
	Salt      string `json:"salt,omitempty"`
}

// JobEvent reports a lifecycle change on the job: topics.
type JobEvent struct {
	Version int       `json:"version"`
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Outcome Outcome   `json:"outcome,omitempty"`
	Agent   string    `json:"agent,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// PricingUpdate is published after every pricing-feedback tick.
type PricingUpdate struct {
	Version          int     `json:"version"`
	EnergyPrice      float64 `json:"energy_price"`
	ComputePrice     float64 `json:"compute_price"`
	EnergyAvailable  float64 `json:"energy_available"`
	ComputeAvailable float64 `json:"compute_available"`
}

// StaleAgents lists agents holding work that have gone quiet.
type StaleAgents struct {
	Version int      `json:"version"`
	Agents  []string `json:"agents"`
	JobIDs  []string `json:"job_ids"`
}
