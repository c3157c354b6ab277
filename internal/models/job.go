package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states tracked by the registry.
type JobStatus string

const (
	StatusPosted         JobStatus = "posted"
	StatusInProgress     JobStatus = "in_progress"
	StatusAwaitingCommit JobStatus = "awaiting_commit"
	StatusAwaitingReveal JobStatus = "awaiting_reveal"
	StatusCompleted      JobStatus = "completed"
	StatusFailed         JobStatus = "failed"
	StatusFinalized      JobStatus = "finalized"
	StatusCancelled      JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPosted,
	StatusInProgress,
	StatusAwaitingCommit,
	StatusAwaitingReveal,
	StatusCompleted,
	StatusFailed,
	StatusFinalized,
	StatusCancelled,
}

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == StatusFinalized || s == StatusCancelled
}

// Validating reports whether the job sits in either commit-reveal phase.
func (s JobStatus) Validating() bool {
	return s == StatusAwaitingCommit || s == StatusAwaitingReveal
}

// Outcome records how a job was settled.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Failure reasons attached to failed jobs.
const (
	ReasonDeadline  = "deadline_expired"
	ReasonQuorum    = "validation_quorum_not_met"
	ReasonCancelled = "cancelled_by_operator"
)

// MetadataEmployer is the metadata key naming the account that funds a job.
const MetadataEmployer = "employer"

// JobSpec is the immutable description supplied when a job is posted.
type JobSpec struct {
	Title         string            `json:"title" yaml:"title"`
	Description   string            `json:"description,omitempty" yaml:"description"`
	Skills        []string          `json:"skills" yaml:"skills"`
	Reward        float64           `json:"reward" yaml:"reward"`
	StakeRequired float64           `json:"stake_required,omitempty" yaml:"stake_required"`
	EnergyBudget  float64           `json:"energy_budget" yaml:"energy_budget"`
	ComputeBudget float64           `json:"compute_budget" yaml:"compute_budget"`
	Deadline      time.Time         `json:"deadline" yaml:"deadline"`
	CommitWindow  time.Duration     `json:"commit_window,omitempty" yaml:"commit_window"`
	RevealWindow  time.Duration     `json:"reveal_window,omitempty" yaml:"reveal_window"`
	ParentID      string            `json:"parent_id,omitempty" yaml:"parent_id"`
	Metadata      map[string]string `json:"metadata" yaml:"metadata"`
}

// Employer returns the funding account named in the metadata.
func (s JobSpec) Employer() string {
	return s.Metadata[MetadataEmployer]
}

// Validate checks the fields every posting must carry.
func (s JobSpec) Validate() error {
	if s.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSpec)
	}
	if s.Employer() == "" {
		return fmt.Errorf("%w: metadata.employer is required", ErrInvalidSpec)
	}
	if s.Reward < 0 || s.StakeRequired < 0 || s.EnergyBudget < 0 || s.ComputeBudget < 0 {
		return fmt.Errorf("%w: amounts must be non-negative", ErrInvalidSpec)
	}
	if s.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is required", ErrInvalidSpec)
	}
	if s.CommitWindow < 0 || s.RevealWindow < 0 {
		return fmt.Errorf("%w: windows must be non-negative", ErrInvalidSpec)
	}
	return nil
}

// Result is the payload an assigned agent submits.
type Result struct {
	Output      string            `json:"output"`
	EnergyUsed  float64           `json:"energy_used"`
	ComputeUsed float64           `json:"compute_used"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Job is the registry record for one unit of work.
type Job struct {
	ID               string             `json:"id"`
	Spec             JobSpec            `json:"spec"`
	Status           JobStatus          `json:"status"`
	Outcome          Outcome            `json:"outcome,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	AssignedAgent    string             `json:"assigned_agent,omitempty"`
	Result           *Result            `json:"result,omitempty"`
	EnergyUsed       float64            `json:"energy_used"`
	ComputeUsed      float64            `json:"compute_used"`
	EscrowLocked     float64            `json:"escrow_locked"`
	StakeLocked      float64            `json:"stake_locked"`
	StakeSlashed     float64            `json:"stake_slashed"`
	ValidatorStakes  map[string]float64 `json:"validator_stakes,omitempty"`
	ValidatorCommits map[string]string  `json:"validator_commits,omitempty"`
	ValidatorVotes   map[string]bool    `json:"validator_votes,omitempty"`
	Children         []string           `json:"children,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ClaimedAt        *time.Time         `json:"claimed_at,omitempty"`
	SettledAt        *time.Time         `json:"settled_at,omitempty"`
}

// Clone returns a deep copy so callers never alias registry state.
func (j Job) Clone() Job {
	out := j
	out.Spec.Skills = append([]string(nil), j.Spec.Skills...)
	out.Spec.Metadata = cloneStrings(j.Spec.Metadata)
	if j.Result != nil {
		r := *j.Result
		r.Extra = cloneStrings(j.Result.Extra)
		out.Result = &r
	}
	if j.ValidatorStakes != nil {
		out.ValidatorStakes = make(map[string]float64, len(j.ValidatorStakes))
		for k, v := range j.ValidatorStakes {
			out.ValidatorStakes[k] = v
		}
	}
	out.ValidatorCommits = cloneStrings(j.ValidatorCommits)
	if j.ValidatorVotes != nil {
		out.ValidatorVotes = make(map[string]bool, len(j.ValidatorVotes))
		for k, v := range j.ValidatorVotes {
			out.ValidatorVotes[k] = v
		}
	}
	out.Children = append([]string(nil), j.Children...)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		out.ClaimedAt = &t
	}
	if j.SettledAt != nil {
		t := *j.SettledAt
		out.SettledAt = &t
	}
	return out
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID     string    `json:"job_id"`
	Event     string    `json:"event"`
	Publisher string    `json:"publisher"`
	Detail    string    `json:"detail"`
	Recorded  time.Time `json:"recorded_at"`
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
