package models

import (
	"fmt"
	"time"
)

// GovernanceParameters tune staking, validation and slashing.
type GovernanceParameters struct {
	WorkerStakeRatio     float64       `json:"worker_stake_ratio" yaml:"worker_stake_ratio"`
	ValidatorStake       float64       `json:"validator_stake" yaml:"validator_stake"`
	CommitWindow         time.Duration `json:"validator_commit_window" yaml:"validator_commit_window"`
	RevealWindow         time.Duration `json:"validator_reveal_window" yaml:"validator_reveal_window"`
	ApprovalsRequired    int           `json:"approvals_required" yaml:"approvals_required"`
	SlashRatio           float64       `json:"slash_ratio" yaml:"slash_ratio"`
	ValidatorRewardRatio float64       `json:"validator_reward_ratio" yaml:"validator_reward_ratio"`
	PauseEnabled         bool          `json:"pause_enabled" yaml:"pause_enabled"`
}

// DefaultGovernance returns the parameters used when nothing is configured.
func DefaultGovernance() GovernanceParameters {
	return GovernanceParameters{
		WorkerStakeRatio:     0.1,
		ValidatorStake:       5,
		CommitWindow:         30 * time.Second,
		RevealWindow:         30 * time.Second,
		ApprovalsRequired:    0,
		SlashRatio:           0.5,
		ValidatorRewardRatio: 0.1,
		PauseEnabled:         true,
	}
}

// Validate rejects out-of-range values.
func (g GovernanceParameters) Validate() error {
	switch {
	case g.WorkerStakeRatio < 0:
		return fmt.Errorf("%w: worker_stake_ratio must be >= 0", ErrInvalidParameters)
	case g.ValidatorStake < 0:
		return fmt.Errorf("%w: validator_stake must be >= 0", ErrInvalidParameters)
	case g.CommitWindow < 0 || g.RevealWindow < 0:
		return fmt.Errorf("%w: validator windows must be >= 0", ErrInvalidParameters)
	case g.ApprovalsRequired < 0:
		return fmt.Errorf("%w: approvals_required must be >= 0", ErrInvalidParameters)
	case g.SlashRatio < 0 || g.SlashRatio > 1:
		return fmt.Errorf("%w: slash_ratio must be within [0,1]", ErrInvalidParameters)
	case g.ValidatorRewardRatio < 0:
		return fmt.Errorf("%w: validator_reward_ratio must be >= 0", ErrInvalidParameters)
	}
	return nil
}

// Quorum returns the approvals needed for a validator set of the given size.
// Zero ApprovalsRequired means a simple majority.
func (g GovernanceParameters) Quorum(validators int) int {
	if g.ApprovalsRequired > 0 {
		return g.ApprovalsRequired
	}
	return validators/2 + 1
}

// GovernanceUpdate carries a partial update; nil fields keep their value.
type GovernanceUpdate struct {
	WorkerStakeRatio     *float64  `json:"worker_stake_ratio,omitempty"`
	ValidatorStake       *float64  `json:"validator_stake,omitempty"`
	CommitWindow         *Duration `json:"validator_commit_window,omitempty"`
	RevealWindow         *Duration `json:"validator_reveal_window,omitempty"`
	ApprovalsRequired    *int      `json:"approvals_required,omitempty"`
	SlashRatio           *float64  `json:"slash_ratio,omitempty"`
	ValidatorRewardRatio *float64  `json:"validator_reward_ratio,omitempty"`
	PauseEnabled         *bool     `json:"pause_enabled,omitempty"`
}

// Apply returns g with the non-nil fields of u applied.
func (g GovernanceParameters) Apply(u GovernanceUpdate) GovernanceParameters {
	if u.WorkerStakeRatio != nil {
		g.WorkerStakeRatio = *u.WorkerStakeRatio
	}
	if u.ValidatorStake != nil {
		g.ValidatorStake = *u.ValidatorStake
	}
	if u.CommitWindow != nil {
		g.CommitWindow = time.Duration(*u.CommitWindow)
	}
	if u.RevealWindow != nil {
		g.RevealWindow = time.Duration(*u.RevealWindow)
	}
	if u.ApprovalsRequired != nil {
		g.ApprovalsRequired = *u.ApprovalsRequired
	}
	if u.SlashRatio != nil {
		g.SlashRatio = *u.SlashRatio
	}
	if u.ValidatorRewardRatio != nil {
		g.ValidatorRewardRatio = *u.ValidatorRewardRatio
	}
	if u.PauseEnabled != nil {
		g.PauseEnabled = *u.PauseEnabled
	}
	return g
}

// PoolUpdate carries a partial resource pool update.
type PoolUpdate struct {
	EnergyCapacity  *float64 `json:"energy_capacity,omitempty"`
	ComputeCapacity *float64 `json:"compute_capacity,omitempty"`
	PriceFloor      *float64 `json:"price_floor,omitempty"`
	PriceCeiling    *float64 `json:"price_ceiling,omitempty"`
}
