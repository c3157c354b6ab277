package models

import "errors"

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientStake      = errors.New("insufficient stake")
	ErrCapacityExceeded       = errors.New("resource capacity exceeded")
	ErrJobAlreadyAssigned     = errors.New("job already assigned")
	ErrUnknownJob             = errors.New("unknown job")
	ErrValidationQuorumNotMet = errors.New("validation quorum not met")
	ErrUnknownEventType       = errors.New("unknown scheduled event type")

	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrNotAssignee       = errors.New("agent is not assigned to job")
	ErrNotValidator      = errors.New("validator is not staked on job")
	ErrRevealTooEarly    = errors.New("reveal received during commit phase")
	ErrJobFinalized      = errors.New("job already finalized")
	ErrJobActive         = errors.New("job is not terminal")
	ErrInvalidParameters = errors.New("invalid governance parameters")
)
