// Package sim models the energy and compute a mission's host world produces over time.
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Action kinds understood by Planet.
const (
	ActionInvestCompute = "invest_compute"
	ActionDrawEnergy    = "draw_energy"
)

var ErrUnknownAction = errors.New("unknown simulation action")

// State is what a tick reports back. EnergyOutput and ComputeOutput cover the last tick only.
type State struct {
	Hour           float64 `json:"hour"`
	EnergyOutput   float64 `json:"energy_output"`
	ComputeOutput  float64 `json:"compute_output"`
	Infrastructure float64 `json:"infrastructure"`
	Stability      float64 `json:"stability"`
}

// Action changes the world between ticks.
type Action struct {
	Kind   string  `json:"kind"`
	Amount float64 `json:"amount"`
}

// Simulator is the capability the pricing loop depends on.
type Simulator interface {
	Tick(hours float64) State
	ApplyAction(a Action) (State, error)
}

// PlanetConfig sets the deterministic curve parameters.
type PlanetConfig struct {
	PeakEnergy      float64 // per hour at solar noon
	BaseEnergy      float64 // per hour at night
	ComputePerUnit  float64 // per hour per unit of infrastructure
	Infrastructure  float64
	StartHour       float64
	RecoveryPerHour float64
}

// DefaultPlanetConfig is used when a zero config is passed to NewPlanet.
func DefaultPlanetConfig() PlanetConfig {
	return PlanetConfig{
		PeakEnergy:      100,
		BaseEnergy:      10,
		ComputePerUnit:  5,
		Infrastructure:  10,
		StartHour:       6,
		RecoveryPerHour: 0.02,
	}
}

// Planet is a deterministic Simulator: the same sequence of calls always yields the same states.
type Planet struct {
	mu    sync.Mutex
	cfg   PlanetConfig
	state State
}

func NewPlanet(cfg PlanetConfig) *Planet {
	if cfg == (PlanetConfig{}) {
		cfg = DefaultPlanetConfig()
	}
	return &Planet{
		cfg: cfg,
		state: State{
			Hour:           math.Mod(cfg.StartHour, 24),
			Infrastructure: cfg.Infrastructure,
			Stability:      1,
		},
	}
}

// daylight is a piecewise-linear curve over the 24h day: dark until 06:00, rising to full at
// 12:00, falling to dark at 18:00.
func daylight(hour float64) float64 {
	h := math.Mod(hour, 24)
	if h < 0 {
		h += 24
	}
	switch {
	case h < 6 || h >= 18:
		return 0
	case h < 12:
		return (h - 6) / 6
	default:
		return (18 - h) / 6
	}
}

// Tick advances the clock, integrating output in steps of at most one hour.
func (p *Planet) Tick(hours float64) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hours <= 0 {
		s := p.state
		s.EnergyOutput, s.ComputeOutput = 0, 0
		return s
	}

	energy := 0.0
	remaining := hours
	hour := p.state.Hour
	for remaining > 0 {
		step := math.Min(1, remaining)
		mid := hour + step/2
		energy += (p.cfg.BaseEnergy + p.cfg.PeakEnergy*daylight(mid)) * step
		hour = math.Mod(hour+step, 24)
		remaining -= step
	}
	energy *= p.state.Stability

	p.state.Hour = hour
	p.state.EnergyOutput = energy
	p.state.ComputeOutput = p.state.Infrastructure * p.cfg.ComputePerUnit * hours * p.state.Stability
	p.state.Stability = math.Min(1, p.state.Stability+p.cfg.RecoveryPerHour*hours)
	return p.state
}

// ApplyAction mutates the world. Drawing more energy than the current hourly output
// lowers stability in proportion to the overdraw.
func (p *Planet) ApplyAction(a Action) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.Amount < 0 {
		return p.state, fmt.Errorf("%s: amount must be non-negative", a.Kind)
	}
	switch a.Kind {
	case ActionInvestCompute:
		p.state.Infrastructure += a.Amount
	case ActionDrawEnergy:
		hourly := p.cfg.BaseEnergy + p.cfg.PeakEnergy*daylight(p.state.Hour)
		if over := a.Amount - hourly; over > 0 && p.cfg.PeakEnergy > 0 {
			p.state.Stability = math.Max(0.1, p.state.Stability-over/(p.cfg.PeakEnergy+p.cfg.BaseEnergy))
		}
	default:
		return p.state, fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
	return p.state, nil
}
