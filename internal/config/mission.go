package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"job-orchestrator/internal/models"
)

// Mission seeds a demo run: funded accounts, simulated agents and an initial job batch.
type Mission struct {
	Accounts   map[string]float64 `yaml:"accounts"`
	Workers    []WorkerAgent      `yaml:"workers"`
	Validators []ValidatorAgent   `yaml:"validators"`
	Jobs       []MissionJob       `yaml:"jobs"`
}

// WorkerAgent describes a simulated worker.
type WorkerAgent struct {
	Name   string   `yaml:"name"`
	Skills []string `yaml:"skills"`
	// FailRate is the share of jobs the worker submits as empty output.
	FailRate float64 `yaml:"fail_rate"`
}

// ValidatorAgent describes a simulated validator. Approve defaults to true.
type ValidatorAgent struct {
	Name    string `yaml:"name"`
	Approve *bool  `yaml:"approve"`
}

// MissionJob is a job spec whose deadline is relative to mission start.
type MissionJob struct {
	Title         string            `yaml:"title"`
	Description   string            `yaml:"description"`
	Employer      string            `yaml:"employer"`
	Skills        []string          `yaml:"skills"`
	Reward        float64           `yaml:"reward"`
	StakeRequired float64           `yaml:"stake_required"`
	EnergyBudget  float64           `yaml:"energy_budget"`
	ComputeBudget float64           `yaml:"compute_budget"`
	DeadlineIn    time.Duration     `yaml:"deadline_in"`
	CommitWindow  time.Duration     `yaml:"commit_window"`
	RevealWindow  time.Duration     `yaml:"reveal_window"`
	Metadata      map[string]string `yaml:"metadata"`
}

// ParseMission decodes and validates a mission document.
func ParseMission(data []byte) (Mission, error) {
	var m Mission
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mission{}, fmt.Errorf("parse mission: %w", err)
	}
	for i, j := range m.Jobs {
		if j.Title == "" {
			return Mission{}, fmt.Errorf("mission job %d: title is required", i)
		}
		if j.Employer == "" {
			return Mission{}, fmt.Errorf("mission job %q: employer is required", j.Title)
		}
		if j.DeadlineIn <= 0 {
			return Mission{}, fmt.Errorf("mission job %q: deadline_in must be positive", j.Title)
		}
	}
	for _, w := range m.Workers {
		if w.Name == "" {
			return Mission{}, fmt.Errorf("mission worker: name is required")
		}
	}
	for _, v := range m.Validators {
		if v.Name == "" {
			return Mission{}, fmt.Errorf("mission validator: name is required")
		}
	}
	return m, nil
}

// LoadMission reads a mission file.
func LoadMission(path string) (Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mission{}, fmt.Errorf("read mission %s: %w", path, err)
	}
	return ParseMission(data)
}

// Spec turns a mission job into a posting relative to now.
func (j MissionJob) Spec(now time.Time) models.JobSpec {
	meta := make(map[string]string, len(j.Metadata)+1)
	for k, v := range j.Metadata {
		meta[k] = v
	}
	meta[models.MetadataEmployer] = j.Employer
	return models.JobSpec{
		Title:         j.Title,
		Description:   j.Description,
		Skills:        append([]string(nil), j.Skills...),
		Reward:        j.Reward,
		StakeRequired: j.StakeRequired,
		EnergyBudget:  j.EnergyBudget,
		ComputeBudget: j.ComputeBudget,
		Deadline:      now.Add(j.DeadlineIn),
		CommitWindow:  j.CommitWindow,
		RevealWindow:  j.RevealWindow,
		Metadata:      meta,
	}
}

// ValidatorNames lists the validator agents in file order.
func (m Mission) ValidatorNames() []string {
	out := make([]string, 0, len(m.Validators))
	for _, v := range m.Validators {
		out = append(out, v.Name)
	}
	return out
}

// Approves reports the validator's fixed verdict.
func (v ValidatorAgent) Approves() bool {
	return v.Approve == nil || *v.Approve
}
