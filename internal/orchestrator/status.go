package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/supervisor"
)

// Status is one line of the status feed read by dashboards.
type Status struct {
	Time          time.Time                   `json:"time"`
	Paused        bool                        `json:"paused"`
	Jobs          map[models.JobStatus]int    `json:"jobs"`
	TotalJobs     int                         `json:"total_jobs"`
	Pool          ledger.Pool                 `json:"resources"`
	Tokens        ledger.Totals               `json:"tokens"`
	Governance    models.GovernanceParameters `json:"governance"`
	PendingEvents map[models.EventType]int    `json:"pending_events"`
	NextEvent     *models.ScheduledEvent      `json:"next_event,omitempty"`
	OpenRounds    int                         `json:"open_rounds"`
	Subscribers   int                         `json:"subscribers"`
	Tasks         []supervisor.TaskStatus     `json:"tasks"`
}

// Status builds a read-only summary.
func (o *Orchestrator) Status() Status {
	counts := o.jobs.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return Status{
		Time:          time.Now().UTC(),
		Paused:        o.gate.Paused(),
		Jobs:          counts,
		TotalJobs:     total,
		Pool:          o.ledger.Pool(),
		Tokens:        o.ledger.Totals(),
		Governance:    o.Governance(),
		PendingEvents: o.sched.CountByType(),
		NextEvent:     o.sched.PeekNext(),
		OpenRounds:    o.council.Len(),
		Subscribers:   o.bus.Subscribers(),
		Tasks:         o.sup.Status(),
	}
}

// WriteStatus appends the current status as one JSON line to path.
func (o *Orchestrator) WriteStatus(path string) error {
	data, err := json.Marshal(o.Status())
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append status: %w", err)
	}
	return nil
}
