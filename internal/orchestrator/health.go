package orchestrator

import (
	"sort"
	"sync"
	"time"

	"job-orchestrator/internal/models"
)

// healthBook tracks the last time each agent was heard from on the bus.
type healthBook struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newHealthBook() *healthBook {
	return &healthBook{lastSeen: make(map[string]time.Time)}
}

func (h *healthBook) touch(agent string, at time.Time) {
	if agent == "" {
		return
	}
	h.mu.Lock()
	if at.After(h.lastSeen[agent]) {
		h.lastSeen[agent] = at
	}
	h.mu.Unlock()
}

func (h *healthBook) seen(agent string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.lastSeen[agent]
	return t, ok
}

// ScanHealth reports agents holding in-progress work that have been silent longer than
// AgentStaleAfter. Agents never heard from are measured from their claim time.
func (o *Orchestrator) ScanHealth(now time.Time) models.StaleAgents {
	out := models.StaleAgents{Version: models.MessageVersion}
	if o.cfg.AgentStaleAfter <= 0 {
		return out
	}
	agents := make(map[string]bool)
	for _, job := range o.jobs.WithStatus(models.StatusInProgress) {
		last, ok := o.health.seen(job.AssignedAgent)
		if !ok && job.ClaimedAt != nil {
			last = *job.ClaimedAt
		}
		if now.Sub(last) <= o.cfg.AgentStaleAfter {
			continue
		}
		agents[job.AssignedAgent] = true
		out.JobIDs = append(out.JobIDs, job.ID)
	}
	for a := range agents {
		out.Agents = append(out.Agents, a)
	}
	sort.Strings(out.Agents)
	sort.Strings(out.JobIDs)
	if len(out.Agents) > 0 {
		o.log.WithField("agents", out.Agents).Warn("stale agents holding work")
		o.bus.Publish(models.TopicAgentsStale, out, models.OrchestratorAddress)
	}
	return out
}
