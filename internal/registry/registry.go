// Package registry is the authoritative store of job records and their parent/child graph.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"job-orchestrator/internal/models"
)

// Registry stores jobs. Callers always receive copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*models.Job)}
}

// Create inserts a new job. A set ParentID must reference an existing job.
func (r *Registry) Create(job models.Job) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.ID == "" {
		return models.Job{}, fmt.Errorf("%w: job id is required", models.ErrInvalidSpec)
	}
	if _, exists := r.jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("%w: duplicate job id %s", models.ErrInvalidSpec, job.ID)
	}
	var parent *models.Job
	if pid := job.Spec.ParentID; pid != "" {
		p, ok := r.jobs[pid]
		if !ok {
			return models.Job{}, fmt.Errorf("parent %s: %w", pid, models.ErrUnknownJob)
		}
		parent = p
	}
	if job.Status == "" {
		job.Status = models.StatusPosted
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	stored := job.Clone()
	r.jobs[job.ID] = &stored
	if parent != nil {
		parent.Children = appendUnique(parent.Children, job.ID)
		parent.UpdatedAt = now
	}
	return stored.Clone(), nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrUnknownJob)
	}
	return job.Clone(), nil
}

// Update applies fn to a working copy and stores it if fn succeeds. A status change
// made by fn must be a legal forward edge.
func (r *Registry) Update(id string, fn func(job *models.Job) error) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrUnknownJob)
	}
	work := cur.Clone()
	if err := fn(&work); err != nil {
		return cur.Clone(), err
	}
	if work.ID != cur.ID {
		return cur.Clone(), fmt.Errorf("%w: job id is immutable", models.ErrInvalidTransition)
	}
	if work.Status != cur.Status && !CanTransition(cur.Status, work.Status) {
		return cur.Clone(), fmt.Errorf("job %s %s -> %s: %w", id, cur.Status, work.Status, models.ErrInvalidTransition)
	}
	work.UpdatedAt = time.Now().UTC()
	*cur = work
	return work.Clone(), nil
}

// Transition moves a job to status to, failing unless the edge is legal.
func (r *Registry) Transition(id string, to models.JobStatus) (models.Job, error) {
	return r.Update(id, func(job *models.Job) error {
		job.Status = to
		return nil
	})
}

// Delete removes a terminal job from the registry and from its parent's children.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrUnknownJob)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrJobActive)
	}
	if parent, ok := r.jobs[job.Spec.ParentID]; ok {
		parent.Children = remove(parent.Children, id)
	}
	delete(r.jobs, id)
	return nil
}

// List returns jobs ordered by creation time. A nil filter returns all jobs.
func (r *Registry) List(filter func(models.Job) bool) []models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter != nil && !filter(*job) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WithStatus lists jobs in any of the given statuses.
func (r *Registry) WithStatus(statuses ...models.JobStatus) []models.Job {
	return r.List(func(j models.Job) bool {
		for _, s := range statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	})
}

// Counts returns the number of jobs per status, every status present.
func (r *Registry) Counts() map[models.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.JobStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		out[s] = 0
	}
	for _, job := range r.jobs {
		out[job.Status]++
	}
	return out
}

// Len returns the number of stored jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Snapshot copies every job keyed by id.
func (r *Registry) Snapshot() map[string]models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.Job, len(r.jobs))
	for id, job := range r.jobs {
		out[id] = job.Clone()
	}
	return out
}

// Restore replaces the registry contents. Parent links to missing jobs are cleared and the
// children lists are rebuilt from the parent references. It returns the ids whose parent
// was dropped.
func (r *Registry) Restore(jobs map[string]models.Job) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = make(map[string]*models.Job, len(jobs))
	for id, job := range jobs {
		cp := job.Clone()
		cp.ID = id
		cp.Children = nil
		r.jobs[id] = &cp
	}
	var orphans []string
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		job := r.jobs[id]
		pid := job.Spec.ParentID
		if pid == "" {
			continue
		}
		parent, ok := r.jobs[pid]
		if !ok {
			job.Spec.ParentID = ""
			orphans = append(orphans, id)
			continue
		}
		parent.Children = appendUnique(parent.Children, id)
	}
	// keep the original child order where it was recorded
	for id, job := range jobs {
		cur, ok := r.jobs[id]
		if !ok || len(job.Children) == 0 {
			continue
		}
		cur.Children = reorder(cur.Children, job.Children)
	}
	return orphans
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// reorder sorts have by the position of each id in want; ids missing from want go last.
func reorder(have, want []string) []string {
	pos := make(map[string]int, len(want))
	for i, id := range want {
		pos[id] = i
	}
	sort.SliceStable(have, func(i, j int) bool {
		pi, iok := pos[have[i]]
		pj, jok := pos[have[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
	return have
}
