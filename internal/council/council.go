// Package council coordinates commit-reveal voting rounds for validators.
package council

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/models"
)

// Round is the voting state for one job.
type Round struct {
	JobID      string
	Validators []string
	Salts      map[string]string
	Commits    map[string]string
	Late       map[string]string
	Reveals    map[string]bool
	OpenedAt   time.Time
}

// Eligible returns the validators whose commit arrived within the window, sorted.
func (r *Round) Eligible() []string {
	out := make([]string, 0, len(r.Commits))
	for v := range r.Commits {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Tally counts approvals among eligible reveals.
type Tally struct {
	Eligible  int
	Revealed  int
	Approvals int
	Approvers []string
}

// Council stages commits, collects reveals and computes quorum.
type Council struct {
	mu     sync.Mutex
	rounds map[string]*Round
	bus    *bus.Bus
}

// New returns a council publishing requests on b.
func New(b *bus.Bus) *Council {
	return &Council{rounds: make(map[string]*Round), bus: b}
}

// Digest is the illustrative commitment a validator sends for a verdict.
func Digest(jobID, validator string, verdict bool, salt string) string {
	sum := sha256.Sum256([]byte(jobID + "|" + validator + "|" + strconv.FormatBool(verdict) + "|" + salt))
	return hex.EncodeToString(sum[:])
}

// StageCommits opens a round with a fresh salt per validator and publishes the commit request.
// Staging an already open round returns the existing one unchanged.
func (c *Council) StageCommits(jobID string, validators []string, output string, deadline time.Time) models.CommitRequest {
	c.mu.Lock()
	r, ok := c.rounds[jobID]
	if !ok {
		r = &Round{
			JobID:      jobID,
			Validators: append([]string(nil), validators...),
			Salts:      make(map[string]string, len(validators)),
			Commits:    make(map[string]string),
			Late:       make(map[string]string),
			Reveals:    make(map[string]bool),
			OpenedAt:   time.Now().UTC(),
		}
		for _, v := range validators {
			r.Salts[v] = newSalt()
		}
		c.rounds[jobID] = r
	}
	req := models.CommitRequest{
		Version:    models.MessageVersion,
		JobID:      jobID,
		Validators: append([]string(nil), r.Validators...),
		Salts:      copySalts(r.Salts),
		Output:     output,
		Deadline:   deadline,
	}
	c.mu.Unlock()

	if !ok && c.bus != nil {
		c.bus.Publish(models.TopicCommitRequest, req, models.OrchestratorAddress)
	}
	return req
}

// RecordCommit stores a commitment. Late commits are kept apart and never count toward quorum.
// It reports whether the commit was new.
func (c *Council) RecordCommit(jobID, validator, digest string, late bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.round(jobID, validator)
	if err != nil {
		return false, err
	}
	if _, dup := r.Commits[validator]; dup {
		return false, nil
	}
	if _, dup := r.Late[validator]; dup {
		return false, nil
	}
	if late {
		r.Late[validator] = digest
		return true, nil
	}
	r.Commits[validator] = digest
	return true, nil
}

// OpenReveal publishes the reveal request for the validators that committed in time.
func (c *Council) OpenReveal(jobID string, deadline time.Time) models.RevealRequest {
	c.mu.Lock()
	var eligible []string
	if r, ok := c.rounds[jobID]; ok {
		eligible = r.Eligible()
	}
	c.mu.Unlock()

	req := models.RevealRequest{
		Version:    models.MessageVersion,
		JobID:      jobID,
		Validators: eligible,
		Deadline:   deadline,
	}
	if c.bus != nil {
		c.bus.Publish(models.TopicRevealRequest, req, models.OrchestratorAddress)
	}
	return req
}

// RecordReveal stores a verdict, ignoring duplicates from the same validator. It reports
// whether the reveal was new and whether it counts toward quorum.
func (c *Council) RecordReveal(jobID, validator string, verdict bool) (recorded, counted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.round(jobID, validator)
	if err != nil {
		return false, false, err
	}
	if _, dup := r.Reveals[validator]; dup {
		return false, false, nil
	}
	r.Reveals[validator] = verdict
	_, counted = r.Commits[validator]
	return true, counted, nil
}

// Tally counts reveals from eligible validators.
func (c *Council) Tally(jobID string) Tally {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rounds[jobID]
	if !ok {
		return Tally{}
	}
	t := Tally{Eligible: len(r.Commits)}
	for _, v := range r.Eligible() {
		verdict, revealed := r.Reveals[v]
		if !revealed {
			continue
		}
		t.Revealed++
		if verdict {
			t.Approvals++
			t.Approvers = append(t.Approvers, v)
		}
	}
	return t
}

// Round returns a copy of a job's round.
func (c *Council) Round(jobID string) (Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rounds[jobID]
	if !ok {
		return Round{}, false
	}
	cp := *r
	cp.Validators = append([]string(nil), r.Validators...)
	cp.Salts = copySalts(r.Salts)
	cp.Commits = copySalts(r.Commits)
	cp.Late = copySalts(r.Late)
	cp.Reveals = make(map[string]bool, len(r.Reveals))
	for k, v := range r.Reveals {
		cp.Reveals[k] = v
	}
	return cp, true
}

// Restore rebuilds a round from persisted job state.
func (c *Council) Restore(job models.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	validators := make([]string, 0, len(job.ValidatorStakes))
	for v := range job.ValidatorStakes {
		validators = append(validators, v)
	}
	sort.Strings(validators)
	r := &Round{
		JobID:      job.ID,
		Validators: validators,
		Salts:      make(map[string]string, len(validators)),
		Commits:    copySalts(job.ValidatorCommits),
		Late:       make(map[string]string),
		Reveals:    make(map[string]bool, len(job.ValidatorVotes)),
		OpenedAt:   time.Now().UTC(),
	}
	if r.Commits == nil {
		r.Commits = make(map[string]string)
	}
	for _, v := range validators {
		r.Salts[v] = newSalt()
	}
	for v, verdict := range job.ValidatorVotes {
		r.Reveals[v] = verdict
	}
	c.rounds[job.ID] = r
}

// Forget drops the round for one job.
func (c *Council) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rounds, jobID)
}

// Prune drops rounds for jobs not in active and returns how many were removed.
func (c *Council) Prune(active map[string]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.rounds {
		if !active[id] {
			delete(c.rounds, id)
			n++
		}
	}
	return n
}

// Len returns the number of open rounds.
func (c *Council) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}

func (c *Council) round(jobID, validator string) (*Round, error) {
	r, ok := c.rounds[jobID]
	if !ok {
		return nil, models.ErrUnknownJob
	}
	for _, v := range r.Validators {
		if v == validator {
			return r, nil
		}
	}
	return nil, models.ErrNotValidator
}

func newSalt() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func copySalts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
