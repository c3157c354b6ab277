// Package scheduler fires named, cancellable events at or after a wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/models"
)

// Handler processes one fired event. Returning a context error during shutdown keeps the
// event pending so it is checkpointed and fires again after a restart.
type Handler func(ctx context.Context, ev models.ScheduledEvent) error

type entry struct {
	event  models.ScheduledEvent
	timer  *time.Timer
	firing bool
}

// Scheduler owns every pending event.
type Scheduler struct {
	mu       sync.Mutex
	events   map[string]*entry
	handlers map[models.EventType]Handler
	log      logrus.FieldLogger
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopped  bool
	fired    uint64
	dropped  uint64
}

// New constructs a scheduler. Handlers must be registered before events are rehydrated.
func New(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		events:   make(map[string]*entry),
		handlers: make(map[models.EventType]Handler),
		log:      log.WithField("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds the dispatcher for an event type.
func (s *Scheduler) Register(t models.EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Schedule arms an event. An empty id gets a fresh one; an existing id is replaced.
func (s *Scheduler) Schedule(t models.EventType, executeAt time.Time, payload map[string]string, id string) models.ScheduledEvent {
	if id == "" {
		id = uuid.NewString()
	}
	ev := models.ScheduledEvent{
		ID:        id,
		Type:      t,
		ExecuteAt: executeAt.UTC(),
		Payload:   payload,
	}.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.events[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{event: ev}
	s.events[id] = e
	if !s.stopped {
		s.arm(e)
	}
	return ev.Clone()
}

func (s *Scheduler) arm(e *entry) {
	delay := time.Until(e.event.ExecuteAt)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
}

func (s *Scheduler) fire(e *entry) {
	id := e.event.ID
	s.mu.Lock()
	if cur, ok := s.events[id]; !ok || cur != e || s.stopped || e.firing {
		s.mu.Unlock()
		return
	}
	handler, ok := s.handlers[e.event.Type]
	if !ok {
		delete(s.events, id)
		s.dropped++
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"event_id":   id,
			"event_type": e.event.Type,
		}).WithError(models.ErrUnknownEventType).Warn("dropping scheduled event")
		return
	}
	e.firing = true
	s.inflight.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	defer s.inflight.Done()
	err := s.dispatch(ctx, handler, e.event.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()
	e.firing = false
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// interrupted by shutdown; stays pending for the final checkpoint
		return
	}
	if cur, ok := s.events[id]; ok && cur == e {
		delete(s.events, id)
	}
	s.fired++
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"event_id":   id,
			"event_type": e.event.Type,
		}).WithError(err).Error("scheduled event handler failed")
	}
}

func (s *Scheduler) dispatch(ctx context.Context, h Handler, ev models.ScheduledEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("event_id", ev.ID).Errorf("panic in event handler: %v", r)
			err = nil
		}
	}()
	return h(ctx, ev)
}

// Cancel removes a pending event. It returns false if the event already fired, is firing,
// or never existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false
	}
	delete(s.events, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return !e.firing
}

// CancelForJob cancels every pending event whose payload names jobID, except skip.
func (s *Scheduler) CancelForJob(jobID string, skip ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.events {
		if e.event.JobID() != jobID || contains(skip, id) {
			continue
		}
		delete(s.events, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		if !e.firing {
			n++
		}
	}
	return n
}

// PendingEvents lists pending events ordered by ExecuteAt.
func (s *Scheduler) PendingEvents() []models.ScheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.event.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExecuteAt.Before(out[j].ExecuteAt)
	})
	return out
}

// PeekNext returns the earliest pending event, or nil.
func (s *Scheduler) PeekNext() *models.ScheduledEvent {
	pending := s.PendingEvents()
	if len(pending) == 0 {
		return nil
	}
	next := pending[0]
	return &next
}

// CountByType returns pending event counts per type.
func (s *Scheduler) CountByType() map[models.EventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.EventType]int)
	for _, e := range s.events {
		out[e.event.Type]++
	}
	return out
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Stats returns how many events fired and how many were dropped for lack of a handler.
func (s *Scheduler) Stats() (fired, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired, s.dropped
}

// Snapshot copies every pending event keyed by id, including events stopped by Shutdown.
func (s *Scheduler) Snapshot() map[string]models.ScheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ScheduledEvent, len(s.events))
	for id, e := range s.events {
		out[id] = e.event.Clone()
	}
	return out
}

// Rehydrate re-arms events from a checkpoint with their original ExecuteAt. Events whose
// time has passed fire immediately.
func (s *Scheduler) Rehydrate(events map[string]models.ScheduledEvent) int {
	ids := make([]string, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return events[ids[i]].ExecuteAt.Before(events[ids[j]].ExecuteAt)
	})
	for _, id := range ids {
		ev := events[id]
		if ev.ID == "" {
			ev.ID = id
		}
		s.Schedule(ev.Type, ev.ExecuteAt, ev.Payload, ev.ID)
	}
	return len(ids)
}

// Shutdown stops every timer and waits for in-flight handlers. Pending events are kept
// so a final checkpoint can still serialise them.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.events {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
