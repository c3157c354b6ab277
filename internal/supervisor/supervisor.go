// Package supervisor runs the orchestrator's background tasks under one registry that
// caps concurrency, records failures and recovers panics.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrTooManyTasks = errors.New("background task ceiling reached")
	ErrDuplicate    = errors.New("background task already registered")
	ErrStopped      = errors.New("supervisor stopped")
)

// TaskFunc is a long-running background task.
type TaskFunc func(ctx context.Context) error

// TaskStatus describes one registered task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// FailureHook observes every failed iteration.
type FailureHook func(task string, err error)

// Supervisor owns background tasks.
type Supervisor struct {
	mu      sync.Mutex
	max     int
	tasks   map[string]*TaskStatus
	log     logrus.FieldLogger
	gate    *Gate
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	onFail  FailureHook
}

// New creates a supervisor allowing at most max concurrent tasks (<=0 means 16).
func New(parent context.Context, max int, gate *Gate, log logrus.FieldLogger) *Supervisor {
	if max <= 0 {
		max = 16
	}
	if gate == nil {
		gate = NewGate()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		max:    max,
		tasks:  make(map[string]*TaskStatus),
		log:    log.WithField("component", "supervisor"),
		gate:   gate,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFailure installs a hook invoked for every failed iteration.
func (s *Supervisor) OnFailure(h FailureHook) {
	s.mu.Lock()
	s.onFail = h
	s.mu.Unlock()
}

// Go starts a task that runs until it returns or the supervisor stops.
func (s *Supervisor) Go(name string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if st, ok := s.tasks[name]; ok && st.Running {
		return fmt.Errorf("%s: %w", name, ErrDuplicate)
	}
	if s.running() >= s.max {
		return fmt.Errorf("%s: %w (max %d)", name, ErrTooManyTasks, s.max)
	}
	st := &TaskStatus{Name: name, Running: true, StartedAt: time.Now().UTC()}
	s.tasks[name] = st

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runOnce(name, fn)
		s.mu.Lock()
		st.Running = false
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithField("task", name).WithError(err).Error("background task exited")
		}
	}()
	return nil
}

// Every starts a periodic task. Each tick waits for the pause gate; a failed or panicking
// iteration is logged and the loop continues on the next tick.
func (s *Supervisor) Every(name string, interval time.Duration, fn TaskFunc) error {
	return s.every(name, interval, fn, true)
}

// EveryUngated is Every without the pause gate, for loops that must keep running while
// paused, such as the one that reads the resume command.
func (s *Supervisor) EveryUngated(name string, interval time.Duration, fn TaskFunc) error {
	return s.every(name, interval, fn, false)
}

func (s *Supervisor) every(name string, interval time.Duration, fn TaskFunc, gated bool) error {
	if interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", name)
	}
	return s.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if gated {
				if err := s.gate.Wait(ctx); err != nil {
					return err
				}
			}
			_ = s.runOnce(name, fn)
		}
	})
}

func (s *Supervisor) runOnce(name string, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.record(name, err)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(name string, err error) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	hook := s.onFail
	if ok {
		st.Runs++
		if err != nil && !errors.Is(err, context.Canceled) {
			st.Failures++
			st.LastError = err.Error()
		}
	}
	s.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.log.WithField("task", name).WithError(err).Warn("background iteration failed")
	if hook != nil {
		hook(name, err)
	}
}

func (s *Supervisor) running() int {
	n := 0
	for _, st := range s.tasks {
		if st.Running {
			n++
		}
	}
	return n
}

// Status lists every task sorted by name.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Context is cancelled when the supervisor stops.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Stop cancels every task and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
