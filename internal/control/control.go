// Package control reads operator commands from an append-only JSON-lines file.
package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/models"
)

// Action names accepted in the control file.
const (
	ActionPause            = "pause"
	ActionResume           = "resume"
	ActionStop             = "stop"
	ActionCancelJob        = "cancel_job"
	ActionUpdateParameters = "update_parameters"
)

var ErrUnknownAction = errors.New("unknown control action")

// Command is one line of the control file.
type Command struct {
	Action     string                   `json:"action"`
	JobID      string                   `json:"job_id,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Governance *models.GovernanceUpdate `json:"governance,omitempty"`
	Resources  *models.PoolUpdate       `json:"resources,omitempty"`
}

// Validate checks that the action is known and carries its required fields.
func (c Command) Validate() error {
	switch c.Action {
	case ActionPause, ActionResume, ActionStop:
		return nil
	case ActionCancelJob:
		if c.JobID == "" {
			return fmt.Errorf("cancel_job requires job_id")
		}
		return nil
	case ActionUpdateParameters:
		if c.Governance == nil && c.Resources == nil {
			return fmt.Errorf("update_parameters requires governance or resources")
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
}

// Handler applies a command. Errors are logged by the poller and do not stop it.
type Handler func(ctx context.Context, cmd Command) error

// Poller tails the control file from a byte offset.
type Poller struct {
	path string
	log  logrus.FieldLogger

	pollMu sync.Mutex
	mu     sync.Mutex
	offset int64
}

type line struct {
	cmd Command
	ok  bool
	end int64
}

// NewPoller starts reading path at offset, which is normally restored from a checkpoint.
func NewPoller(path string, offset int64, log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{path: path, offset: offset, log: log.WithField("component", "control")}
}

// Path returns the control file location.
func (p *Poller) Path() string { return p.path }

// Offset is the position just past the last line whose command has been handled.
func (p *Poller) Offset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// SetOffset moves the read position, used when state is restored from a checkpoint.
func (p *Poller) SetOffset(off int64) {
	p.mu.Lock()
	p.offset = off
	p.mu.Unlock()
}

// Poll applies every complete line appended since the previous call, in file order.
// A trailing line without a newline is left for the next poll. The offset advances past
// a line only after its handler returns, so h may take locks that also guard Offset
// readers. It returns the number of commands handed to h.
func (p *Poller) Poll(ctx context.Context, h Handler) (int, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	lines, err := p.read()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if l.ok {
			applied++
			if err := h(ctx, l.cmd); err != nil {
				p.log.WithError(err).WithField("action", l.cmd.Action).Warn("control command failed")
			}
		}
		p.SetOffset(l.end)
	}
	return applied, nil
}

func (p *Poller) read() ([]line, error) {
	offset := p.Offset()
	f, err := os.Open(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat control file: %w", err)
	}
	if info.Size() < offset {
		p.log.WithFields(logrus.Fields{"offset": offset, "size": info.Size()}).Warn("control file truncated, starting over")
		offset = 0
		p.SetOffset(0)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek control file: %w", err)
	}

	var out []line
	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read control file: %w", err)
		}
		start := offset
		offset += int64(len(raw))
		l := line{end: offset}

		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) == 0:
		case json.Unmarshal(raw, &l.cmd) != nil:
			p.log.WithField("offset", start).Warn("skipping malformed control line")
		default:
			if err := l.cmd.Validate(); err != nil {
				p.log.WithError(err).WithField("offset", start).Warn("skipping invalid control command")
				break
			}
			l.ok = true
		}
		out = append(out, l)
	}
}

// Append writes cmd as one line, for tests and the HTTP control endpoint.
func Append(path string, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open control file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append control command: %w", err)
	}
	return nil
}
