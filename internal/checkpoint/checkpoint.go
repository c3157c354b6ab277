// Package checkpoint persists orchestrator state atomically and migrates older layouts.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
)

// SchemaVersion is written into every new checkpoint.
const SchemaVersion = 2

var ErrUnsupportedVersion = errors.New("unsupported checkpoint version")

// Snapshot is everything needed to resume after a restart.
type Snapshot struct {
	Version       int                              `json:"version"`
	SavedAt       time.Time                        `json:"saved_at"`
	Jobs          map[string]models.Job            `json:"jobs"`
	Resources     ledger.Snapshot                  `json:"resources"`
	Scheduler     map[string]models.ScheduledEvent `json:"scheduler"`
	Governance    *models.GovernanceParameters     `json:"governance,omitempty"`
	ControlOffset int64                            `json:"control_offset"`
}

// Mirror receives a copy of every checkpoint written.
type Mirror interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store writes and reads the checkpoint file.
type Store struct {
	path    string
	mirrors []Mirror
	log     logrus.FieldLogger
}

// NewStore returns a store for path. Mirrors are optional.
func NewStore(path string, log logrus.FieldLogger, mirrors ...Mirror) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{path: path, mirrors: mirrors, log: log.WithField("component", "checkpoint")}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Save writes snap to a temp file in the same directory, syncs it and renames it over the
// previous checkpoint. A crash mid-write leaves the last good file in place.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	snap.Version = SchemaVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	for _, m := range s.mirrors {
		if m == nil {
			continue
		}
		key := fmt.Sprintf("checkpoints/%s.json", snap.SavedAt.Format("20060102T150405.000000000Z"))
		if _, err := m.Upload(ctx, key, data, "application/json"); err != nil {
			s.log.WithError(err).Warn("checkpoint mirror upload failed")
			continue
		}
		if _, err := m.Upload(ctx, "checkpoints/latest.json", data, "application/json"); err != nil {
			s.log.WithError(err).Warn("checkpoint mirror latest upload failed")
		}
	}
	return nil
}

// Load reads and migrates the checkpoint. found is false when no file exists.
func (s *Store) Load() (snap Snapshot, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	snap, err = Decode(data)
	if err != nil {
		return Snapshot{}, true, err
	}
	return snap, true, nil
}

// Decode parses raw checkpoint bytes of any supported version.
func Decode(data []byte) (Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	migrated, err := migrate(raw)
	if err != nil {
		return Snapshot{}, err
	}
	buf, err := json.Marshal(migrated)
	if err != nil {
		return Snapshot{}, fmt.Errorf("re-encode checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if snap.Jobs == nil {
		snap.Jobs = map[string]models.Job{}
	}
	if snap.Scheduler == nil {
		snap.Scheduler = map[string]models.ScheduledEvent{}
	}
	return snap, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
