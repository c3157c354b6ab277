package checkpoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type failingMirror struct{ calls int }

func (f *failingMirror) Upload(context.Context, string, []byte, string) (string, error) {
	f.calls++
	return "", errors.New("bucket unavailable")
}

func sampleSnapshot() Snapshot {
	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return Snapshot{
		Jobs: map[string]models.Job{
			"j1": {ID: "j1", Status: models.StatusInProgress, StakeLocked: 10, AssignedAgent: "w",
				Spec: models.JobSpec{Title: "t", Reward: 100, Deadline: deadline, Metadata: map[string]string{"employer": "e"}}},
		},
		Resources: ledger.Snapshot{
			Accounts: map[string]ledger.Account{"w": {Name: "w", Tokens: 90, Staked: 10}},
			Minted:   100,
		},
		Scheduler: map[string]models.ScheduledEvent{
			"ev": {ID: "ev", Type: models.EventJobDeadline, ExecuteAt: deadline, Payload: map[string]string{"job_id": "j1"}},
		},
		ControlOffset: 42,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	history := filepath.Join(dir, "history")
	store := NewStore(filepath.Join(dir, "state", "checkpoint.json"), quiet(), DirMirror{BaseDir: history})

	if err := store.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, found, err := store.Load()
	if err != nil || !found {
		t.Fatalf("load found=%v err=%v", found, err)
	}
	if snap.Version != SchemaVersion {
		t.Fatalf("version %d", snap.Version)
	}
	j := snap.Jobs["j1"]
	if j.Status != models.StatusInProgress || j.StakeLocked != 10 || j.Spec.Employer() != "e" {
		t.Fatalf("job %+v", j)
	}
	if snap.Resources.Accounts["w"].Staked != 10 || snap.ControlOffset != 42 {
		t.Fatalf("resources %+v offset %d", snap.Resources, snap.ControlOffset)
	}
	if _, err := os.Stat(filepath.Join(history, "checkpoints", "latest.json")); err != nil {
		t.Fatalf("dir mirror missing latest: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "state"))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "none.json"), quiet())
	_, found, err := store.Load()
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	m := &failingMirror{}
	store := NewStore(filepath.Join(t.TempDir(), "cp.json"), quiet(), m)
	if err := store.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("save should ignore mirror failure: %v", err)
	}
	if m.calls == 0 {
		t.Fatalf("mirror not invoked")
	}
}

func TestCorruptWriteKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cp.json")
	store := NewStore(path, quiet())
	if err := store.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	// a crashed writer leaves only a partial temp file behind
	if err := os.WriteFile(filepath.Join(dir, "cp.json.tmp-crash"), []byte(`{"jobs": {`), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if _, _, err := store.Load(); err != nil {
		t.Fatalf("last good checkpoint unreadable: %v", err)
	}
}

func TestMigrateVersionOne(t *testing.T) {
	legacy := `{
		"jobs": {"j1": {"id": "j1", "status": "posted", "spec": {"title": "t", "metadata": {"employer": "e"}}}},
		"ledger": {"accounts": {"e": {"name": "e", "tokens": 50}}, "minted": 50},
		"events": [{"event_id": "ev1", "event_type": "job_deadline", "execute_at": "2020-01-01T00:00:00Z", "payload": {"job_id": "j1"}}]
	}`
	snap, err := Decode([]byte(legacy))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Version != SchemaVersion {
		t.Fatalf("version %d", snap.Version)
	}
	if snap.Resources.Accounts["e"].Tokens != 50 {
		t.Fatalf("ledger not migrated: %+v", snap.Resources)
	}
	ev, ok := snap.Scheduler["ev1"]
	if !ok || ev.JobID() != "j1" {
		t.Fatalf("events not migrated: %+v", snap.Scheduler)
	}
}

func TestRejectsFutureVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"version": 99}`)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion got %v", err)
	}
}
