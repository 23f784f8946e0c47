// Package checkpoint implements the Checkpointer: periodic durable
// snapshots of extraction progress, written as
// checkpoints/<task_id>.json via temp-file + rename, grounded on the
// teacher's internal/store/local.go write idiom, so a crash mid-write
// never corrupts the previously committed checkpoint (spec §4.7).
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/zynqcloud/archivecas/internal/errs"
)

// Record is the per-task durable progress record from spec §3.
type Record struct {
	TaskID             string    `json:"task_id"`
	ArchiveRootSHA     string    `json:"archive_root_sha"`
	ProcessedEntries   int64     `json:"processed_entries"`
	LastCommittedEntry int64     `json:"last_committed_entry"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store persists Records under one directory, one file per task.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errs.Wrap(errs.KindIO, "checkpoint: create dir", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Write atomically persists rec, overwriting any prior checkpoint for the
// same task_id via temp-file + rename — identical commit discipline to
// cas.Store.StoreStream's blob write, applied to a small JSON record
// instead of archive bytes.
func (s *Store) Write(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindIO, "checkpoint: marshal", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, "checkpoint: create tmp", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return errs.Wrap(errs.KindIO, "checkpoint: write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return errs.Wrap(errs.KindIO, "checkpoint: flush", err)
	}
	if err := os.Rename(tmpPath, s.path(rec.TaskID)); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return errs.Wrap(errs.KindIO, "checkpoint: rename", err)
	}
	return nil
}

// Load reads the last committed checkpoint for a task, if any.
func (s *Store) Load(taskID string) (Record, bool, error) {
	b, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, errs.Wrap(errs.KindIO, "checkpoint: read", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, errs.Wrap(errs.KindIO, "checkpoint: unmarshal", err)
	}
	return rec, true, nil
}

// Delete removes a task's checkpoint once the task completes or fails
// terminally — there is nothing left to resume.
func (s *Store) Delete(taskID string) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, "checkpoint: delete", err)
	}
	return nil
}

// Trigger decides whether a new checkpoint write is due, based on the
// entries-since-last and time-since-last policy knobs from spec §6
// (checkpoint_every_n, checkpoint_every_secs).
type Trigger struct {
	EveryN    int64
	EveryT    time.Duration
	lastCount int64
	lastTime  time.Time
}

// NewTrigger returns a Trigger with the given policy; defaults match spec
// §6 (n=100, t=5s) when zero values are passed.
func NewTrigger(everyN int64, everyT time.Duration) *Trigger {
	if everyN <= 0 {
		everyN = 100
	}
	if everyT <= 0 {
		everyT = 5 * time.Second
	}
	return &Trigger{EveryN: everyN, EveryT: everyT, lastTime: now()}
}

// Due reports whether processedEntries or elapsed wall-clock time since the
// last checkpoint warrants writing a new one, and if so resets its
// internal counters.
func (t *Trigger) Due(processedEntries int64) bool {
	if processedEntries-t.lastCount >= t.EveryN || now().Sub(t.lastTime) >= t.EveryT {
		t.lastCount = processedEntries
		t.lastTime = now()
		return true
	}
	return false
}

func now() time.Time { return time.Now() }
