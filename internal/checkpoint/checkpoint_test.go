package checkpoint_test

import (
	"testing"
	"time"

	"github.com/zynqcloud/archivecas/internal/checkpoint"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	s, err := checkpoint.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := checkpoint.Record{
		TaskID:             "task-1",
		ArchiveRootSHA:     "abc123",
		ProcessedEntries:   42,
		LastCommittedEntry: 41,
		StartedAt:          time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
		UpdatedAt:          time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := s.Load("task-1")
	if err != nil || !ok {
		t.Fatalf("Load: (%+v, %v, %v)", got, ok, err)
	}
	if got.ProcessedEntries != 42 || got.LastCommittedEntry != 41 {
		t.Errorf("got %+v", got)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s, err := checkpoint.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok, err := s.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing checkpoint")
	}
}

func TestWriteOverwritesPreviousCheckpoint(t *testing.T) {
	s, err := checkpoint.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Write(checkpoint.Record{TaskID: "t", ProcessedEntries: 1})
	_ = s.Write(checkpoint.Record{TaskID: "t", ProcessedEntries: 2})

	got, ok, err := s.Load("t")
	if err != nil || !ok {
		t.Fatalf("Load: %v %v", ok, err)
	}
	if got.ProcessedEntries != 2 {
		t.Errorf("ProcessedEntries = %d, want 2 (latest write should win)", got.ProcessedEntries)
	}
}

func TestDeleteRemovesCheckpoint(t *testing.T) {
	s, err := checkpoint.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Write(checkpoint.Record{TaskID: "t"})
	if err := s.Delete("t"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load("t"); ok {
		t.Error("expected checkpoint to be gone after Delete")
	}
	// Deleting an already-absent checkpoint is not an error.
	if err := s.Delete("t"); err != nil {
		t.Errorf("Delete on missing: %v", err)
	}
}

func TestTriggerFiresOnEntryCount(t *testing.T) {
	tr := checkpoint.NewTrigger(10, time.Hour)
	if tr.Due(5) {
		t.Error("should not be due yet at 5 entries with EveryN=10")
	}
	if !tr.Due(11) {
		t.Error("should be due once 10+ entries have passed since the last checkpoint")
	}
}

func TestTriggerFiresOnElapsedTime(t *testing.T) {
	tr := checkpoint.NewTrigger(1_000_000, 10*time.Millisecond)
	if tr.Due(1) {
		t.Error("should not be due immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if !tr.Due(1) {
		t.Error("should be due once EveryT has elapsed")
	}
}
