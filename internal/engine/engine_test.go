package engine_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/zynqcloud/archivecas/internal/cas"
	"github.com/zynqcloud/archivecas/internal/checkpoint"
	"github.com/zynqcloud/archivecas/internal/codec"
	zipcodec "github.com/zynqcloud/archivecas/internal/codec/zip"
	"github.com/zynqcloud/archivecas/internal/engine"
	"github.com/zynqcloud/archivecas/internal/metadata"
	"github.com/zynqcloud/archivecas/internal/pathmgr"
	"github.com/zynqcloud/archivecas/internal/security"
)

// fakeSink records every Progress/Security callback in order, standing in
// for the TaskCoordinator's real fan-out during unit tests.
type fakeSink struct {
	progress []engine.ProgressUpdate
	security []engine.SecurityEvent
}

func (f *fakeSink) Progress(u engine.ProgressUpdate) { f.progress = append(f.progress, u) }
func (f *fakeSink) Security(e engine.SecurityEvent)  { f.security = append(f.security, e) }

func newTestEngine(t *testing.T, policy security.Policy) (*engine.Engine, *metadata.Store) {
	t.Helper()
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	meta, err := metadata.Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	pm, err := pathmgr.New(meta, "ws-1", pathmgr.Config{})
	if err != nil {
		t.Fatalf("pathmgr.New: %v", err)
	}

	reg := codec.NewRegistry(zipcodec.New())

	cp, err := checkpoint.Open(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}

	return &engine.Engine{
		CAS:         store,
		Meta:        meta,
		PathMgr:     pm,
		Registry:    reg,
		Checkpoints: cp,
		Policy:      policy,
	}, meta
}

func writeZip(t *testing.T, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	path := t.TempDir() + "/archive.zip"
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write temp zip: %v", err)
	}
	return path
}

func TestRunExtractsFlatZip(t *testing.T) {
	e, meta := newTestEngine(t, security.DefaultPolicy())
	src := writeZip(t, map[string][]byte{
		"a.txt": []byte("hello"),
		"b.txt": []byte("world"),
	})

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-1", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Files != 2 {
		t.Errorf("Files = %d, want 2", summary.Files)
	}
	if summary.FatalErr != nil {
		t.Errorf("FatalErr = %v", summary.FatalErr)
	}

	roots, err := meta.GetRootArchives(context.Background())
	if err != nil {
		t.Fatalf("GetRootArchives: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root archive, got %d", len(roots))
	}
	if roots[0].Status != metadata.StatusCompleted {
		t.Errorf("root archive status = %s, want completed", roots[0].Status)
	}

	lastProgress := sink.progress[len(sink.progress)-1]
	if lastProgress.Kind != engine.ProgressCompleted {
		t.Errorf("last progress kind = %s, want completed", lastProgress.Kind)
	}
}

func TestRunDescendsIntoNestedZip(t *testing.T) {
	e, meta := newTestEngine(t, security.DefaultPolicy())

	var inner bytes.Buffer
	zw := zip.NewWriter(&inner)
	w, err := zw.Create("leaf.txt")
	if err != nil {
		t.Fatalf("inner Create: %v", err)
	}
	if _, err := w.Write([]byte("nested payload")); err != nil {
		t.Fatalf("inner Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("inner Close: %v", err)
	}

	src := writeZip(t, map[string][]byte{"child.zip": inner.Bytes()})

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-2", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.FatalErr != nil {
		t.Fatalf("FatalErr = %v", summary.FatalErr)
	}

	roots, err := meta.GetRootArchives(context.Background())
	if err != nil {
		t.Fatalf("GetRootArchives: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root archive, got %d", len(roots))
	}

	if roots[0].VirtualPath != "archive.zip" {
		t.Errorf("root archive virtual_path = %s, want archive.zip", roots[0].VirtualPath)
	}

	files, archives, err := meta.GetArchiveChildren(context.Background(), roots[0].ID)
	if err != nil {
		t.Fatalf("GetArchiveChildren: %v", err)
	}
	if len(files) != 0 || len(archives) != 1 {
		t.Fatalf("expected 1 nested archive child, got %d files, %d archives", len(files), len(archives))
	}
	if archives[0].VirtualPath != "archive.zip/child.zip" {
		t.Errorf("nested archive virtual_path = %s, want archive.zip/child.zip", archives[0].VirtualPath)
	}

	leafFiles, leafArchives, err := meta.GetArchiveChildren(context.Background(), archives[0].ID)
	if err != nil {
		t.Fatalf("GetArchiveChildren(nested): %v", err)
	}
	if len(leafFiles) != 1 || len(leafArchives) != 0 {
		t.Fatalf("expected 1 leaf file under the nested archive, got %d files, %d archives", len(leafFiles), len(leafArchives))
	}
	if leafFiles[0].OriginalName != "leaf.txt" {
		t.Errorf("leaf file name = %s, want leaf.txt", leafFiles[0].OriginalName)
	}
	if leafFiles[0].VirtualPath != "archive.zip/child.zip/leaf.txt" {
		t.Errorf("leaf file virtual_path = %s, want archive.zip/child.zip/leaf.txt", leafFiles[0].VirtualPath)
	}
}

func TestRunSkipsOversizedEntry(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.MaxFileSize = 2 // bytes — "hello" (5 bytes) must violate this
	e, meta := newTestEngine(t, policy)

	src := writeZip(t, map[string][]byte{"a.txt": []byte("hello")})

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-3", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Files != 0 {
		t.Errorf("Files = %d, want 0 (oversized entry must be skipped)", summary.Files)
	}
	if len(sink.security) == 0 {
		t.Fatal("expected at least one security event for the oversized entry")
	}
	if sink.security[0].Kind != security.ViolationFileTooLarge {
		t.Errorf("security event kind = %v, want ViolationFileTooLarge", sink.security[0].Kind)
	}

	roots, err := meta.GetRootArchives(context.Background())
	if err != nil {
		t.Fatalf("GetRootArchives: %v", err)
	}
	if roots[0].Status != metadata.StatusCompleted {
		t.Errorf("archive with only a skipped entry still completes: status = %s", roots[0].Status)
	}
}

func TestRunRejectsDepthBeyondPolicy(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.MaxDepth = 0 // the root archive itself is already at the limit
	e, _ := newTestEngine(t, policy)

	src := writeZip(t, map[string][]byte{"a.txt": []byte("hello")})

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-4", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Files != 0 {
		t.Errorf("Files = %d, want 0 when the root exceeds MaxDepth", summary.Files)
	}
	found := false
	for _, ev := range sink.security {
		if ev.Kind == security.ViolationDepthExceeded {
			found = true
		}
	}
	if !found {
		t.Error("expected a DepthExceeded security event")
	}
}

func TestRunHaltsArchiveOnExcessiveRiskScore(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.RatioLimit = 1000 // high enough that CheckEntryRatio doesn't fire first
	policy.RiskLimit = 50    // but low enough that ratio^depth still trips
	e, meta := newTestEngine(t, policy)

	// Highly repetitive content deflates to a small fraction of its
	// original size, yielding a compression ratio well past RiskLimit once
	// raised to depth 1 but still under the generous RatioLimit above.
	src := writeZip(t, map[string][]byte{"a.txt": bytes.Repeat([]byte("A"), 5000)})

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-risk", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Files != 0 {
		t.Errorf("Files = %d, want 0 (archive should halt before recording the entry)", summary.Files)
	}

	found := false
	for _, ev := range sink.security {
		if ev.Kind == security.ViolationRiskScoreExceeded {
			found = true
		}
	}
	if !found {
		t.Error("expected a RiskScoreExceeded security event")
	}

	roots, err := meta.GetRootArchives(context.Background())
	if err != nil {
		t.Fatalf("GetRootArchives: %v", err)
	}
	if roots[0].Status != metadata.StatusFailed {
		t.Errorf("archive status = %s, want failed once the risk score halts it", roots[0].Status)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	e, meta := newTestEngine(t, security.DefaultPolicy())
	src := writeZip(t, map[string][]byte{
		"a.txt": []byte("hello"),
		"b.txt": []byte("world"),
		"c.txt": []byte("again"),
	})

	// Simulate a crash after the first entry committed: compute the root's
	// CAS hash the same way Run would, and seed a checkpoint claiming entry
	// 1 of 3 already landed.
	raw, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	put, err := e.CAS.StoreStream(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("StoreStream: %v", err)
	}
	if err := e.Checkpoints.Write(checkpoint.Record{
		TaskID:             "task-resume",
		ArchiveRootSHA:     put.SHA256,
		ProcessedEntries:   1,
		LastCommittedEntry: 1,
		UpdatedAt:          time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Checkpoints.Write: %v", err)
	}

	sink := &fakeSink{}
	summary, err := e.Run(context.Background(), "task-resume", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.FatalErr != nil {
		t.Fatalf("FatalErr = %v", summary.FatalErr)
	}

	// Only the 2 entries past last_committed_entry get (re-)recorded; the
	// resumed RunningTotals seed from the checkpoint's processed_entries,
	// so the final count still reflects all 3 source entries.
	if summary.Files != 3 {
		t.Errorf("Files = %d, want 3 (1 seeded from checkpoint + 2 replayed)", summary.Files)
	}

	roots, err := meta.GetRootArchives(context.Background())
	if err != nil {
		t.Fatalf("GetRootArchives: %v", err)
	}
	if roots[0].Status != metadata.StatusCompleted {
		t.Errorf("root archive status = %s, want completed", roots[0].Status)
	}

	// The entry the checkpoint claimed was already committed is skipped
	// outright rather than re-recorded, so only the other 2 reach metadata.
	files, _, err := meta.GetArchiveChildren(context.Background(), roots[0].ID)
	if err != nil {
		t.Fatalf("GetArchiveChildren: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("len(files) = %d, want 2 (the pre-checkpointed entry is skipped, not re-inserted)", len(files))
	}

	if _, ok, _ := e.Checkpoints.Load("task-resume"); ok {
		t.Error("expected the checkpoint to be deleted once the resumed task completes")
	}
}

func TestRunCancellation(t *testing.T) {
	e, _ := newTestEngine(t, security.DefaultPolicy())
	src := writeZip(t, map[string][]byte{"a.txt": []byte("hello")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &fakeSink{}
	summary, err := e.Run(ctx, "task-5", src, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Cancelled {
		t.Error("expected summary.Cancelled = true for a pre-cancelled context")
	}
}
