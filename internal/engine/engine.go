// Package engine implements the ExtractionEngine: an iterative
// (non-recursive) depth-first traversal of a logical archive forest,
// orchestrating CAS, MetadataStore, PathManager, SecurityDetector, Codec
// Handlers, and the Checkpointer, per spec §4.6.
//
// Grounded on the teacher's cmd/server/main.go goroutine/context shape
// (one cancellable root context.Context, cooperative cancellation checked
// at suspension points) and internal/handler/upload.go's streaming-hasher
// idiom (io.TeeReader into sha256.New(), never buffering a whole file).
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/zynqcloud/archivecas/internal/cas"
	"github.com/zynqcloud/archivecas/internal/checkpoint"
	"github.com/zynqcloud/archivecas/internal/codec"
	"github.com/zynqcloud/archivecas/internal/errs"
	"github.com/zynqcloud/archivecas/internal/metadata"
	"github.com/zynqcloud/archivecas/internal/pathmgr"
	"github.com/zynqcloud/archivecas/internal/security"
)

// Frame is one entry on the engine's explicit DFS stack, per spec §4.6
// ("stack: ExtractionFrame[] where a frame carries (source_path_or_hash,
// virtual_prefix, parent_archive_id, depth, format)").
type Frame struct {
	// Exactly one of SourcePath (the original submission) or SourceHash (a
	// nested archive already written to CAS by its parent) is set.
	SourcePath      string
	SourceHash      string
	OriginalName    string
	VirtualPrefix   string
	ParentArchiveID sql.NullInt64
	Depth           int
}

// RunningTotals is the per-task, single-writer counter set from spec §5.
type RunningTotals struct {
	Bytes          int64
	Files          int64
	Warnings       int64
	SecurityEvents int64
}

// ProgressKind enumerates spec §6's ProgressUpdate.kind values.
type ProgressKind string

const (
	ProgressStarted   ProgressKind = "started"
	ProgressProgress  ProgressKind = "progress"
	ProgressSecurity  ProgressKind = "security"
	ProgressCompleted ProgressKind = "completed"
	ProgressFailed    ProgressKind = "failed"
	ProgressCancelled ProgressKind = "cancelled"
)

// ProgressUpdate mirrors spec §6's wire contract.
type ProgressUpdate struct {
	TaskID         string
	Version        int64
	Kind           ProgressKind
	FilesProcessed int64
	BytesProcessed int64
	CurrentFile    string
	Error          string
}

// SecurityEvent mirrors spec §4.4's structured violation record.
type SecurityEvent struct {
	Kind      security.ViolationKind
	ArchiveID int64
	EntryName string
	Metrics   map[string]any
}

// Sink receives progress and security events as the engine runs. Engine
// callers (TaskCoordinator) are responsible for fan-out/versioning;
// Engine itself just calls Sink once per event in order.
type Sink interface {
	Progress(ProgressUpdate)
	Security(SecurityEvent)
}

// Engine orchestrates one workspace's ingestion.
type Engine struct {
	CAS         *cas.Store
	Meta        *metadata.Store
	PathMgr     *pathmgr.Manager
	Registry    *codec.Registry
	Checkpoints *checkpoint.Store
	Policy      security.Policy
}

// Summary is returned by Run once the stack drains or a fatal condition
// halts the task.
type Summary struct {
	RunningTotals
	RootArchiveID int64
	Cancelled     bool
	FatalErr      error
}

// Run drives the iterative DFS starting from sourcePath, per spec §4.6. It
// is the top-level entry the TaskCoordinator invokes for one submitted
// archive.
func (e *Engine) Run(ctx context.Context, taskID, sourcePath string, sink Sink) (Summary, error) {
	var totals RunningTotals
	visited := make(map[string]struct{})
	var version int64

	// Per spec §4.7/§8: a task resumed under the same task_id picks its
	// checkpoint back up here. CAS/metadata idempotency (sha256 uniqueness)
	// makes entries already committed before a crash safe to encounter
	// again; processFrame still skips straight past them for the resumed
	// root frame rather than re-opening and re-hashing their bytes.
	resumeRec, resumeFound, _ := e.Checkpoints.Load(taskID)
	startedAt := time.Now().UTC()
	if resumeFound {
		totals.Files = resumeRec.ProcessedEntries
		if !resumeRec.StartedAt.IsZero() {
			startedAt = resumeRec.StartedAt
		}
	}

	emitProgress := func(kind ProgressKind, currentFile string, errMsg string) {
		version++
		sink.Progress(ProgressUpdate{
			TaskID:         taskID,
			Version:        version,
			Kind:           kind,
			FilesProcessed: totals.Files,
			BytesProcessed: totals.Bytes,
			CurrentFile:    currentFile,
			Error:          errMsg,
		})
	}
	emitProgress(ProgressStarted, sourcePath, "")

	trigger := checkpoint.NewTrigger(100, 5*time.Second)
	stack := []Frame{{SourcePath: sourcePath, OriginalName: path.Base(sourcePath), Depth: 0}}

	var rootArchiveID int64

	for len(stack) > 0 {
		if ctx.Err() != nil {
			emitProgress(ProgressCancelled, "", ctx.Err().Error())
			return Summary{RunningTotals: totals, RootArchiveID: rootArchiveID, Cancelled: true}, nil
		}

		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		archiveID, sourceHash, err := e.processFrame(ctx, frame, &totals, visited, &stack, sink, emitProgress, resumeRec, resumeFound)
		if rootArchiveID == 0 {
			rootArchiveID = archiveID
		}
		if err != nil {
			emitProgress(ProgressFailed, frame.OriginalName, err.Error())
			return Summary{RunningTotals: totals, RootArchiveID: rootArchiveID, FatalErr: err}, err
		}

		if trigger.Due(totals.Files) {
			_ = e.Checkpoints.Write(checkpoint.Record{
				TaskID:             taskID,
				ArchiveRootSHA:     sourceHash,
				ProcessedEntries:   totals.Files,
				LastCommittedEntry: totals.Files,
				StartedAt:          startedAt,
				UpdatedAt:          time.Now().UTC(),
			})
		}
	}

	emitProgress(ProgressCompleted, "", "")
	_ = e.Checkpoints.Delete(taskID)
	return Summary{RunningTotals: totals, RootArchiveID: rootArchiveID}, nil
}

// processFrame implements one DFS "pop, classify, apply policy, stream,
// record, push children" turn from spec §4.6. Its error return is reserved
// for task-fatal conditions (database/IO failures, cancellation); policy
// violations are reported through sink, and archive-fatal ones (like
// archive-fatal codec failures) leave the archive status as "failed"
// without propagating an error, since one failed archive must not abort
// sibling archives elsewhere on the stack.
func (e *Engine) processFrame(ctx context.Context, frame Frame, totals *RunningTotals, visited map[string]struct{}, stack *[]Frame, sink Sink, emitProgress func(ProgressKind, string, string), resume checkpoint.Record, resumeFound bool) (archiveID int64, sourceHash string, err error) {
	if e.Policy.MaxDepth > 0 && frame.Depth >= e.Policy.MaxDepth {
		sink.Security(SecurityEvent{Kind: security.ViolationDepthExceeded, EntryName: frame.OriginalName, Metrics: map[string]any{"depth": frame.Depth}})
		return 0, "", nil
	}

	source, sourceHash, closeSource, err := e.openFrameSource(frame)
	if err != nil {
		return 0, "", err
	}
	defer closeSource()

	if _, seen := visited[sourceHash]; seen {
		// Self-referential archive: record as a plain file instead of
		// descending again, per spec §4.6 "Self-referential archives".
		return 0, sourceHash, e.insertLeafFile(ctx, sourceHash, frame)
	}
	visited[sourceHash] = struct{}{}

	// A resumed task replays this exact frame (the root submission, per
	// spec §4.7's "replays the current frame") by skipping straight past
	// the entries it already committed before the crash, rather than
	// re-opening and re-hashing bytes CAS/metadata already hold.
	skipUpTo := int64(0)
	if resumeFound && frame.Depth == 0 && sourceHash == resume.ArchiveRootSHA {
		skipUpTo = resume.LastCommittedEntry
	}

	format := detectFormat(frame.OriginalName)
	archiveID, err = e.Meta.InsertArchive(ctx, metadata.ArchiveRecord{
		SHA256:          sourceHash,
		VirtualPath:     joinVirtual(frame.VirtualPrefix, frame.OriginalName),
		OriginalName:    frame.OriginalName,
		Format:          format,
		ParentArchiveID: frame.ParentArchiveID,
		Depth:           frame.Depth,
	})
	if err != nil {
		return 0, sourceHash, err
	}
	if err := e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusExtracting); err != nil {
		return archiveID, sourceHash, err
	}

	handler := e.Registry.Resolve(frame.OriginalName, nil)
	if handler == nil {
		// No codec for this format is archive-fatal: the archive is marked
		// failed and the task goes on with the rest of the stack.
		_ = e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusFailed)
		return archiveID, sourceHash, nil
	}

	// File-size and symlink checks are left to sinkFn's SecurityDetector
	// calls instead of the handler's own short-circuit, so each such
	// violation reaches sink as a SecurityEvent rather than only as a
	// handler warning.
	limits := codec.Limits{
		MaxEntryCount: e.Policy.EntryLimit,
	}

	archiveParent := sql.NullInt64{Int64: archiveID, Valid: true}
	entryCount := 0
	archiveHalted := false
	seenNames := make(map[string]int)

	sinkFn := func(sctx context.Context, entryName string, entryStream io.Reader, meta codec.EntryMeta) error {
		entryCount++
		if skipUpTo > 0 && int64(entryCount) <= skipUpTo {
			return nil
		}
		if v := e.Policy.CheckEntryCount(entryCount); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
		}
		if v := e.Policy.CheckSymlink(meta.IsSymlink); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
			return nil
		}
		if v := e.Policy.CheckFileSize(meta.UncompressedSize); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
			return nil
		}
		if v := e.Policy.CheckEntryRatio(meta.UncompressedSize, meta.CompressedSize); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
			return nil
		}
		entryRatio := security.CompressionRatio(meta.UncompressedSize, meta.CompressedSize, e.Policy.RatioLimit)
		if v := e.Policy.CheckRiskScore(entryRatio, frame.Depth+1); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
			archiveHalted = true
			return errs.New(errs.KindSecurity, "engine: risk score exceeded")
		}

		var collided bool
		entryName, collided = disambiguate(seenNames, entryName)
		if collided {
			sink.Security(SecurityEvent{Kind: security.ViolationNameCollision, ArchiveID: archiveID, EntryName: entryName})
		}

		virtualPath, err := pathmgr.NormalizeEntryPath(joinVirtual(frame.VirtualPrefix, frame.OriginalName), entryName)
		if err != nil {
			sink.Security(SecurityEvent{Kind: security.ViolationPathTraversal, ArchiveID: archiveID, EntryName: entryName})
			return nil
		}
		shortPath, err := e.PathMgr.Shorten(virtualPath)
		if err != nil {
			return err
		}

		mime, fullStream := sniffMime(entryStream)
		put, err := e.CAS.StoreStream(fullStream)
		if err != nil {
			return err
		}

		totals.Bytes += put.Size
		totals.Files++

		if v := e.Policy.CheckCumulativeSize(totals.Bytes); v != nil {
			sink.Security(toSecurityEvent(v, archiveID, entryName))
			archiveHalted = true
			return errs.New(errs.KindSecurity, "engine: cumulative size exceeded")
		}

		childHandler := e.Registry.Resolve(entryName, nil)
		if childHandler != nil && frame.Depth+1 <= e.Policy.MaxDepth {
			*stack = append(*stack, Frame{
				SourceHash:      put.SHA256,
				OriginalName:    path.Base(entryName),
				VirtualPrefix:   joinVirtual(frame.VirtualPrefix, frame.OriginalName),
				ParentArchiveID: archiveParent,
				Depth:           frame.Depth + 1,
			})
			return nil
		}

		_, _, ferr := e.Meta.InsertFile(ctx, metadata.FileRecord{
			SHA256:          put.SHA256,
			VirtualPath:     shortPath,
			OriginalName:    path.Base(entryName),
			Size:            put.Size,
			MIME:            mime,
			ParentArchiveID: archiveParent,
			Depth:           frame.Depth + 1,
		})
		if ferr != nil {
			return ferr
		}
		emitProgress(ProgressProgress, entryName, "")
		return nil
	}

	summary, extractErr := handler.ExtractStream(ctx, source, sinkFn, limits)
	if archiveHalted {
		_ = e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusFailed)
		return archiveID, sourceHash, nil
	}
	if extractErr != nil || summary.FatalErr != nil {
		_ = e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusFailed)
		cause := firstNonNil(extractErr, summary.FatalErr)
		if ctx.Err() != nil || errs.IsTaskFatal(cause) || !errs.IsArchiveFatal(cause) {
			return archiveID, sourceHash, errs.Wrap(errs.KindCodec, "engine: extract stream", cause)
		}
		// Archive-fatal only: this archive stays failed and the task goes
		// on with its siblings on the stack.
		return archiveID, sourceHash, nil
	}

	if v := e.Policy.CheckArchiveRatio(summary.BytesUncompressed, summary.BytesCompressed); v != nil {
		sink.Security(toSecurityEvent(v, archiveID, frame.OriginalName))
		_ = e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusFailed)
		return archiveID, sourceHash, nil
	}

	totals.Warnings += int64(len(summary.Warnings))

	if err := e.Meta.UpdateArchiveStatus(ctx, archiveID, metadata.StatusCompleted); err != nil {
		return archiveID, sourceHash, err
	}
	return archiveID, sourceHash, nil
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// openFrameSource resolves a Frame to a codec.Source plus the archive's own
// content hash, storing the archive bytes into CAS first if this is the
// root submission (per spec §4.6 step 2, "Hash the source to CAS");
// archives discovered nested inside another archive are already CAS blobs
// by the time their frame is processed.
func (e *Engine) openFrameSource(frame Frame) (codec.Source, string, func(), error) {
	if frame.SourceHash != "" {
		f, size, err := e.CAS.OpenFile(frame.SourceHash)
		if err != nil {
			return codec.Source{}, "", func() {}, err
		}
		return codec.Source{Reader: f, ReaderAt: f, Size: size, Filename: frame.OriginalName}, frame.SourceHash, func() { f.Close() }, nil
	}

	f, err := os.Open(frame.SourcePath)
	if err != nil {
		return codec.Source{}, "", func() {}, errs.Wrap(errs.KindIO, "engine: open source", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return codec.Source{}, "", func() {}, errs.Wrap(errs.KindIO, "engine: stat source", err)
	}

	put, err := e.CAS.StoreStream(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		f.Close()
		return codec.Source{}, "", func() {}, err
	}

	return codec.Source{Reader: f, ReaderAt: f, Size: info.Size(), Filename: frame.OriginalName}, put.SHA256, func() { f.Close() }, nil
}

func (e *Engine) insertLeafFile(ctx context.Context, sha256hex string, frame Frame) error {
	size, err := e.CAS.Size(sha256hex)
	if err != nil {
		return err
	}
	virtualPath := joinVirtual(frame.VirtualPrefix, frame.OriginalName)
	shortPath, err := e.PathMgr.Shorten(virtualPath)
	if err != nil {
		return err
	}
	_, _, err = e.Meta.InsertFile(ctx, metadata.FileRecord{
		SHA256:          sha256hex,
		VirtualPath:     shortPath,
		OriginalName:    frame.OriginalName,
		Size:            size,
		ParentArchiveID: frame.ParentArchiveID,
		Depth:           frame.Depth,
	})
	return err
}

// sniffMime detects an entry's MIME type from its first 512 bytes, the same
// window net/http.DetectContentType inspects, then returns a reader that
// replays those bytes ahead of the remainder of r — grounded on the
// teacher's store.ShouldDedup, minus its MIME-allowlist dedup gate (this
// system deduplicates by content hash unconditionally; the sniff here only
// populates FileRecord.Mime).
func sniffMime(r io.Reader) (string, io.Reader) {
	sniff := make([]byte, 512)
	n, _ := io.ReadFull(r, sniff)
	sniff = sniff[:n]
	full := io.MultiReader(bytes.NewReader(sniff), r)
	if n == 0 {
		return "", full
	}
	mime := http.DetectContentType(sniff)
	if i := strings.IndexByte(mime, ';'); i != -1 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime, full
}

func toSecurityEvent(v *security.Violation, archiveID int64, entryName string) SecurityEvent {
	return SecurityEvent{Kind: v.Kind, ArchiveID: archiveID, EntryName: entryName, Metrics: v.Metrics}
}

// detectFormat classifies an archive's ArchiveRecord.Format from its
// declared name, checking the two-part ".tar.gz" suffix before the
// single-part ".gz" so TAR.GZ archives aren't misclassified as plain GZ.
func detectFormat(name string) metadata.Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return metadata.FormatTgz
	case strings.HasSuffix(lower, ".zip"):
		return metadata.FormatZip
	case strings.HasSuffix(lower, ".rar"):
		return metadata.FormatRar
	case strings.HasSuffix(lower, ".tar"):
		return metadata.FormatTar
	case strings.HasSuffix(lower, ".gz"):
		return metadata.FormatGz
	case strings.HasSuffix(lower, ".7z"):
		return metadata.FormatSevenZ
	default:
		return metadata.FormatZip
	}
}

// disambiguate appends a "~2", "~3", ... suffix before the extension the
// second and later times a given entry name is seen within one archive, per
// spec §9's "name collision within one archive" decision: both entries are
// kept rather than the second silently overwriting the first.
func disambiguate(seen map[string]int, name string) (string, bool) {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name, false
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s~%d%s", base, n, ext), true
}

func joinVirtual(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
