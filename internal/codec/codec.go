// Package codec defines the shared Handler contract implemented once per
// archive format (spec §4.5). Each concrete handler lives in its own
// subpackage (zip, tar, gz, rar, sevenz) and registers itself with a
// Registry so the ExtractionEngine can dispatch on filename/magic without
// a format-specific switch statement — the same "polymorphic capability
// set, no base-class hierarchy" shape the spec calls for.
package codec

import (
	"context"
	"io"
	"time"
)

// EntryMeta carries everything the engine needs to run SecurityDetector
// pre-checks and record a FileRecord/ArchiveRecord, without the handler
// having to know about either.
type EntryMeta struct {
	CompressedSize   int64
	UncompressedSize int64
	ModTime          time.Time
	IsDirectory      bool
	IsSymlink        bool
}

// SinkFunc is invoked once per entry, in the handler's native declaration
// order. The entry stream must be fully consumed (or explicitly drained)
// before SinkFunc returns, since most handlers read sequentially from a
// single underlying reader.
//
// A returned error that errs.IsArchiveFatal or errs.IsTaskFatal recognises
// aborts the current ExtractStream call and is surfaced to the caller via
// ExtractionSummary.FatalErr; any other non-nil error is recorded as a
// warning for that entry and extraction goes on with the next entry.
type SinkFunc func(ctx context.Context, entryName string, entryStream io.Reader, meta EntryMeta) error

// Limits bundles the subset of security.Policy a handler can use to
// short-circuit before reading a payload that will be rejected outright
// (e.g. a declared uncompressed size already past max_file_size).
type Limits struct {
	MaxFileSize    int64
	MaxEntryCount  int
	RejectSymlinks bool
}

// Warning records a non-fatal per-entry problem encountered during
// ExtractStream (corrupt single entry, per-entry ratio violation already
// applied by the caller, etc).
type Warning struct {
	EntryName string
	Message   string
}

// ExtractionSummary is returned by ExtractStream once the handler has
// drained the source (or aborted early on a fatal condition).
type ExtractionSummary struct {
	FilesEmitted      int
	BytesUncompressed int64
	BytesCompressed   int64
	Warnings          []Warning
	// FatalErr, when non-nil, means the handler stopped before draining the
	// source entirely (corrupt central directory, mandatory decryption it
	// cannot satisfy, context cancellation propagated from the sink).
	FatalErr error
}

// Handler is the per-format streaming extractor contract from spec §4.5.
type Handler interface {
	// Name identifies the format for logging/metrics (e.g. "zip", "rar").
	Name() string
	// Accepts reports whether this handler can parse source, given its
	// declared filename (for extension sniffing) and/or a small
	// magic-number prefix already read from the stream.
	Accepts(filename string, magic []byte) bool
	// ExtractStream walks source, invoking sink once per entry in
	// declaration order. source must support io.ReaderAt-style random
	// access when the format requires it (ZIP, 7z); streaming formats
	// (TAR, GZ, RAR) only need io.Reader.
	ExtractStream(ctx context.Context, source Source, sink SinkFunc, limits Limits) (ExtractionSummary, error)
}

// Source is what a Handler reads from. Size is the total byte length, used
// by formats that require random access (ZIP's central directory, 7z's
// header at EOF); streaming-only handlers ignore it.
type Source struct {
	Reader   io.Reader
	ReaderAt io.ReaderAt
	Size     int64
	// Filename is the archive's declared name (e.g. "logs.tar.gz"), used by
	// handlers whose inner format depends on the outer extension — the gz
	// handler's TAR.GZ-vs-plain-GZ decision in particular.
	Filename string
}

// Registry resolves the right Handler for a source by filename/magic, per
// spec §4.6 step 3 ("classify... the registry supports").
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a Registry from the given handlers, tried in order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Resolve returns the first handler that accepts filename/magic, or nil if
// none do (the entry is then treated as an ordinary leaf file).
func (r *Registry) Resolve(filename string, magic []byte) Handler {
	for _, h := range r.handlers {
		if h.Accepts(filename, magic) {
			return h
		}
	}
	return nil
}

// MagicLen is how many leading bytes callers should peek before calling
// Resolve — enough to distinguish every registered format by magic number.
const MagicLen = 8
