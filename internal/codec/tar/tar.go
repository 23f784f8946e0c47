// Package tar implements codec.Handler for plain TAR streams via the
// standard library's archive/tar, per spec §4.5 ("streaming record read;
// blocks of 512 bytes; PAX headers respected").
package tar

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/zynqcloud/archivecas/internal/codec"
	"github.com/zynqcloud/archivecas/internal/errs"
)

// Handler implements codec.Handler for TAR archives. It is also used as
// the second half of the gz package's TAR.GZ chain.
type Handler struct{}

func New() *Handler { return &Handler{} }

func (*Handler) Name() string { return "tar" }

func (*Handler) Accepts(filename string, magic []byte) bool {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".tar") {
		return true
	}
	// ustar magic sits at offset 257, past MagicLen; extension is the
	// practical signal here, matching spec's "classify by name or magic".
	return false
}

// ExtractStream only needs sequential access; source.Reader is used even
// when source.ReaderAt happens to be set.
func (h *Handler) ExtractStream(ctx context.Context, source codec.Source, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	return ExtractFromReader(ctx, source.Reader, sink, limits)
}

// ExtractFromReader is shared with the gz package's TAR.GZ chain, which
// hands this a gzip.Reader instead of a raw file reader.
func ExtractFromReader(ctx context.Context, r io.Reader, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	tr := tar.NewReader(r)
	var summary codec.ExtractionSummary
	count := 0

	for {
		if ctx.Err() != nil {
			summary.FatalErr = ctx.Err()
			return summary, summary.FatalErr
		}

		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			summary.FatalErr = errs.Wrap(errs.KindCodec, "tar: read header", err)
			return summary, summary.FatalErr
		}

		count++
		if limits.MaxEntryCount > 0 && count > limits.MaxEntryCount {
			summary.Warnings = append(summary.Warnings, codec.Warning{Message: "entry count exceeds limit, stopping"})
			break
		}

		meta := codec.EntryMeta{
			CompressedSize:   hdr.Size, // TAR is not itself compressed; compressed==uncompressed per entry
			UncompressedSize: hdr.Size,
			ModTime:          hdr.ModTime,
			IsDirectory:      hdr.Typeflag == tar.TypeDir,
			IsSymlink:        hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink,
		}
		name := hdr.Name

		if meta.IsDirectory {
			continue
		}
		if meta.IsSymlink && limits.RejectSymlinks {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "symlink entry skipped"})
			continue
		}
		if limits.MaxFileSize > 0 && meta.UncompressedSize > limits.MaxFileSize {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "entry exceeds max_file_size, skipped"})
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue // device nodes, fifos, etc. are not files the engine tracks
		}

		if err := sink(ctx, name, tr, meta); err != nil {
			if errs.IsArchiveFatal(err) || errs.IsTaskFatal(err) {
				summary.FatalErr = err
				return summary, err
			}
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: err.Error()})
			continue
		}

		summary.FilesEmitted++
		summary.BytesUncompressed += meta.UncompressedSize
		summary.BytesCompressed += meta.CompressedSize
	}
	return summary, nil
}
