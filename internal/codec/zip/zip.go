// Package zip implements codec.Handler for the ZIP format via the
// standard library's archive/zip, following spec §4.5's "central-directory
// walk; per-entry local header validation" contract.
package zip

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/zynqcloud/archivecas/internal/codec"
	"github.com/zynqcloud/archivecas/internal/errs"
)

// Handler implements codec.Handler for ZIP archives.
type Handler struct{}

// New returns a ready-to-use ZIP handler.
func New() *Handler { return &Handler{} }

func (*Handler) Name() string { return "zip" }

var zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}
var zipEmptyMagic = []byte{0x50, 0x4b, 0x05, 0x06}

func (*Handler) Accepts(filename string, magic []byte) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return true
	}
	if len(magic) >= 4 && (bytes.Equal(magic[:4], zipMagic) || bytes.Equal(magic[:4], zipEmptyMagic)) {
		return true
	}
	return false
}

// ExtractStream requires random access (ZIP's central directory lives at
// the end of the file), so source.ReaderAt must be set.
func (h *Handler) ExtractStream(ctx context.Context, source codec.Source, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	if source.ReaderAt == nil {
		return codec.ExtractionSummary{}, errs.New(errs.KindCodec, "zip: source does not support random access")
	}
	zr, err := zip.NewReader(source.ReaderAt, source.Size)
	if err != nil {
		return codec.ExtractionSummary{}, errs.Wrap(errs.KindCodec, "zip: open central directory", err)
	}

	var summary codec.ExtractionSummary
	if limits.MaxEntryCount > 0 && len(zr.File) > limits.MaxEntryCount {
		// The engine's SecurityDetector re-checks this per entry; here the
		// excess is only recorded as a warning and extraction goes on.
		summary.Warnings = append(summary.Warnings, codec.Warning{Message: "entry count exceeds limit before extraction begins"})
	}

	for _, f := range zr.File {
		if ctx.Err() != nil {
			summary.FatalErr = ctx.Err()
			return summary, summary.FatalErr
		}

		name := decodeName(f)
		meta := codec.EntryMeta{
			CompressedSize:   int64(f.CompressedSize64),
			UncompressedSize: int64(f.UncompressedSize64),
			ModTime:          f.Modified,
			IsDirectory:      f.FileInfo().IsDir(),
			IsSymlink:        f.Mode()&0o170000 == 0o120000, // S_IFLNK, per the zip external-attrs Unix mode encoding
		}

		if meta.IsDirectory {
			continue // directories are yielded implicitly by their children's paths, not sinked, per spec §4.5
		}
		if meta.IsSymlink && limits.RejectSymlinks {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "symlink entry skipped"})
			continue
		}
		if limits.MaxFileSize > 0 && meta.UncompressedSize > limits.MaxFileSize {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "entry exceeds max_file_size, skipped"})
			continue
		}
		if f.IsEncrypted() {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "encrypted entry needs password, skipped"})
			continue
		}

		rc, err := f.Open()
		if err != nil {
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: err.Error()})
			continue
		}
		sinkErr := sink(ctx, name, rc, meta)
		rc.Close()
		if sinkErr != nil {
			if errs.IsArchiveFatal(sinkErr) || errs.IsTaskFatal(sinkErr) {
				summary.FatalErr = sinkErr
				return summary, sinkErr
			}
			summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: sinkErr.Error()})
			continue
		}

		summary.FilesEmitted++
		summary.BytesUncompressed += meta.UncompressedSize
		summary.BytesCompressed += meta.CompressedSize
	}
	return summary, nil
}

// decodeName applies spec §4.5's "UTF-8 then CP437 fallback" filename
// decoding: archive/zip already decodes UTF-8-flagged names; for names
// without that flag we reinterpret the raw bytes as CP437, the legacy MS-DOS
// codepage most non-UTF-8 ZIP writers actually used.
func decodeName(f *zip.File) string {
	if f.NonUTF8 {
		if decoded, err := charmap.CodePage437.NewDecoder().String(f.Name); err == nil {
			return decoded
		}
	}
	return f.Name
}
