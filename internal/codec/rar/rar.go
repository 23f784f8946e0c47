// Package rar implements codec.Handler for RAR archives via
// github.com/nwaples/rardecode/v2, a pure-Go streaming RAR4/RAR5 reader.
// No RAR decoder library appears anywhere in the retrieved corpus beyond a
// stale go.mod-only vendor stub under ethereum-go-ethereum's
// vendor/github.com/nwaples/rardecode — see DESIGN.md's "RAR binding" open
// question for why this library, not a cgo libunrar binding, is the
// idiomatic choice.
package rar

import (
	"context"
	"io"
	"strings"

	"github.com/nwaples/rardecode/v2"

	"github.com/zynqcloud/archivecas/internal/codec"
	"github.com/zynqcloud/archivecas/internal/errs"
)

// Handler implements codec.Handler for RAR archives.
type Handler struct{}

func New() *Handler { return &Handler{} }

func (*Handler) Name() string { return "rar" }

var rar4Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x00}
var rar5Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01, 0x00}

func (*Handler) Accepts(filename string, magic []byte) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".rar") {
		return true
	}
	if len(magic) >= 7 && string(magic[:7]) == string(rar4Magic) {
		return true
	}
	if len(magic) >= 8 && string(magic[:8]) == string(rar5Magic) {
		return true
	}
	return false
}

// ExtractStream needs only sequential access; RAR archives are read as a
// forward stream of file headers and bodies.
func (h *Handler) ExtractStream(ctx context.Context, source codec.Source, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	rr, err := rardecode.NewReader(source.Reader)
	if err != nil {
		return codec.ExtractionSummary{}, errs.Wrap(errs.KindCodec, "rar: open stream", err)
	}

	var summary codec.ExtractionSummary
	encryptedReported := false
	count := 0

	for {
		if ctx.Err() != nil {
			summary.FatalErr = ctx.Err()
			return summary, summary.FatalErr
		}

		hdr, err := rr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			summary.FatalErr = errs.Wrap(errs.KindCodec, "rar: read header", err)
			return summary, summary.FatalErr
		}

		count++
		if limits.MaxEntryCount > 0 && count > limits.MaxEntryCount {
			summary.Warnings = append(summary.Warnings, codec.Warning{Message: "entry count exceeds limit, stopping"})
			break
		}

		meta := codec.EntryMeta{
			CompressedSize:   hdr.PackedSize,
			UncompressedSize: hdr.UnPackedSize,
			ModTime:          hdr.ModificationTime,
			IsDirectory:      hdr.IsDir,
			// rardecode does not expose a symlink flag on FileHeader, so
			// IsSymlink stays false: RAR symlink entries are never rejected
			// and reach the sink as regular files, unlike ZIP/TAR/7z.
		}
		name := hdr.Name

		if meta.IsDirectory {
			continue
		}
		if hdr.IsEncrypted {
			// Per spec §4.5: encrypted RAR entries yield NeedsPassword,
			// reported once per archive, skipped without further attempts.
			if !encryptedReported {
				summary.Warnings = append(summary.Warnings, codec.Warning{EntryName: name, Message: "needs_password: encrypted entries are not decrypted by this engine"})
				encryptedReported = true
			}
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

		if err := sink(ctx, name, rr, meta); err != nil {
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
