// Package gz implements codec.Handler for single-member GZIP streams and
// the TAR.GZ/TGZ chain, per spec §4.5. Decompression uses
// github.com/klauspost/compress/gzip, a drop-in faster inflate than the
// standard library's compress/gzip — the library the rest of the corpus
// reaches for whenever it touches gzip (see DESIGN.md).
package gz

import (
	"context"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/zynqcloud/archivecas/internal/codec"
	"github.com/zynqcloud/archivecas/internal/codec/tar"
	"github.com/zynqcloud/archivecas/internal/errs"
)

// Handler implements codec.Handler for both ".gz" (single member) and
// ".tar.gz"/".tgz" (GZ decompress chained into TAR).
type Handler struct {
	tar *tar.Handler
}

func New() *Handler { return &Handler{tar: tar.New()} }

func (*Handler) Name() string { return "gz" }

var gzMagic = []byte{0x1f, 0x8b}

func (*Handler) Accepts(filename string, magic []byte) bool {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz") {
		return true
	}
	return len(magic) >= 2 && magic[0] == gzMagic[0] && magic[1] == gzMagic[1]
}

func isTarGz(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
}

// ExtractStream decompresses the GZIP member; if the declared filename
// indicates TAR.GZ/TGZ, the decompressed stream is chained into the tar
// package's reader instead of being sunk as a single entry.
func (h *Handler) ExtractStream(ctx context.Context, source codec.Source, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	gr, err := kgzip.NewReader(source.Reader)
	if err != nil {
		return codec.ExtractionSummary{}, errs.Wrap(errs.KindCodec, "gz: open gzip member", err)
	}
	defer gr.Close()

	if isTarGz(source.Filename) || isTarGz(gr.Name) {
		return tar.ExtractFromReader(ctx, gr, sink, limits)
	}

	// Plain .gz: a single entry, named after the enclosing archive's
	// original name minus ".gz" per spec §4.5.
	meta := codec.EntryMeta{
		ModTime: gr.ModTime,
	}
	name := strings.TrimSuffix(source.Filename, ".gz")
	if name == source.Filename && gr.Name != "" {
		// No ".gz" suffix to strip (the source was recognised by its
		// magic bytes): use the name stored in the gzip header.
		name = gr.Name
	}
	if name == "" {
		name = "decompressed"
	}
	if err := sink(ctx, name, gr, meta); err != nil {
		if errs.IsArchiveFatal(err) || errs.IsTaskFatal(err) {
			return codec.ExtractionSummary{FatalErr: err}, err
		}
		return codec.ExtractionSummary{Warnings: []codec.Warning{{EntryName: name, Message: err.Error()}}}, nil
	}
	return codec.ExtractionSummary{FilesEmitted: 1}, nil
}
