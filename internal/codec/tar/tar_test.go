package tar_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	tarcodec "github.com/zynqcloud/archivecas/internal/codec"
	tarhandler "github.com/zynqcloud/archivecas/internal/codec/tar"
)

func buildTestTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%q): %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestAccepts(t *testing.T) {
	h := tarhandler.New()
	if !h.Accepts("bundle.tar", nil) {
		t.Error("should accept by .tar extension")
	}
	if h.Accepts("bundle.zip", nil) {
		t.Error("should not accept .zip")
	}
}

func TestExtractStreamReadsAllEntries(t *testing.T) {
	data := buildTestTar(t, map[string]string{"one.txt": "1", "two.txt": "22"})
	h := tarhandler.New()

	count := 0
	sink := func(ctx context.Context, name string, r io.Reader, meta tarcodec.EntryMeta) error {
		_, _ = io.ReadAll(r)
		count++
		return nil
	}

	summary, err := h.ExtractStream(context.Background(), tarcodec.Source{Reader: bytes.NewReader(data)}, sink, tarcodec.Limits{})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if count != 2 || summary.FilesEmitted != 2 {
		t.Errorf("count=%d summary.FilesEmitted=%d, want 2/2", count, summary.FilesEmitted)
	}
}

func TestExtractStreamHonorsEntryCountLimit(t *testing.T) {
	data := buildTestTar(t, map[string]string{"a": "x", "b": "y", "c": "z"})
	h := tarhandler.New()

	sink := func(ctx context.Context, name string, r io.Reader, meta tarcodec.EntryMeta) error {
		_, _ = io.ReadAll(r)
		return nil
	}

	summary, err := h.ExtractStream(context.Background(), tarcodec.Source{Reader: bytes.NewReader(data)}, sink, tarcodec.Limits{MaxEntryCount: 1})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if summary.FilesEmitted > 1 {
		t.Errorf("FilesEmitted = %d, want at most 1 given MaxEntryCount=1", summary.FilesEmitted)
	}
}
