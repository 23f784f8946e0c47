package gz_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	kgzip "github.com/klauspost/compress/gzip"

	gzcodec "github.com/zynqcloud/archivecas/internal/codec"
	gzhandler "github.com/zynqcloud/archivecas/internal/codec/gz"
)

func buildPlainGz(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw, err := kgzip.NewWriterLevel(&buf, kgzip.DefaultCompression)
	if err != nil {
		t.Fatalf("NewWriterLevel: %v", err)
	}
	gw.Name = name
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var gzBuf bytes.Buffer
	gw := kgzip.NewWriter(&gzBuf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return gzBuf.Bytes()
}

func TestAccepts(t *testing.T) {
	h := gzhandler.New()
	if !h.Accepts("file.gz", nil) {
		t.Error("should accept .gz")
	}
	if !h.Accepts("bundle.tgz", nil) {
		t.Error("should accept .tgz")
	}
	if !h.Accepts("noext", []byte{0x1f, 0x8b, 0, 0}) {
		t.Error("should accept by magic")
	}
}

func TestExtractStreamPlainGz(t *testing.T) {
	data := buildPlainGz(t, "notes.txt", "single member content")
	h := gzhandler.New()

	var gotName, gotBody string
	sink := func(ctx context.Context, name string, r io.Reader, meta gzcodec.EntryMeta) error {
		body, err := io.ReadAll(r)
		gotName, gotBody = name, string(body)
		return err
	}

	summary, err := h.ExtractStream(context.Background(), gzcodec.Source{Reader: bytes.NewReader(data), Filename: "notes.txt.gz"}, sink, gzcodec.Limits{})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if summary.FilesEmitted != 1 {
		t.Errorf("FilesEmitted = %d, want 1", summary.FilesEmitted)
	}
	if gotName != "notes.txt" || gotBody != "single member content" {
		t.Errorf("got name=%q body=%q", gotName, gotBody)
	}
}

func TestExtractStreamTarGzChainsIntoTar(t *testing.T) {
	data := buildTarGz(t, map[string]string{"a.txt": "1", "b.txt": "22"})
	h := gzhandler.New()

	var names []string
	sink := func(ctx context.Context, name string, r io.Reader, meta gzcodec.EntryMeta) error {
		_, _ = io.ReadAll(r)
		names = append(names, name)
		return nil
	}

	summary, err := h.ExtractStream(context.Background(), gzcodec.Source{Reader: bytes.NewReader(data), Filename: "bundle.tar.gz"}, sink, gzcodec.Limits{})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if summary.FilesEmitted != 2 {
		t.Errorf("FilesEmitted = %d, want 2", summary.FilesEmitted)
	}
	if len(names) != 2 {
		t.Errorf("names = %v, want 2 entries", names)
	}
}
