package zip_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	zipcodec "github.com/zynqcloud/archivecas/internal/codec"
	ziphandler "github.com/zynqcloud/archivecas/internal/codec/zip"
)

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestAccepts(t *testing.T) {
	h := ziphandler.New()
	if !h.Accepts("archive.zip", nil) {
		t.Error("should accept by .zip extension")
	}
	if !h.Accepts("noext", []byte{0x50, 0x4b, 0x03, 0x04, 0, 0, 0, 0}) {
		t.Error("should accept by magic number")
	}
	if h.Accepts("plain.txt", []byte("not a zip")) {
		t.Error("should not accept a plain text file")
	}
}

func TestExtractStreamEmitsEntriesInOrder(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"a.txt": "hello",
		"b.txt": "world, longer content here",
	})
	h := ziphandler.New()

	var got []string
	sink := func(ctx context.Context, name string, r io.Reader, meta zipcodec.EntryMeta) error {
		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		got = append(got, name+":"+string(body))
		return nil
	}

	summary, err := h.ExtractStream(context.Background(), zipcodec.Source{
		ReaderAt: bytes.NewReader(data),
		Size:     int64(len(data)),
	}, sink, zipcodec.Limits{})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if summary.FilesEmitted != 2 {
		t.Errorf("FilesEmitted = %d, want 2", summary.FilesEmitted)
	}
	if len(got) != 2 || got[0] != "a.txt:hello" {
		t.Errorf("got = %v", got)
	}
}

func TestExtractStreamSkipsOversizedEntries(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"small.txt": "ok",
		"big.txt":   "this one is definitely longer than the limit",
	})
	h := ziphandler.New()

	var emitted []string
	sink := func(ctx context.Context, name string, r io.Reader, meta zipcodec.EntryMeta) error {
		emitted = append(emitted, name)
		_, _ = io.Copy(io.Discard, r)
		return nil
	}

	summary, err := h.ExtractStream(context.Background(), zipcodec.Source{
		ReaderAt: bytes.NewReader(data),
		Size:     int64(len(data)),
	}, sink, zipcodec.Limits{MaxFileSize: 5})
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "small.txt" {
		t.Errorf("emitted = %v, want only small.txt", emitted)
	}
	if len(summary.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one oversize warning", summary.Warnings)
	}
}
