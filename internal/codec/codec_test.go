package codec_test

import (
	"context"
	"testing"

	"github.com/zynqcloud/archivecas/internal/codec"
)

// fakeHandler is a minimal codec.Handler stand-in for registry-dispatch
// tests; ExtractStream is never exercised here.
type fakeHandler struct {
	name     string
	acceptFn func(string, []byte) bool
}

func (f *fakeHandler) Name() string { return f.name }
func (f *fakeHandler) Accepts(filename string, magic []byte) bool {
	return f.acceptFn(filename, magic)
}
func (f *fakeHandler) ExtractStream(ctx context.Context, source codec.Source, sink codec.SinkFunc, limits codec.Limits) (codec.ExtractionSummary, error) {
	return codec.ExtractionSummary{}, nil
}

func TestRegistryResolveFirstMatchWins(t *testing.T) {
	zipLike := &fakeHandler{name: "zip", acceptFn: func(f string, m []byte) bool { return f == "a.zip" }}
	tarLike := &fakeHandler{name: "tar", acceptFn: func(f string, m []byte) bool { return f == "a.tar" }}
	reg := codec.NewRegistry(zipLike, tarLike)

	if got := reg.Resolve("a.zip", nil); got == nil || got.Name() != "zip" {
		t.Errorf("Resolve(a.zip) = %v, want zip handler", got)
	}
	if got := reg.Resolve("a.tar", nil); got == nil || got.Name() != "tar" {
		t.Errorf("Resolve(a.tar) = %v, want tar handler", got)
	}
	if got := reg.Resolve("a.txt", nil); got != nil {
		t.Errorf("Resolve(a.txt) = %v, want nil (no handler accepts plain files)", got)
	}
}
