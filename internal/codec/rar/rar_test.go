package rar_test

import (
	"testing"

	rarhandler "github.com/zynqcloud/archivecas/internal/codec/rar"
)

func TestAccepts(t *testing.T) {
	h := rarhandler.New()
	if !h.Accepts("bundle.rar", nil) {
		t.Error("should accept by .rar extension")
	}
	if !h.Accepts("noext", []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x00}) {
		t.Error("should accept RAR4 magic")
	}
	if !h.Accepts("noext", []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01, 0x00}) {
		t.Error("should accept RAR5 magic")
	}
	if h.Accepts("plain.txt", []byte("not a rar")) {
		t.Error("should not accept a plain text file")
	}
}

func TestName(t *testing.T) {
	if got := rarhandler.New().Name(); got != "rar" {
		t.Errorf("Name() = %q, want rar", got)
	}
}
