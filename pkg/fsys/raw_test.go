package fsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRawMinSizeIsExactlySourceSize(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "rootfs.squashfs", 12345)

	fs := NewRaw(src)
	size, err := fs.MinSizeBytes(nil)
	if err != nil {
		t.Fatalf("MinSizeBytes: %v", err)
	}
	if size != 12345 {
		t.Errorf("raw minimum = %d, want the exact source size 12345", size)
	}
}

func TestRawRejectsQueuedItems(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "blob", 10)

	fs := NewRaw(src)
	if _, err := fs.MinSizeBytes([]Item{Dir("/x")}); err == nil {
		t.Error("raw adapter must reject per-file content")
	}
}

func TestRawPopulateCopiesSourceVerbatim(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("raw filesystem image payload")
	src := filepath.Join(dir, "src.img")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	// Staging file is larger than the payload, like a sector rounded window.
	dev := filepath.Join(dir, "staging")
	if err := os.WriteFile(dev, make([]byte, 512), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewRaw(src)
	if err := fs.Format(context.Background(), dev, 512); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fs.Populate(context.Background(), dev, nil, dir); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	got, err := os.ReadFile(dev)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 512 {
		t.Fatalf("staging file resized to %d bytes", len(got))
	}
	if !bytes.Equal(got[:len(payload)], payload) {
		t.Error("staging window does not start with the source bytes")
	}
}
