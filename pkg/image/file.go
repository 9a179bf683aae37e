package image

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/opencontainers/go-digest"

	"github.com/diskbuild/diskbuild/pkg/table"
)

// createSparseFile allocates path at exactly sizeBytes without writing the
// body, so large images stay cheap until the tools fill them in.
func createSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(sizeBytes-1, io.SeekStart); err != nil {
		return fmt.Errorf("seek to end of %s: %w", path, err)
	}
	// Writing the final byte fixes the size; everything before it stays a
	// hole.
	if _, err := f.Write([]byte{0}); err != nil {
		return fmt.Errorf("extend %s: %w", path, err)
	}
	return f.Close()
}

// copyIntoWindow copies the staging file into the image window and then
// re-reads the window to verify the copy, returning the content digest.
// The generic kernel range-copy primitives are known to silently skip data
// in some containerized environments, so the verification is not optional.
func copyIntoWindow(img *os.File, staging string, w table.Window) (digest.Digest, error) {
	src, err := os.Open(staging)
	if err != nil {
		return "", fmt.Errorf("open staging file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat staging file: %w", err)
	}
	if info.Size() != w.Length {
		return "", fmt.Errorf("staging file is %d bytes, window is %d: partition size changed during formatting", info.Size(), w.Length)
	}

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(io.NewOffsetWriter(img, w.Offset), digester.Hash()), src)
	if err != nil {
		return "", fmt.Errorf("copy staging file into window: %w", err)
	}
	if n != w.Length {
		return "", fmt.Errorf("short copy into window: %d of %d bytes", n, w.Length)
	}
	want := digester.Digest()

	verify := digest.Canonical.Digester()
	if _, err := io.Copy(verify.Hash(), io.NewSectionReader(img, w.Offset, w.Length)); err != nil {
		return "", fmt.Errorf("read back window: %w", err)
	}
	if got := verify.Digest(); got != want {
		return "", fmt.Errorf("window verification failed: wrote %s, read back %s", want, got)
	}
	return want, nil
}

// WriteFileAtomic ensures atomic writes via rename. Beware that atomicity
// is only guaranteed on the same filesystem.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := path.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}

	// fsync dir so rename is durable across power loss
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}
