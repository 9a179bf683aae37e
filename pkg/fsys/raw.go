package fsys

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/diskbuild/diskbuild/pkg/units"
)

// Raw is the passthrough adapter: the window is an opaque blob populated
// from one source image. There is no format step and the minimum size is
// the source size exactly.
type Raw struct {
	source string
}

func NewRaw(source string) *Raw {
	return &Raw{source: source}
}

func (r *Raw) Kind() string { return "raw" }

func (r *Raw) BlockAlign(n int64) int64 {
	return units.RoundUp(n, units.SectorSize)
}

func (r *Raw) MinSizeBytes(items []Item) (int64, error) {
	if len(items) > 0 {
		return 0, fmt.Errorf("raw partitions take their content from the source image only")
	}
	info, err := os.Stat(r.source)
	if err != nil {
		return 0, fmt.Errorf("stat raw source %s: %w", r.source, err)
	}
	return info.Size(), nil
}

// Format is a no-op; the source image already carries its own structure.
func (r *Raw) Format(ctx context.Context, dev string, size int64) error {
	return nil
}

func (r *Raw) Populate(ctx context.Context, dev string, items []Item, scratch string) error {
	src, err := os.Open(r.source)
	if err != nil {
		return fmt.Errorf("open raw source %s: %w", r.source, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open staging file %s: %w", dev, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy raw source into window: %w", err)
	}
	return dst.Close()
}
