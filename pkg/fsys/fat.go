package fsys

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/diskbuild/diskbuild/pkg/tool"
	"github.com/diskbuild/diskbuild/pkg/units"
)

// FAT variant size bounds. The bounds are conservative: they keep the
// cluster count inside the range mkfs.fat accepts for each FAT width
// without tuning sectors-per-cluster.
const (
	fatClusterSize = 4 * units.KiB

	fat12MinBytes = 64 * units.KiB
	fat12MaxBytes = 32 * units.MiB
	fat16MinBytes = 5 * units.MiB
	fat16MaxBytes = 4 * units.GiB
	fat32MinBytes = 33 * units.MiB
	fat32MaxBytes = 2 * units.TiB

	// Reserved sectors, FATs and the root directory.
	fatBaseOverhead = 1 * units.MiB
)

// FATConfig carries the per-partition mkfs.fat options.
type FATConfig struct {
	// Label is the filesystem label (mkfs.fat -n).
	Label string
	// VolumeID pins the volume serial number (mkfs.fat -i) so repeated
	// builds produce identical images. Empty lets the tool pick one.
	VolumeID string
	// Extra is appended verbatim to the mkfs.fat command line.
	Extra []string
}

// FAT formats and populates FAT12/16/32 windows using mkfs.fat and the
// mtools copy programs (mmd, mcopy).
type FAT struct {
	runner tool.Runner
	bits   int
	config FATConfig
}

func NewFAT12(r tool.Runner, config FATConfig) *FAT {
	return &FAT{runner: r, bits: 12, config: config}
}

func NewFAT16(r tool.Runner, config FATConfig) *FAT {
	return &FAT{runner: r, bits: 16, config: config}
}

func NewFAT32(r tool.Runner, config FATConfig) *FAT {
	return &FAT{runner: r, bits: 32, config: config}
}

func (f *FAT) Kind() string { return fmt.Sprintf("fat%d", f.bits) }

func (f *FAT) bounds() (min, max int64) {
	switch f.bits {
	case 12:
		return fat12MinBytes, fat12MaxBytes
	case 16:
		return fat16MinBytes, fat16MaxBytes
	default:
		return fat32MinBytes, fat32MaxBytes
	}
}

func (f *FAT) BlockAlign(n int64) int64 {
	return units.RoundUp(n, fatClusterSize)
}

func (f *FAT) MinSizeBytes(items []Item) (int64, error) {
	content, err := ContentSize(items)
	if err != nil {
		return 0, err
	}

	// FAT table growth tracks the cluster count, roughly 1/64 of the data.
	size := f.BlockAlign(content + content/64 + fatBaseOverhead)

	min, max := f.bounds()
	if size < min {
		size = min
	}
	if size > max {
		return 0, fmt.Errorf("%s cannot hold %d bytes (variant limit %d)", f.Kind(), size, max)
	}
	return size, nil
}

// Format runs mkfs.fat against dev. The block count is derived from the
// authoritative window size and passed explicitly; mkfs.fat silently
// produces mismatched geometry when left to infer it.
func (f *FAT) Format(ctx context.Context, dev string, size int64) error {
	if size%units.KiB != 0 {
		return fmt.Errorf("%s size %d is not a multiple of 1024", f.Kind(), size)
	}

	args := []string{"-F", strconv.Itoa(f.bits)}
	if f.config.Label != "" {
		args = append(args, "-n", f.config.Label)
	}
	if f.config.VolumeID != "" {
		args = append(args, "-i", f.config.VolumeID)
	}
	args = append(args, f.config.Extra...)
	args = append(args, dev, strconv.FormatInt(size/units.KiB, 10))

	_, err := f.runner.Run(ctx, "mkfs.fat", args, nil)
	return err
}

func (f *FAT) Populate(ctx context.Context, dev string, items []Item, scratch string) error {
	for _, item := range items {
		var err error
		switch item.kind {
		case itemDir:
			_, err = f.runner.Run(ctx, "mmd", []string{"-i", dev, fatDest(item.dest)}, nil)
		case itemFile:
			_, err = f.runner.Run(ctx, "mcopy", []string{"-i", dev, "-bQ", item.source, fatDest(item.dest)}, nil)
		case itemTree:
			_, err = f.runner.Run(ctx, "mcopy", []string{"-i", dev, "-bsQ", item.source, fatDest(item.dest)}, nil)
		case itemStream:
			var spooled string
			spooled, err = spool(item, scratch)
			if err == nil {
				_, err = f.runner.Run(ctx, "mcopy", []string{"-i", dev, "-bQ", spooled, fatDest(item.dest)}, nil)
				os.Remove(spooled)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fatDest rewrites an absolute path into mtools "::path" addressing.
func fatDest(dest string) string {
	return "::" + path.Clean("/"+dest)[1:]
}
