package table

import (
	"context"
	"fmt"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/diskbuild/diskbuild/pkg/tool"
	"github.com/diskbuild/diskbuild/pkg/units"
)

const (
	mbrMaxPrimaries = 4
	mbrMaxSectors   = int64(1)<<32 - 1
)

// MBR writes classic DOS partition tables. The table itself is written
// in-process through go-diskfs by default; passing a tool.Runner switches
// to an sfdisk script instead, which matches what most embedded build
// pipelines already audit.
//
// Extended/logical partitions are not modeled: a fifth partition is a hard
// capacity error.
type MBR struct {
	sfdisk tool.Runner
}

func NewMBR() *MBR { return &MBR{} }

// NewMBRSfdisk writes the table by piping an sfdisk script into sfdisk(8).
func NewMBRSfdisk(r tool.Runner) *MBR { return &MBR{sfdisk: r} }

func (m *MBR) Kind() string { return "mbr" }

func (m *MBR) MaxPartitions() int { return mbrMaxPrimaries }

func (m *MBR) WholeDevice() bool { return false }

// OverheadStart reserves the boot sector, rounded up to the alignment
// boundary so the first partition stays aligned.
func (m *MBR) OverheadStart(align int64) int64 {
	return units.RoundUp(units.SectorSize, align)
}

func (m *MBR) OverheadEnd(align int64) int64 { return 0 }

func (m *MBR) WriteTable(ctx context.Context, path string, layout Layout, parts []Entry) error {
	if len(parts) != len(layout.Windows) {
		return &LayoutError{Table: "mbr", Detail: fmt.Sprintf("%d entries for %d windows", len(parts), len(layout.Windows))}
	}
	// MBR stores 32-bit sector addresses; anything past 2 TiB at 512-byte
	// sectors would silently wrap in the table.
	for i, w := range layout.Windows {
		if w.Offset/layout.SectorSize > mbrMaxSectors || w.Length/layout.SectorSize > mbrMaxSectors {
			return &LayoutError{Table: "mbr", Detail: fmt.Sprintf("partition %d exceeds the 32-bit sector address space", i+1)}
		}
	}
	if m.sfdisk != nil {
		return m.writeSfdisk(ctx, path, layout, parts)
	}
	return m.writeDiskfs(ctx, path, layout, parts)
}

func (m *MBR) writeDiskfs(_ context.Context, path string, layout Layout, parts []Entry) error {
	partitions := make([]*mbr.Partition, 0, len(parts))
	for i, entry := range parts {
		w := layout.Windows[i]
		typeByte, err := mbrTypeByte(entry.FSKind, w.Length)
		if err != nil {
			return fmt.Errorf("partition %d: %w", i+1, err)
		}
		partitions = append(partitions, &mbr.Partition{
			Bootable: entry.Bootable,
			Type:     mbr.Type(typeByte),
			Start:    uint32(w.Offset / layout.SectorSize),
			Size:     uint32(w.Length / layout.SectorSize),
		})
	}

	d, err := diskfs.Open(path)
	if err != nil {
		return fmt.Errorf("open image for partitioning: %w", err)
	}

	t := &mbr.Table{
		Partitions:        partitions,
		LogicalSectorSize: int(layout.SectorSize),
	}
	// Close exactly once: go-diskfs zeroes the disk on a successful Close,
	// so a second call dereferences a nil backend.
	if err := d.Partition(t); err != nil {
		d.Close()
		return fmt.Errorf("write mbr table: %w", err)
	}
	return d.Close()
}

func (m *MBR) writeSfdisk(ctx context.Context, path string, layout Layout, parts []Entry) error {
	lines := []string{
		"label: dos",
		"unit: sectors",
		// Alignment is handled by the layout; keep sfdisk out of it.
		"grain: 512",
		"",
	}
	for i, entry := range parts {
		w := layout.Windows[i]
		typeByte, err := mbrTypeByte(entry.FSKind, w.Length)
		if err != nil {
			return fmt.Errorf("partition %d: %w", i+1, err)
		}
		line := fmt.Sprintf("start=%d, size=%d, type=%x",
			w.Offset/layout.SectorSize, w.Length/layout.SectorSize, typeByte)
		if entry.Bootable {
			line += ", bootable"
		}
		lines = append(lines, line)
	}

	script := strings.Join(lines, "\n") + "\n"
	_, err := m.sfdisk.Run(ctx, "sfdisk", []string{"--no-reread", "--no-tell-kernel", path}, []byte(script))
	return err
}

// mbrTypeByte derives the MBR partition type from the filesystem kind and
// the partition size, following the DOS conventions (FAT16 tiers by size,
// LBA variants past 8 GiB).
func mbrTypeByte(fsKind string, sizeBytes int64) (byte, error) {
	switch fsKind {
	case "ext2", "ext3", "ext4", "raw":
		return 0x83, nil
	case "fat12":
		return 0x01, nil
	case "fat16":
		switch {
		case sizeBytes < 32*units.MiB:
			return 0x04, nil
		case sizeBytes > 8*units.GiB:
			return 0x0e, nil
		default:
			return 0x06, nil
		}
	case "fat32":
		if sizeBytes > 8*units.GiB {
			return 0x0c, nil
		}
		return 0x0b, nil
	}
	return 0, fmt.Errorf("no MBR partition type for filesystem %q", fsKind)
}
