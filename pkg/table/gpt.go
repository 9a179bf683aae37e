package table

import (
	"context"
	"fmt"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"

	"github.com/diskbuild/diskbuild/pkg/units"
)

// GPT reserved regions, in sectors. The primary copy is the protective MBR
// at LBA 0, the header at LBA 1 and 32 sectors of partition entries; one
// spare sector keeps the first usable LBA clear of the entry array. The
// backup header and entry array mirror at the device tail.
const (
	gptPrimarySectors = 35
	gptBackupSectors  = 33
	gptMaxPartitions  = 128
)

// GPT writes GUID partition tables through go-diskfs. Disk and partition
// GUIDs are generated unless pinned, which callers do when they need
// byte-identical rebuilds.
type GPT struct {
	// DiskGUID pins the disk GUID. Empty generates a fresh one per build.
	DiskGUID string
}

func NewGPT() *GPT { return &GPT{} }

func (g *GPT) Kind() string { return "gpt" }

func (g *GPT) MaxPartitions() int { return gptMaxPartitions }

func (g *GPT) WholeDevice() bool { return false }

func (g *GPT) OverheadStart(align int64) int64 {
	return units.RoundUp(gptPrimarySectors*units.SectorSize, align)
}

func (g *GPT) OverheadEnd(align int64) int64 {
	return units.RoundUp(gptBackupSectors*units.SectorSize, align)
}

func (g *GPT) WriteTable(ctx context.Context, path string, layout Layout, parts []Entry) error {
	if len(parts) != len(layout.Windows) {
		return &LayoutError{Table: "gpt", Detail: fmt.Sprintf("%d entries for %d windows", len(parts), len(layout.Windows))}
	}

	diskGUID := g.DiskGUID
	if diskGUID == "" {
		diskGUID = uuid.NewString()
	} else if _, err := uuid.Parse(diskGUID); err != nil {
		return fmt.Errorf("invalid disk GUID %q: %w", diskGUID, err)
	}

	partitions := make([]*gpt.Partition, 0, len(parts))
	for i, entry := range parts {
		w := layout.Windows[i]

		partGUID := entry.GUID
		if partGUID == "" {
			partGUID = uuid.NewString()
		} else if _, err := uuid.Parse(partGUID); err != nil {
			return fmt.Errorf("partition %d: invalid GUID %q: %w", i+1, partGUID, err)
		}

		partitions = append(partitions, &gpt.Partition{
			Start: uint64(w.Offset / layout.SectorSize),
			End:   uint64(w.End()/layout.SectorSize) - 1,
			Type:  gptType(entry),
			Name:  entry.Label,
			GUID:  strings.ToUpper(partGUID),
		})
	}

	d, err := diskfs.Open(path)
	if err != nil {
		return fmt.Errorf("open image for partitioning: %w", err)
	}

	t := &gpt.Table{
		Partitions:        partitions,
		LogicalSectorSize: int(layout.SectorSize),
		GUID:              strings.ToUpper(diskGUID),
		ProtectiveMBR:     true,
	}
	// Close exactly once: go-diskfs zeroes the disk on a successful Close,
	// so a second call dereferences a nil backend.
	if err := d.Partition(t); err != nil {
		d.Close()
		return fmt.Errorf("write gpt table: %w", err)
	}
	return d.Close()
}

// gptType maps a filesystem kind onto a partition type GUID. A pinned
// TypeGUID wins; a bootable FAT partition becomes the EFI system partition.
func gptType(entry Entry) gpt.Type {
	if entry.TypeGUID != "" {
		return gpt.Type(strings.ToUpper(entry.TypeGUID))
	}
	if strings.HasPrefix(entry.FSKind, "fat") {
		if entry.Bootable {
			return gpt.EFISystemPartition
		}
		return gpt.MicrosoftBasicData
	}
	return gpt.LinuxFilesystem
}
