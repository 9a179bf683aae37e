// Package table provides the partition table strategies (GPT, MBR, none)
// and the shared layout algorithm that turns ordered partition sizes into
// non-overlapping, aligned byte windows of one device.
package table

import (
	"context"
	"fmt"

	"github.com/diskbuild/diskbuild/pkg/units"
)

// Window is a contiguous byte range [Offset, Offset+Length) of the backing
// file assigned to one partition.
type Window struct {
	Offset int64
	Length int64
}

func (w Window) End() int64 { return w.Offset + w.Length }

// Entry carries the per-partition metadata a table writer needs on top of
// the window geometry.
type Entry struct {
	Index    int    // zero-based declaration order
	FSKind   string // filesystem kind, e.g. "fat32"; selects the MBR type byte
	Label    string // partition name, GPT only
	GUID     string // pinned partition GUID, GPT only; empty generates one
	TypeGUID string // pinned partition type GUID, GPT only
	Bootable bool
}

// Layout is a fully resolved device layout.
type Layout struct {
	SectorSize    int64
	Alignment     int64
	OverheadStart int64
	OverheadEnd   int64
	TotalBytes    int64
	Windows       []Window
}

// Strategy is implemented once per partition table kind. It knows its own
// reserved regions and how to emit the table onto the image file; the
// window arithmetic itself is shared by ComputeLayout.
type Strategy interface {
	// Kind returns the table name: "gpt", "mbr" or "none".
	Kind() string

	// OverheadStart returns the reserved bytes before the first usable
	// window, already rounded to the alignment boundary.
	OverheadStart(align int64) int64

	// OverheadEnd returns the reserved bytes after the last window
	// (backup structures), already rounded to the alignment boundary.
	OverheadEnd(align int64) int64

	// MaxPartitions is the hard cap of the table format.
	MaxPartitions() int

	// WholeDevice reports that the single window must span the device
	// exactly (the no-table strategy).
	WholeDevice() bool

	// WriteTable emits the partition table onto path. The file already
	// has its final size. Strategies must not touch any window bytes.
	WriteTable(ctx context.Context, path string, layout Layout, parts []Entry) error
}

// LayoutError signals overlapping or misaligned windows. It indicates a
// strategy bug and should be unreachable, but is checked on every layout.
type LayoutError struct {
	Table  string
	Detail string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("%s layout conflict: %s", e.Table, e.Detail)
}

// CapacityError signals more partitions than the table format supports.
type CapacityError struct {
	Table string
	Max   int
	Got   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s tables support at most %d partitions, got %d", e.Table, e.Max, e.Got)
}

// FitError signals that the computed layout exceeds a caller-fixed device
// size. It is raised before any file mutation.
type FitError struct {
	NeededBytes int64
	FixedBytes  int64
}

func (e *FitError) Error() string {
	return fmt.Sprintf("layout needs %d bytes but the device size is fixed at %d", e.NeededBytes, e.FixedBytes)
}

// ComputeLayout assigns windows in declaration order: each window starts at
// the previous end rounded up to align, the device ends at the last window
// plus trailing reserved space, rounded up to align. A fixedTotal of zero
// means minimal-fit; otherwise the layout must fit inside fixedTotal.
func ComputeLayout(s Strategy, sizes []int64, align, fixedTotal int64) (Layout, error) {
	if len(sizes) == 0 {
		return Layout{}, fmt.Errorf("no partitions declared")
	}
	if len(sizes) > s.MaxPartitions() {
		return Layout{}, &CapacityError{Table: s.Kind(), Max: s.MaxPartitions(), Got: len(sizes)}
	}
	if align <= 0 || align%units.SectorSize != 0 {
		return Layout{}, fmt.Errorf("alignment %d is not a positive multiple of the %d byte sector", align, units.SectorSize)
	}
	if fixedTotal < 0 || fixedTotal%units.SectorSize != 0 {
		return Layout{}, fmt.Errorf("fixed device size %d is not a multiple of the %d byte sector", fixedTotal, units.SectorSize)
	}

	l := Layout{
		SectorSize:    units.SectorSize,
		Alignment:     align,
		OverheadStart: s.OverheadStart(align),
		OverheadEnd:   s.OverheadEnd(align),
	}

	offset := units.RoundUp(l.OverheadStart, align)
	for i, size := range sizes {
		if size <= 0 {
			return Layout{}, fmt.Errorf("partition %d has non-positive size %d", i+1, size)
		}
		w := Window{Offset: offset, Length: units.RoundUp(size, units.SectorSize)}
		l.Windows = append(l.Windows, w)
		offset = units.RoundUp(w.End(), align)
	}

	l.TotalBytes = units.RoundUp(offset+l.OverheadEnd, align)

	if s.WholeDevice() {
		// No table, one implicit partition spanning the whole device.
		l.Windows[0].Length = l.TotalBytes
	}

	if fixedTotal > 0 {
		if l.TotalBytes > fixedTotal {
			return Layout{}, &FitError{NeededBytes: l.TotalBytes, FixedBytes: fixedTotal}
		}
		l.TotalBytes = fixedTotal
		if s.WholeDevice() {
			l.Windows[0].Length = fixedTotal
		}
	}

	if err := l.validate(s.Kind()); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// validate is the defensive check for strategy bugs: pairwise non-overlap,
// alignment of every offset and exclusion of the reserved regions.
func (l Layout) validate(kind string) error {
	prevEnd := l.OverheadStart
	for i, w := range l.Windows {
		if !units.Aligned(w.Offset, l.Alignment) {
			return &LayoutError{Table: kind, Detail: fmt.Sprintf("partition %d offset %d not aligned to %d", i+1, w.Offset, l.Alignment)}
		}
		if w.Offset < prevEnd {
			return &LayoutError{Table: kind, Detail: fmt.Sprintf("partition %d window [%d,%d) overlaps preceding region ending at %d", i+1, w.Offset, w.End(), prevEnd)}
		}
		prevEnd = w.End()
	}
	if prevEnd+l.OverheadEnd > l.TotalBytes {
		return &LayoutError{Table: kind, Detail: fmt.Sprintf("windows plus trailing reserved space (%d) exceed device size %d", prevEnd+l.OverheadEnd, l.TotalBytes)}
	}
	return nil
}
