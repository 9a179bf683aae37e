package table

import (
	"errors"
	"testing"

	"github.com/diskbuild/diskbuild/pkg/units"
)

func TestComputeLayoutWindowsAlignedAndDisjoint(t *testing.T) {
	strategies := []Strategy{NewGPT(), NewMBR(), NewNone()}
	alignments := []int64{4 * units.KiB, 64 * units.KiB, 1 * units.MiB, 4 * units.MiB}
	sizeSets := [][]int64{
		{1},
		{units.SectorSize},
		{33 * units.MiB},
		{10*units.MiB + 13, 50 * units.MiB},
		{units.MiB, units.MiB, units.MiB, units.MiB},
	}

	for _, s := range strategies {
		for _, align := range alignments {
			for _, sizes := range sizeSets {
				if len(sizes) > s.MaxPartitions() {
					continue
				}
				l, err := ComputeLayout(s, sizes, align, 0)
				if err != nil {
					t.Errorf("%s align=%d sizes=%v: %v", s.Kind(), align, sizes, err)
					continue
				}

				prevEnd := l.OverheadStart
				for i, w := range l.Windows {
					if w.Offset%align != 0 {
						t.Errorf("%s align=%d: partition %d offset %d not aligned", s.Kind(), align, i+1, w.Offset)
					}
					if w.Offset < prevEnd {
						t.Errorf("%s align=%d: partition %d overlaps previous region", s.Kind(), align, i+1)
					}
					if w.Length < sizes[i] {
						t.Errorf("%s align=%d: partition %d window %d smaller than requested %d", s.Kind(), align, i+1, w.Length, sizes[i])
					}
					prevEnd = w.End()
				}
				if prevEnd+l.OverheadEnd > l.TotalBytes {
					t.Errorf("%s align=%d: windows and trailing overhead exceed device size", s.Kind(), align)
				}
				if l.TotalBytes%align != 0 {
					t.Errorf("%s align=%d: device size %d not aligned", s.Kind(), align, l.TotalBytes)
				}
			}
		}
	}
}

func TestComputeLayoutGPTOverheadArithmetic(t *testing.T) {
	align := int64(1 * units.MiB)
	g := NewGPT()
	l, err := ComputeLayout(g, []int64{33 * units.MiB, 50 * units.MiB}, align, 0)
	if err != nil {
		t.Fatal(err)
	}

	if l.OverheadStart != align {
		t.Errorf("gpt start overhead = %d, want one alignment unit %d", l.OverheadStart, align)
	}
	if l.Windows[0].Offset != align {
		t.Errorf("first window starts at %d, want %d", l.Windows[0].Offset, align)
	}

	// overhead_start + windows (with inter-window rounding) + overhead_end
	// must equal the device size exactly.
	sum := l.OverheadStart
	for _, w := range l.Windows {
		sum = units.RoundUp(sum, align) + w.Length
	}
	sum = units.RoundUp(sum, align) + l.OverheadEnd
	if units.RoundUp(sum, align) != l.TotalBytes {
		t.Errorf("overhead+windows = %d does not reconcile with device size %d", sum, l.TotalBytes)
	}

	// First and last usable LBAs must bracket all windows.
	firstUsable := int64(gptPrimarySectors)
	lastUsable := l.TotalBytes/units.SectorSize - gptBackupSectors - 1
	for i, w := range l.Windows {
		if w.Offset/units.SectorSize < firstUsable {
			t.Errorf("partition %d starts before the first usable LBA", i+1)
		}
		if (w.End()/units.SectorSize)-1 > lastUsable {
			t.Errorf("partition %d ends after the last usable LBA", i+1)
		}
	}
}

func TestComputeLayoutScenarioFATPlusExt(t *testing.T) {
	// A FAT32 partition sized for 10 MiB of content (variant floor 33 MiB)
	// plus an ext4 partition for 50 MiB of content, 1 MiB alignment.
	l, err := ComputeLayout(NewGPT(), []int64{33 * units.MiB, 61 * units.MiB}, units.MiB, 0)
	if err != nil {
		t.Fatal(err)
	}
	if l.Windows[0].Offset != 1*units.MiB {
		t.Errorf("fat window starts at %d, want exactly 1 MiB", l.Windows[0].Offset)
	}
	if l.Windows[1].Offset != 34*units.MiB {
		t.Errorf("ext window starts at %d, want 34 MiB", l.Windows[1].Offset)
	}
	if l.Windows[0].End() > l.Windows[1].Offset {
		t.Error("windows overlap")
	}
}

func TestComputeLayoutMBRPrimaryCap(t *testing.T) {
	sizes := []int64{units.MiB, units.MiB, units.MiB, units.MiB, units.MiB}
	_, err := ComputeLayout(NewMBR(), sizes, units.MiB, 0)

	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError for 5 primaries, got %v", err)
	}
	if capErr.Max != 4 || capErr.Got != 5 {
		t.Errorf("unexpected capacity error contents: %+v", capErr)
	}
}

func TestComputeLayoutFixedSizeTooSmall(t *testing.T) {
	_, err := ComputeLayout(NewMBR(), []int64{64 * units.MiB}, units.MiB, 32*units.MiB)

	var fitErr *FitError
	if !errors.As(err, &fitErr) {
		t.Fatalf("expected FitError, got %v", err)
	}
	if fitErr.FixedBytes != 32*units.MiB || fitErr.NeededBytes <= fitErr.FixedBytes {
		t.Errorf("unexpected fit error contents: %+v", fitErr)
	}
}

func TestComputeLayoutFixedSizeKept(t *testing.T) {
	fixed := int64(256 * units.MiB)
	l, err := ComputeLayout(NewGPT(), []int64{64 * units.MiB}, units.MiB, fixed)
	if err != nil {
		t.Fatal(err)
	}
	if l.TotalBytes != fixed {
		t.Errorf("fixed-size build produced device size %d, want %d", l.TotalBytes, fixed)
	}
}

func TestComputeLayoutNoneSpansWholeDevice(t *testing.T) {
	l, err := ComputeLayout(NewNone(), []int64{10*units.MiB + 1}, units.MiB, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Windows) != 1 {
		t.Fatalf("none strategy produced %d windows", len(l.Windows))
	}
	if l.Windows[0].Offset != 0 {
		t.Errorf("raw window starts at %d, want 0", l.Windows[0].Offset)
	}
	if l.Windows[0].Length != l.TotalBytes {
		t.Errorf("raw window length %d does not span device size %d", l.Windows[0].Length, l.TotalBytes)
	}
}

func TestMBRTypeBytes(t *testing.T) {
	cases := []struct {
		fs   string
		size int64
		want byte
	}{
		{"ext4", 64 * units.MiB, 0x83},
		{"fat12", 16 * units.MiB, 0x01},
		{"fat16", 16 * units.MiB, 0x04},
		{"fat16", 64 * units.MiB, 0x06},
		{"fat16", 9 * units.GiB, 0x0e},
		{"fat32", 64 * units.MiB, 0x0b},
		{"fat32", 9 * units.GiB, 0x0c},
		{"raw", units.MiB, 0x83},
	}
	for _, c := range cases {
		got, err := mbrTypeByte(c.fs, c.size)
		if err != nil {
			t.Errorf("mbrTypeByte(%q, %d): %v", c.fs, c.size, err)
			continue
		}
		if got != c.want {
			t.Errorf("mbrTypeByte(%q, %d) = %#x, want %#x", c.fs, c.size, got, c.want)
		}
	}

	if _, err := mbrTypeByte("zfs", units.MiB); err == nil {
		t.Error("unknown filesystem kind must be rejected")
	}
}
