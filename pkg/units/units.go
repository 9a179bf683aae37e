// Package units provides byte-size constants, parsing of human readable
// size strings and alignment rounding for disk layouts.
package units

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	KB int64 = 1000
	MB       = 1000 * KB
	GB       = 1000 * MB
	TB       = 1000 * GB

	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
	TiB       = 1024 * GiB

	// SectorSize is the logical block size all partition tables in this
	// module are computed against.
	SectorSize int64 = 512

	// DefaultAlignment is the boundary partition starts and the total
	// device size are rounded to unless the caller overrides it.
	DefaultAlignment = 1 * MiB
)

var suffixes = []struct {
	text  string
	bytes int64
}{
	{"KiB", KiB},
	{"MiB", MiB},
	{"GiB", GiB},
	{"TiB", TiB},
	{"KB", KB},
	{"MB", MB},
	{"GB", GB},
	{"TB", TB},
	{"B", 1},
}

// Parse converts a size string like "64MiB", "10MB" or "4096" (plain bytes)
// into a byte count.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	num := s
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix.text) {
			mult = suffix.bytes
			num = strings.TrimSpace(strings.TrimSuffix(s, suffix.text))
			break
		}
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}

	return n * mult, nil
}

// RoundUp rounds n up to the next multiple of boundary. A boundary of zero
// or less leaves n unchanged.
func RoundUp(n, boundary int64) int64 {
	if boundary <= 0 {
		return n
	}
	rem := n % boundary
	if rem == 0 {
		return n
	}
	return n + boundary - rem
}

// Aligned reports whether n is a multiple of boundary.
func Aligned(n, boundary int64) bool {
	return boundary > 0 && n%boundary == 0
}
