// Package image provides the build orchestrator: it collects partitions,
// reconciles the partition table geometry with each filesystem's size
// model, allocates the backing file and drives the formatting and copy
// tools against per-partition windows, in a fixed safe order.
package image

import (
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/diskbuild/diskbuild/pkg/fsys"
	"github.com/diskbuild/diskbuild/pkg/table"
	"github.com/diskbuild/diskbuild/pkg/units"
)

// Phase is the build state. Transitions only move forward; a failure in
// any phase is terminal.
type Phase int

const (
	PhaseCollecting Phase = iota
	PhaseLayoutResolved
	PhaseTableWritten
	PhasePopulated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCollecting:
		return "collecting"
	case PhaseLayoutResolved:
		return "layout-resolved"
	case PhaseTableWritten:
		return "table-written"
	case PhasePopulated:
		return "populated"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Options configure a Spec. The zero value means minimal-fit sizing, 1 MiB
// alignment, staging next to the image and the default logger.
type Options struct {
	// Alignment is the boundary partition offsets and the device size are
	// rounded to. Defaults to 1 MiB.
	Alignment int64

	// FixedSize pins the total device size in bytes. Zero means
	// minimal-fit: the size is computed from content. A build whose
	// layout exceeds a fixed size fails before the file is touched.
	FixedSize int64

	// ScratchDir holds per-partition staging files and spooled streams.
	// Defaults to the directory of the image itself, which must be on a
	// filesystem large enough for the largest partition.
	ScratchDir string

	Logger *slog.Logger
}

// Spec is one disk image build: a target path, a partition table strategy
// and an ordered set of partitions. Partitions and content may be added
// until Build is called; afterwards the spec is terminal.
type Spec struct {
	path     string
	strategy table.Strategy
	align    int64
	fixed    int64
	scratch  string
	logger   *slog.Logger

	phase Phase
	parts []*Partition
}

// New creates a build spec for the image at path using the given partition
// table strategy.
func New(path string, strategy table.Strategy, opts Options) *Spec {
	align := opts.Alignment
	if align <= 0 {
		align = units.DefaultAlignment
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Spec{
		path:     path,
		strategy: strategy,
		align:    align,
		fixed:    opts.FixedSize,
		scratch:  opts.ScratchDir,
		logger:   logger,
		phase:    PhaseCollecting,
	}
}

// Path returns the target image path.
func (s *Spec) Path() string { return s.path }

// Phase returns the current build phase.
func (s *Spec) Phase() Phase { return s.phase }

// PartitionOptions carry the per-partition table metadata and sizing
// overrides.
type PartitionOptions struct {
	// Label is the partition name (GPT only).
	Label string

	// GUID pins the partition GUID (GPT only) for reproducible builds.
	GUID string

	// TypeGUID overrides the partition type GUID derived from the
	// filesystem kind (GPT only).
	TypeGUID string

	Bootable bool

	// FixedSize pins this partition's size in bytes, rounded up to the
	// filesystem's block rule. Content that does not fit fails the build
	// before any tool runs. Zero means minimal-fit.
	FixedSize int64

	// ExtraBytes is added on top of the computed minimum, for content
	// written after flashing.
	ExtraBytes int64
}

// Partition binds one filesystem adapter to one partition slot and
// accumulates content requests until the layout is finalized.
type Partition struct {
	spec  *Spec
	index int
	fs    fsys.Filesystem
	opts  PartitionOptions
	items []fsys.Item

	window   table.Window
	resolved bool
}

// AddPartition appends a partition bound to the given filesystem adapter.
// Partition order is declaration order and determines on-disk order.
func (s *Spec) AddPartition(fs fsys.Filesystem, opts PartitionOptions) (*Partition, error) {
	if s.phase != PhaseCollecting {
		return nil, &StateError{Op: "add partition", Phase: s.phase}
	}
	p := &Partition{spec: s, index: len(s.parts), fs: fs, opts: opts}
	s.parts = append(s.parts, p)
	return p, nil
}

// Number returns the one-based partition number.
func (p *Partition) Number() int { return p.index + 1 }

// Add queues content items. Append-only while collecting.
func (p *Partition) Add(items ...fsys.Item) error {
	if p.spec.phase != PhaseCollecting {
		return &StateError{Op: "add content", Phase: p.spec.phase}
	}
	p.items = append(p.items, items...)
	return nil
}

// Copy queues a single file for the directory dest inside the filesystem.
func (p *Partition) Copy(source, dest string) error {
	return p.Add(fsys.File(source, dest))
}

// CopyTree queues a recursive directory copy under dest.
func (p *Partition) CopyTree(source, dest string) error {
	return p.Add(fsys.Tree(source, dest))
}

// Mkdir queues directory creation.
func (p *Partition) Mkdir(dests ...string) error {
	items := make([]fsys.Item, 0, len(dests))
	for _, d := range dests {
		items = append(items, fsys.Dir(d))
	}
	return p.Add(items...)
}

// WriteReader queues size bytes from r as the file dest.
func (p *Partition) WriteReader(r io.Reader, size int64, dest string) error {
	return p.Add(fsys.Stream(r, size, dest))
}

// MinSizeBytes returns the current minimum viable size for this partition.
// Advisory while collecting; it grows as content is added.
func (p *Partition) MinSizeBytes() (int64, error) {
	min, err := p.fs.MinSizeBytes(p.items)
	if err != nil {
		return 0, err
	}
	return p.fs.BlockAlign(min + p.opts.ExtraBytes), nil
}

// Window returns the resolved byte window. Valid once the layout phase has
// completed.
func (p *Partition) Window() (table.Window, bool) {
	return p.window, p.resolved
}

// PartitionStatus reports the outcome for one partition after Build.
type PartitionStatus struct {
	Number    int
	FSKind    string
	Window    table.Window
	Digest    digest.Digest
	Populated bool
}

// Result is the outcome of a Build. On failure it still reports which
// partitions were populated; already committed bytes are not rolled back.
type Result struct {
	Path       string
	Table      string
	TotalBytes int64
	Layout     table.Layout
	Partitions []PartitionStatus
	Phase      Phase
}
