package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/diskbuild/diskbuild/pkg/table"
)

// Build runs the full pipeline: resolve the layout, allocate the backing
// file, write the partition table, then format and populate every
// partition window in declaration order.
//
// Sizing and layout errors are raised before the file is created or
// touched. Once external tools have run, failures are not rolled back; the
// returned Result (non-nil even on error) records which partitions were
// populated so the caller can decide what to discard.
func (s *Spec) Build(ctx context.Context) (*Result, error) {
	if s.phase != PhaseCollecting {
		return nil, &StateError{Op: "build", Phase: s.phase}
	}

	result := &Result{
		Path:  s.path,
		Table: s.strategy.Kind(),
		Phase: s.phase,
	}

	layout, entries, err := s.resolveLayout()
	if err != nil {
		s.phase = PhaseFailed
		result.Phase = s.phase
		return result, err
	}
	s.phase = PhaseLayoutResolved
	result.Phase = s.phase
	result.Layout = layout
	result.TotalBytes = layout.TotalBytes

	for i, p := range s.parts {
		p.window = layout.Windows[i]
		p.resolved = true
		result.Partitions = append(result.Partitions, PartitionStatus{
			Number: p.Number(),
			FSKind: p.fs.Kind(),
			Window: p.window,
		})
	}

	s.logger.InfoContext(ctx, "layout resolved",
		"path", s.path,
		"table", s.strategy.Kind(),
		"partitions", len(s.parts),
		"size_bytes", layout.TotalBytes)

	if err := createSparseFile(s.path, layout.TotalBytes); err != nil {
		s.phase = PhaseFailed
		result.Phase = s.phase
		return result, &PhaseError{Phase: "allocate", Err: err}
	}

	if err := s.strategy.WriteTable(ctx, s.path, layout, entries); err != nil {
		// The file now has an undefined partial table; it is left in
		// place for the caller to inspect or discard.
		s.phase = PhaseFailed
		result.Phase = s.phase
		return result, &PhaseError{Phase: "write-table", Err: err}
	}
	s.phase = PhaseTableWritten
	result.Phase = s.phase
	s.logger.DebugContext(ctx, "partition table written", "path", s.path, "table", s.strategy.Kind())

	img, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		s.phase = PhaseFailed
		result.Phase = s.phase
		return result, &PhaseError{Phase: "populate", Err: err}
	}
	defer img.Close()

	for i, p := range s.parts {
		dgst, err := s.buildPartition(ctx, img, p)
		if err != nil {
			s.phase = PhaseFailed
			result.Phase = s.phase
			return result, err
		}
		result.Partitions[i].Digest = dgst
		result.Partitions[i].Populated = true
		s.logger.InfoContext(ctx, "partition populated",
			"partition", p.Number(),
			"fs", p.fs.Kind(),
			"offset", p.window.Offset,
			"length", p.window.Length,
			"digest", dgst)
	}

	if err := img.Close(); err != nil {
		s.phase = PhaseFailed
		result.Phase = s.phase
		return result, &PhaseError{Phase: "populate", Err: err}
	}

	s.phase = PhasePopulated
	result.Phase = s.phase
	s.logger.InfoContext(ctx, "image built", "path", s.path, "size_bytes", layout.TotalBytes)
	return result, nil
}

// resolveLayout reconciles the two size models: each filesystem's block
// accounting against the partition table geometry.
func (s *Spec) resolveLayout() (table.Layout, []table.Entry, error) {
	if len(s.parts) == 0 {
		return table.Layout{}, nil, fmt.Errorf("no partitions declared")
	}

	sizes := make([]int64, 0, len(s.parts))
	entries := make([]table.Entry, 0, len(s.parts))
	for _, p := range s.parts {
		min, err := p.MinSizeBytes()
		if err != nil {
			return table.Layout{}, nil, fmt.Errorf("partition %d: %w", p.Number(), err)
		}

		size := min
		if p.opts.FixedSize > 0 {
			fixed := p.fs.BlockAlign(p.opts.FixedSize)
			if min > fixed {
				return table.Layout{}, nil, &SizingError{Partition: p.Number(), NeedBytes: min, HaveBytes: fixed}
			}
			size = fixed
		}
		sizes = append(sizes, size)
		entries = append(entries, table.Entry{
			Index:    p.index,
			FSKind:   p.fs.Kind(),
			Label:    p.opts.Label,
			GUID:     p.opts.GUID,
			TypeGUID: p.opts.TypeGUID,
			Bootable: p.opts.Bootable,
		})
	}

	layout, err := table.ComputeLayout(s.strategy, sizes, s.align, s.fixed)
	if err != nil {
		var fit *table.FitError
		if errors.As(err, &fit) {
			return table.Layout{}, nil, &SizingError{NeedBytes: fit.NeededBytes, HaveBytes: fit.FixedBytes}
		}
		return table.Layout{}, nil, err
	}
	return layout, entries, nil
}

// buildPartition formats and populates one partition via a staging file of
// exactly the window length, then merges it into the image. Keeping the
// tools on a dedicated file guarantees nothing is written outside the
// window.
func (s *Spec) buildPartition(ctx context.Context, img *os.File, p *Partition) (digest.Digest, error) {
	scratch := s.scratch
	if scratch == "" {
		scratch = filepath.Dir(s.path)
	}

	staging := filepath.Join(scratch, fmt.Sprintf("%s-p%d.tmp", filepath.Base(s.path), p.Number()))
	defer os.Remove(staging)

	if err := createSparseFile(staging, p.window.Length); err != nil {
		return "", &PhaseError{Phase: "format", Partition: p.Number(), Err: err}
	}

	if err := p.fs.Format(ctx, staging, p.window.Length); err != nil {
		return "", &PhaseError{Phase: "format", Partition: p.Number(), Err: err}
	}

	if err := p.fs.Populate(ctx, staging, p.items, scratch); err != nil {
		return "", &PhaseError{Phase: "populate", Partition: p.Number(), Err: err}
	}
	// Content is consumed, not retained.
	p.items = nil

	d, err := copyIntoWindow(img, staging, p.window)
	if err != nil {
		return "", &PhaseError{Phase: "merge", Partition: p.Number(), Err: err}
	}
	return d, nil
}
