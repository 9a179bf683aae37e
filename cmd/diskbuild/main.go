// Command diskbuild assembles a partitioned disk image from directories,
// files and container images, without root or loop devices.
//
// Example:
//
//	diskbuild -out sdcard.img -table gpt \
//	  -part fs=fat32,label=BOOT,bootable,src=dist/boot \
//	  -part fs=ext4,label=rootfs,extra=64MiB,image=alpine:3.20
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskbuild/diskbuild/internal/db"
	"github.com/diskbuild/diskbuild/pkg/fsys"
	"github.com/diskbuild/diskbuild/pkg/image"
	"github.com/diskbuild/diskbuild/pkg/lock"
	"github.com/diskbuild/diskbuild/pkg/oci"
	"github.com/diskbuild/diskbuild/pkg/table"
	"github.com/diskbuild/diskbuild/pkg/tool"
	"github.com/diskbuild/diskbuild/pkg/units"
)

type partSpec struct {
	fs       string
	size     int64
	extra    int64
	label    string
	guid     string
	typeGUID string
	bootable bool
	src      string
	imageRef string
}

// partSpecs collects repeated -part flags.
type partSpecs []partSpec

func (p *partSpecs) String() string {
	return fmt.Sprintf("%d partitions", len(*p))
}

func (p *partSpecs) Set(value string) error {
	spec := partSpec{}
	for _, field := range strings.Split(value, ",") {
		key, val, hasVal := strings.Cut(field, "=")
		switch key {
		case "fs":
			spec.fs = val
		case "size":
			n, err := units.Parse(val)
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			spec.size = n
		case "extra":
			n, err := units.Parse(val)
			if err != nil {
				return fmt.Errorf("extra: %w", err)
			}
			spec.extra = n
		case "label":
			spec.label = val
		case "guid":
			spec.guid = val
		case "type-guid":
			spec.typeGUID = val
		case "bootable":
			if hasVal {
				return fmt.Errorf("bootable takes no value")
			}
			spec.bootable = true
		case "src":
			spec.src = val
		case "image":
			spec.imageRef = val
		default:
			return fmt.Errorf("unknown partition field %q", key)
		}
	}
	if spec.fs == "" {
		return fmt.Errorf("partition needs fs=")
	}
	*p = append(*p, spec)
	return nil
}

func main() {
	var (
		out      = flag.String("out", "", "output image path (required)")
		tableArg = flag.String("table", "gpt", "partition table: gpt, mbr or none")
		sizeArg  = flag.String("size", "", "fixed device size, e.g. 2GiB (default: minimal fit)")
		alignArg = flag.String("align", "1MiB", "partition alignment")
		scratch  = flag.String("scratch", "", "scratch directory for staging files")
		journal  = flag.String("journal", "", "sqlite journal path (optional)")
		manifest = flag.String("manifest", "", "write a JSON build manifest to this path")
		verbose  = flag.Bool("v", false, "debug logging")
		parts    partSpecs
	)
	flag.Var(&parts, "part", "partition spec: fs=ext4,label=root,src=DIR (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *out == "" || len(parts) == 0 {
		fmt.Fprintln(os.Stderr, "diskbuild: -out and at least one -part are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), logger, *out, *tableArg, *sizeArg, *alignArg, *scratch, *journal, *manifest, parts); err != nil {
		fmt.Fprintf(os.Stderr, "diskbuild: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, out, tableArg, sizeArg, alignArg, scratchDir, journalPath, manifestPath string, parts partSpecs) error {
	strategy, err := pickStrategy(tableArg)
	if err != nil {
		return err
	}

	opts := image.Options{ScratchDir: scratchDir, Logger: logger}
	if alignArg != "" {
		if opts.Alignment, err = units.Parse(alignArg); err != nil {
			return fmt.Errorf("-align: %w", err)
		}
	}
	if sizeArg != "" {
		if opts.FixedSize, err = units.Parse(sizeArg); err != nil {
			return fmt.Errorf("-size: %w", err)
		}
	}

	locker := lock.NewFileLocker()
	held, err := locker.AcquireLock(ctx, out)
	if err != nil {
		return err
	}
	defer held.Release()

	runner := tool.NewExecRunner()
	spec := image.New(out, strategy, opts)

	var rootfsDirs []string
	defer func() {
		for _, dir := range rootfsDirs {
			os.RemoveAll(dir)
		}
	}()
	for _, ps := range parts {
		rootfs, err := addPartition(ctx, logger, spec, runner, ps)
		if err != nil {
			return err
		}
		if rootfs != "" {
			rootfsDirs = append(rootfsDirs, rootfs)
		}
	}

	result, buildErr := spec.Build(ctx)

	if journalPath != "" && result != nil {
		if err := journalBuild(ctx, journalPath, result, buildErr); err != nil {
			logger.ErrorContext(ctx, "journal write failed", "error", err)
		}
	}
	if buildErr != nil {
		return buildErr
	}

	if manifestPath != "" {
		if err := writeManifest(manifestPath, result); err != nil {
			return err
		}
	}
	return nil
}

func pickStrategy(kind string) (table.Strategy, error) {
	switch kind {
	case "gpt":
		return table.NewGPT(), nil
	case "mbr":
		return table.NewMBR(), nil
	case "none":
		return table.NewNone(), nil
	default:
		return nil, fmt.Errorf("unknown table kind %q", kind)
	}
}

// addPartition declares one partition on the spec. When the partition is
// populated from a container image it returns the flattened rootfs
// directory; the caller removes it once the build is done with it.
func addPartition(ctx context.Context, logger *slog.Logger, spec *image.Spec, runner tool.Runner, ps partSpec) (string, error) {
	fs, err := pickFilesystem(runner, ps)
	if err != nil {
		return "", err
	}

	p, err := spec.AddPartition(fs, image.PartitionOptions{
		Label:      ps.label,
		GUID:       ps.guid,
		TypeGUID:   ps.typeGUID,
		Bootable:   ps.bootable,
		FixedSize:  ps.size,
		ExtraBytes: ps.extra,
	})
	if err != nil {
		return "", err
	}

	var rootfs string
	if ps.imageRef != "" {
		src, err := oci.NewRegistrySource(ps.imageRef)
		if err != nil {
			return "", err
		}
		rootfs, err = flattenImage(ctx, logger, p, src)
		if err != nil {
			return rootfs, err
		}
	}

	if ps.src != "" && ps.fs != "raw" {
		info, err := os.Stat(ps.src)
		if err != nil {
			return rootfs, err
		}
		if info.IsDir() {
			return rootfs, p.CopyTree(ps.src, "/")
		}
		return rootfs, p.Copy(ps.src, "/")
	}
	return rootfs, nil
}

// flattenImage materializes the container image into a temp directory and
// queues its contents at the partition's filesystem root. The directory is
// returned (even on error, once created) so the caller can remove it after
// the build.
func flattenImage(ctx context.Context, logger *slog.Logger, p *image.Partition, src oci.Source) (string, error) {
	rootfs, err := os.MkdirTemp("", "diskbuild-rootfs-")
	if err != nil {
		return "", fmt.Errorf("create rootfs dir: %w", err)
	}

	dgst, err := oci.NewFlattener().Materialize(ctx, src, rootfs)
	if err != nil {
		return rootfs, err
	}
	logger.InfoContext(ctx, "image flattened", "ref", src.Info(), "digest", dgst)

	// Merge the tree's contents at the filesystem root, not the temp
	// directory itself.
	entries, err := os.ReadDir(rootfs)
	if err != nil {
		return rootfs, err
	}
	for _, entry := range entries {
		full := filepath.Join(rootfs, entry.Name())
		if entry.IsDir() {
			err = p.CopyTree(full, "/")
		} else {
			err = p.Copy(full, "/")
		}
		if err != nil {
			return rootfs, err
		}
	}
	return rootfs, nil
}

func pickFilesystem(runner tool.Runner, ps partSpec) (fsys.Filesystem, error) {
	switch ps.fs {
	case "fat12":
		return fsys.NewFAT12(runner, fsys.FATConfig{Label: ps.label}), nil
	case "fat16":
		return fsys.NewFAT16(runner, fsys.FATConfig{Label: ps.label}), nil
	case "fat32":
		return fsys.NewFAT32(runner, fsys.FATConfig{Label: ps.label}), nil
	case "ext2":
		return fsys.NewExt2(runner, fsys.ExtConfig{Label: ps.label}), nil
	case "ext3":
		return fsys.NewExt3(runner, fsys.ExtConfig{Label: ps.label}), nil
	case "ext4":
		return fsys.NewExt4(runner, fsys.ExtConfig{Label: ps.label}), nil
	case "raw":
		if ps.src == "" {
			return nil, fmt.Errorf("raw partition needs src=")
		}
		return fsys.NewRaw(ps.src), nil
	default:
		return nil, fmt.Errorf("unknown filesystem %q", ps.fs)
	}
}

func journalBuild(ctx context.Context, path string, result *image.Result, buildErr error) error {
	journal, err := db.Open(ctx, path)
	if err != nil {
		return err
	}
	defer journal.Close()

	build := &db.Build{
		ImagePath:  result.Path,
		TableKind:  result.Table,
		TotalBytes: result.TotalBytes,
		Status:     result.Phase.String(),
	}
	if buildErr != nil {
		msg := buildErr.Error()
		build.Error = &msg
	}
	for _, p := range result.Partitions {
		build.Partitions = append(build.Partitions, db.BuildPartition{
			Ordinal:     p.Number,
			FSKind:      p.FSKind,
			OffsetBytes: p.Window.Offset,
			LengthBytes: p.Window.Length,
			Digest:      string(p.Digest),
		})
	}
	return db.InsertBuild(ctx, journal, build)
}

type manifestPartition struct {
	Number int    `json:"number"`
	FSKind string `json:"fs"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Digest string `json:"digest"`
}

type buildManifest struct {
	Path       string              `json:"path"`
	Table      string              `json:"table"`
	TotalBytes int64               `json:"total_bytes"`
	Status     string              `json:"status"`
	Partitions []manifestPartition `json:"partitions"`
}

func writeManifest(path string, result *image.Result) error {
	m := buildManifest{
		Path:       result.Path,
		Table:      result.Table,
		TotalBytes: result.TotalBytes,
		Status:     result.Phase.String(),
	}
	for _, p := range result.Partitions {
		m.Partitions = append(m.Partitions, manifestPartition{
			Number: p.Number,
			FSKind: p.FSKind,
			Offset: p.Window.Offset,
			Length: p.Window.Length,
			Digest: string(p.Digest),
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return image.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
