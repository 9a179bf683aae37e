// Package fsys provides the filesystem adapters used to format and populate
// one partition's byte window. Each adapter knows its minimum viable size,
// its block rounding rule and the external tools that write its on-disk
// format. Adapters operate on a staging file sized exactly to the partition
// window; the image builder merges the staging file into the shared image,
// so no tool can ever write outside its window.
package fsys

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Filesystem is implemented once per supported filesystem kind. One
// instance is bound to exactly one partition.
type Filesystem interface {
	// Kind returns the filesystem name, e.g. "fat32" or "ext4".
	Kind() string

	// MinSizeBytes returns the smallest partition size that can hold the
	// queued items plus filesystem overhead, rounded per the filesystem's
	// block rule. Advisory while content is still being added.
	MinSizeBytes(items []Item) (int64, error)

	// BlockAlign rounds a caller-requested size up to the filesystem's
	// native block granularity.
	BlockAlign(n int64) int64

	// Format writes an empty filesystem onto dev, a plain file of exactly
	// size bytes. The size is passed explicitly; adapters must hand it to
	// the external tool rather than let the tool infer it from the file.
	Format(ctx context.Context, dev string, size int64) error

	// Populate copies the queued items into the formatted dev. scratch is
	// a writable directory for spooled streams and generated scripts.
	Populate(ctx context.Context, dev string, items []Item, scratch string) error
}

type itemKind int

const (
	itemFile itemKind = iota
	itemTree
	itemDir
	itemStream
)

// Item is one content request queued against a partition: a source (path
// or byte stream) and a destination path inside the filesystem. Mode and
// owner are honoured by filesystems that store them (ext), and ignored by
// those that don't (FAT).
type Item struct {
	kind   itemKind
	source string
	reader io.Reader
	size   int64
	dest   string

	// ext only; -1 means "leave the tool default".
	mode     int64
	uid, gid int
}

// File copies a single file to the directory dest inside the filesystem.
func File(source, dest string) Item {
	return Item{kind: itemFile, source: source, dest: cleanDest(dest), mode: -1, uid: -1, gid: -1}
}

// Tree recursively copies the directory source under dest.
func Tree(source, dest string) Item {
	return Item{kind: itemTree, source: source, dest: cleanDest(dest), mode: -1, uid: -1, gid: -1}
}

// Dir creates the directory dest inside the filesystem.
func Dir(dest string) Item {
	return Item{kind: itemDir, dest: cleanDest(dest), mode: -1, uid: -1, gid: -1}
}

// Stream writes size bytes from r to the file dest inside the filesystem.
// The stream is spooled to the scratch directory before the copy tool runs.
func Stream(r io.Reader, size int64, dest string) Item {
	return Item{kind: itemStream, reader: r, size: size, dest: cleanDest(dest), mode: -1, uid: -1, gid: -1}
}

// WithOwner sets mode, uid and gid on the created files. Only effective on
// filesystems that store ownership.
func (i Item) WithOwner(mode int64, uid, gid int) Item {
	i.mode = mode
	i.uid = uid
	i.gid = gid
	return i
}

// cleanDest makes destinations absolute and collapses duplicate slashes;
// debugfs in particular breaks on both.
func cleanDest(dest string) string {
	if dest == "" {
		return "/"
	}
	return filepath.ToSlash(filepath.Clean("/" + dest))
}

// ContentSize sums the declared sizes of all items: file sizes, recursive
// tree sizes and stream lengths. Directories are free at this level; the
// per-filesystem overhead model accounts for metadata.
func ContentSize(items []Item) (int64, error) {
	var total int64
	for _, item := range items {
		switch item.kind {
		case itemFile:
			info, err := os.Stat(item.source)
			if err != nil {
				return 0, fmt.Errorf("stat content %s: %w", item.source, err)
			}
			total += info.Size()
		case itemTree:
			size, err := treeSize(item.source)
			if err != nil {
				return 0, err
			}
			total += size
		case itemStream:
			total += item.size
		case itemDir:
			// metadata only
		}
	}
	return total, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk content tree %s: %w", root, err)
	}
	return total, nil
}

// spool writes a stream item to a regular file in scratch so path-based
// copy tools can pick it up. The caller removes scratch as a whole.
func spool(item Item, scratch string) (string, error) {
	f, err := os.CreateTemp(scratch, "stream-*")
	if err != nil {
		return "", fmt.Errorf("spool stream: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, item.reader)
	if err != nil {
		return "", fmt.Errorf("spool stream: %w", err)
	}
	if n != item.size {
		return "", fmt.Errorf("stream for %s declared %d bytes but yielded %d", item.dest, item.size, n)
	}
	return f.Name(), nil
}
