package fsys

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/diskbuild/diskbuild/pkg/tool"
	"github.com/diskbuild/diskbuild/pkg/units"
)

const (
	extBlockSize = 4 * units.KiB

	// Superblocks, group descriptors and inode tables.
	extBaseOverhead = 6 * units.MiB
	// Smallest journal mke2fs will create.
	extJournalOverhead = 4 * units.MiB

	ext2MinBytes = 4 * units.MiB
	extMinBytes  = 16 * units.MiB
)

// ExtConfig carries the per-partition mkfs.ext* options.
type ExtConfig struct {
	// Label is the filesystem label (mkfs -L).
	Label string
	// UUID pins the filesystem UUID (mkfs -U) so repeated builds produce
	// identical images. Empty lets the tool generate one.
	UUID string
	// Extra is appended verbatim to the mkfs command line.
	Extra []string
}

// Ext formats and populates ext2/ext3/ext4 windows using mkfs.ext* and
// debugfs. debugfs writes through the filesystem structures directly, so no
// mount and no root privileges are needed.
type Ext struct {
	runner  tool.Runner
	version int
	config  ExtConfig
}

func NewExt2(r tool.Runner, config ExtConfig) *Ext {
	return &Ext{runner: r, version: 2, config: config}
}

func NewExt3(r tool.Runner, config ExtConfig) *Ext {
	return &Ext{runner: r, version: 3, config: config}
}

func NewExt4(r tool.Runner, config ExtConfig) *Ext {
	return &Ext{runner: r, version: 4, config: config}
}

func (e *Ext) Kind() string { return fmt.Sprintf("ext%d", e.version) }

func (e *Ext) BlockAlign(n int64) int64 {
	return units.RoundUp(n, extBlockSize)
}

func (e *Ext) MinSizeBytes(items []Item) (int64, error) {
	content, err := ContentSize(items)
	if err != nil {
		return 0, err
	}

	overhead := int64(extBaseOverhead)
	min := int64(ext2MinBytes)
	if e.version >= 3 {
		overhead += extJournalOverhead
		min = extMinBytes
	}

	// Inode and extent metadata grows with the content, about 5%.
	size := e.BlockAlign(content + content/20 + overhead)
	if size < min {
		size = min
	}
	return size, nil
}

// Format runs mkfs.ext* against dev with an explicit block count derived
// from the authoritative window size.
func (e *Ext) Format(ctx context.Context, dev string, size int64) error {
	if size%extBlockSize != 0 {
		return fmt.Errorf("%s size %d is not a multiple of the %d block size", e.Kind(), size, extBlockSize)
	}

	args := []string{"-F", "-q", "-b", strconv.FormatInt(extBlockSize, 10)}
	if e.config.Label != "" {
		args = append(args, "-L", e.config.Label)
	}
	if e.config.UUID != "" {
		args = append(args, "-U", e.config.UUID)
	}
	args = append(args, e.config.Extra...)
	args = append(args, dev, strconv.FormatInt(size/extBlockSize, 10))

	_, err := e.runner.Run(ctx, "mkfs."+e.Kind(), args, nil)
	return err
}

// Populate compiles the queued items into one debugfs script and runs it
// in a single invocation.
func (e *Ext) Populate(ctx context.Context, dev string, items []Item, scratch string) error {
	script, cleanup, err := e.compileScript(items, scratch)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(script) == 0 {
		return nil
	}

	scriptFile, err := os.CreateTemp(scratch, "debugfs-*")
	if err != nil {
		return fmt.Errorf("write debugfs script: %w", err)
	}
	defer os.Remove(scriptFile.Name())

	if _, err := scriptFile.WriteString(strings.Join(script, "\n") + "\n"); err != nil {
		scriptFile.Close()
		return fmt.Errorf("write debugfs script: %w", err)
	}
	if err := scriptFile.Close(); err != nil {
		return fmt.Errorf("write debugfs script: %w", err)
	}

	_, err = e.runner.Run(ctx, "debugfs", []string{"-w", "-f", scriptFile.Name(), dev}, nil)
	return err
}

func (e *Ext) compileScript(items []Item, scratch string) ([]string, func(), error) {
	var script []string
	var spooled []string
	cleanup := func() {
		for _, p := range spooled {
			os.Remove(p)
		}
	}

	for _, item := range items {
		switch item.kind {
		case itemDir:
			cmds, err := extMkdir(item.dest)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			script = append(script, cmds...)
		case itemFile:
			cmds, err := extWrite(item.dest, item.source, path.Base(item.source), item)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			script = append(script, cmds...)
		case itemStream:
			p, err := spool(item, scratch)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			spooled = append(spooled, p)
			cmds, err := extWrite(path.Dir(item.dest), p, path.Base(item.dest), item)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			script = append(script, cmds...)
		case itemTree:
			cmds, err := extTree(item)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			script = append(script, cmds...)
		}
	}
	return script, cleanup, nil
}

// extTree emits mkdir and write commands for a whole directory tree, in
// walk order so parents always exist before their children.
func extTree(item Item) ([]string, error) {
	var script []string
	root := filepath.Clean(item.source)
	base := path.Join(item.dest, filepath.Base(root))

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		target := path.Join(base, filepath.ToSlash(rel))

		if d.IsDir() {
			cmds, err := extMkdir(target)
			if err != nil {
				return err
			}
			script = append(script, cmds...)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return err
			}
			cmds, err := extSymlink(target, linkTarget)
			if err != nil {
				return err
			}
			script = append(script, cmds...)
			return nil
		}
		if !d.Type().IsRegular() {
			// Device nodes, fifos and sockets cannot be created through a
			// debugfs script.
			return fmt.Errorf("cannot copy %s: unsupported file type %s", p, d.Type())
		}
		cmds, err := extWrite(path.Dir(target), p, path.Base(target), item)
		if err != nil {
			return err
		}
		script = append(script, cmds...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk content tree %s: %w", item.source, err)
	}
	return script, nil
}

func extSymlink(dest, target string) ([]string, error) {
	dest = cleanDest(dest)
	for _, s := range []string{dest, target} {
		if err := extQuoteCheck(s); err != nil {
			return nil, err
		}
	}
	return []string{fmt.Sprintf("symlink %q %q", dest, target)}, nil
}

func extMkdir(dir string) ([]string, error) {
	dir = cleanDest(dir)
	if err := extQuoteCheck(dir); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("mkdir %q", dir)}, nil
}

func extWrite(destDir, source, name string, item Item) ([]string, error) {
	destDir = cleanDest(destDir)
	for _, s := range []string{destDir, source, name} {
		if err := extQuoteCheck(s); err != nil {
			return nil, err
		}
	}

	script := []string{
		fmt.Sprintf("cd %q", destDir),
		fmt.Sprintf("write %q %q", source, name),
	}

	// sif patches the inode after the write; debugfs has no chmod/chown.
	target := path.Join(destDir, name)
	if item.mode >= 0 {
		// Keep the regular-file type bits; sif replaces the whole field.
		script = append(script, fmt.Sprintf("sif %q mode 0100%03o", target, item.mode&0o777))
	}
	if item.uid >= 0 {
		script = append(script, fmt.Sprintf("sif %q uid %d", target, item.uid))
	}
	if item.gid >= 0 {
		script = append(script, fmt.Sprintf("sif %q gid %d", target, item.gid))
	}
	return script, nil
}

// extQuoteCheck rejects double quotes, which debugfs cannot escape inside
// a script.
func extQuoteCheck(s string) error {
	if strings.Contains(s, `"`) {
		return fmt.Errorf("path %q contains a double quote, unsupported by debugfs", s)
	}
	return nil
}
