// Package convert is the top-level orchestrator: it runs
// the reader, planner, relocator, and writer in sequence against a
// single device, turning it from a Btrfs filesystem into an Ext4 one
// in place.
package convert

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
	"github.com/YukaC/btrfs2ext4-sub000/lib/inodemap"
	"github.com/YukaC/btrfs2ext4-sub000/lib/migmap"
	"github.com/YukaC/btrfs2ext4-sub000/lib/relocate"
)

// Options configures one conversion run.
type Options struct {
	DevicePath    string
	Subvolume     btrfsprim.ObjID
	BlockSize     uint32
	InodeRatio    uint32
	WorkDir       string
	MemoryLimit   int64
	DryRun        bool
}

// Result summarizes a completed (or dry-run) conversion for the CLI to
// report.
type Result struct {
	Layout        *ext4layout.Layout
	InodesWritten int
	RelocatedRuns int
	DryRun        bool
}

// Run performs the full three-pass conversion described for this
// converter: Pass 1 reads the Btrfs volume, Pass 2 plans the Ext4
// geometry and relocates any Btrfs extent that conflicts with Ext4
// metadata (saving a migration map so the operation is resumable/
// rollback-able), Pass 3 writes every Ext4 structure. On DryRun, Pass 1
// and the planning half of Pass 2 run (so the caller learns whether
// the conversion is even possible) but nothing is written.
func Run(ctx context.Context, opts Options) (*Result, error) {
	dlog.Infof(ctx, "opening %s", opts.DevicePath)
	dev, err := diskio.Open[btrfsvol.PhysicalAddr](opts.DevicePath, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("convert: opening %s: %w", opts.DevicePath, err)
	}
	defer dev.Close()

	// Pass 3 addresses the same device by plain byte offset rather than
	// a Btrfs physical address, so it gets its own handle (diskio.File
	// is parameterized on address type, not on the underlying fd).
	imgDev, err := diskio.Open[int64](opts.DevicePath, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("convert: opening %s for writing: %w", opts.DevicePath, err)
	}
	defer imgDev.Close()

	dlog.Infof(ctx, "pass 1: reading btrfs volume")
	fs, err := reader.Read[btrfsvol.PhysicalAddr](dev, opts.Subvolume)
	if err != nil {
		return nil, fmt.Errorf("convert: reading btrfs volume: %w", err)
	}
	dlog.Infof(ctx, "pass 1: found %d inodes", len(fs.Inodes))

	layoutOpts := ext4layout.Options{
		DeviceSize: int64(dev.Size()),
		BlockSize:  opts.BlockSize,
		InodeRatio: opts.InodeRatio,
	}
	layout, err := ext4layout.Plan(layoutOpts, fs)
	if err != nil {
		return nil, fmt.Errorf("convert: planning ext4 geometry: %w", err)
	}
	dlog.Infof(ctx, "pass 2: planned %d groups, %d total blocks", len(layout.Groups), layout.TotalBlocks)

	if opts.DryRun {
		return &Result{Layout: layout, DryRun: true}, nil
	}

	plan, err := relocate.BuildPlan(layout, fs)
	if err != nil {
		return nil, fmt.Errorf("convert: building relocation plan: %w", err)
	}
	dlog.Infof(ctx, "pass 2: relocating %d conflicting runs", len(plan.Entries))

	if err := migmap.Save(dev, int64(dev.Size()), int64(layout.BlockSize), plan); err != nil {
		return nil, fmt.Errorf("convert: saving migration map: %w", err)
	}

	if err := relocate.Execute(ctx, dev, plan); err != nil {
		return nil, fmt.Errorf("convert: executing relocation plan: %w", err)
	}
	relocate.RewriteExtents(fs, plan)

	im := inodemap.New(opts.WorkDir, opts.MemoryLimit)
	defer im.Close()

	order := orderedInodes(fs)
	for _, fe := range order {
		if _, err := im.Add(fe.Ino); err != nil {
			return nil, fmt.Errorf("convert: assigning inode number for objectid %d: %w", fe.Ino, err)
		}
	}

	dlog.Infof(ctx, "pass 3: writing ext4 metadata")
	if err := writePass(ctx, imgDev, dev, layout, fs, im, order); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	return &Result{Layout: layout, InodesWritten: len(order), RelocatedRuns: len(plan.Entries)}, nil
}

// orderedInodes sorts every FileEntry by (parent objectid, objectid)
// so Pass 3 assigns inode numbers and writes directory entries in an
// order that keeps sibling files' inode numbers close together on disk,
// the way mke2fs lays out a freshly populated filesystem.
func orderedInodes(fs *reader.FsInfo) []*reader.FileEntry {
	entries := make([]*reader.FileEntry, 0, len(fs.Inodes))
	for _, fe := range fs.Inodes {
		entries = append(entries, fe)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ParentIno != b.ParentIno {
			return a.ParentIno < b.ParentIno
		}
		return a.Ino < b.Ino
	})
	return entries
}
