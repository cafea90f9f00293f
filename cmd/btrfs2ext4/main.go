package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/convert"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/migmap"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	var (
		dryRun      bool
		blockSize   uint32
		inodeRatio  uint32
		workDir     string
		memoryLimit int64
		subvolume   uint64
	)

	argparser := &cobra.Command{
		Use:           "btrfs2ext4 DEVICE",
		Short:         "Convert a Btrfs filesystem to Ext4 in place",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withLogging(cmd.Context(), logLevel.Level)

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("convert", func(ctx context.Context) error {
				result, err := convert.Run(ctx, convert.Options{
					DevicePath:  args[0],
					Subvolume:   btrfsprim.ObjID(subvolume),
					BlockSize:   blockSize,
					InodeRatio:  inodeRatio,
					WorkDir:     workDir,
					MemoryLimit: memoryLimit,
					DryRun:      dryRun,
				})
				if err != nil {
					return err
				}
				if result.DryRun {
					dlog.Infof(ctx, "dry run: would format %d groups, %d total blocks", len(result.Layout.Groups), result.Layout.TotalBlocks)
					if logLevel.Level >= logrus.DebugLevel {
						cfg := spew.NewDefaultConfig()
						cfg.DisablePointerAddresses = true
						dlog.Debugf(ctx, "planned layout:\n%s", cfg.Sdump(result.Layout))
					}
					return nil
				}
				dlog.Infof(ctx, "converted: wrote %d inodes, relocated %d runs", result.InodesWritten, result.RelocatedRuns)
				return nil
			})
			return grp.Wait()
		},
	}
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the log verbosity")
	argparser.Flags().BoolVar(&dryRun, "dry-run", false, "plan the conversion and report the resulting layout without writing anything")
	argparser.Flags().Uint32Var(&blockSize, "block-size", 4096, "ext4 block size in bytes (1024, 2048, or 4096)")
	argparser.Flags().Uint32Var(&inodeRatio, "inode-ratio", 16384, "bytes per inode, as passed to mke2fs -i")
	argparser.Flags().StringVar(&workDir, "workdir", os.TempDir(), "scratch directory for the inode map's spill file")
	argparser.Flags().Int64Var(&memoryLimit, "memory-limit", 0, "inode map in-memory budget in bytes (0 picks a default from available RAM)")
	argparser.Flags().Uint64Var(&subvolume, "subvolume", 5, "btrfs objectid of the subvolume to convert")

	rollbackCmd := &cobra.Command{
		Use:           "rollback DEVICE",
		Short:         "Undo a conversion that was interrupted before it completed",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withLogging(cmd.Context(), logLevel.Level)
			return runRollback(ctx, args[0], blockSize)
		},
	}
	rollbackCmd.Flags().Uint32Var(&blockSize, "block-size", 4096, "ext4 block size in bytes, matching the interrupted run")
	argparser.AddCommand(rollbackCmd)

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func withLogging(ctx context.Context, level logrus.Level) context.Context {
	logger := logrus.New()
	logger.SetLevel(level)
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}

// runRollback reopens the device directly (bypassing convert.Run's full
// pipeline, since rollback only ever needs the saved migration map) and
// undoes a conversion that saved a migration footer but never cleared it.
func runRollback(ctx context.Context, devicePath string, blockSize uint32) error {
	dev, deviceSize, err := openDeviceForRollback(devicePath)
	if err != nil {
		return err
	}
	defer dev.Close()

	dlog.Infof(ctx, "rolling back %s", devicePath)
	if err := migmap.Rollback(dev, deviceSize, int64(blockSize)); err != nil {
		return fmt.Errorf("btrfs2ext4 rollback: %w", err)
	}
	dlog.Infof(ctx, "rollback complete")
	return nil
}

func openDeviceForRollback(path string) (diskio.File[btrfsvol.PhysicalAddr], int64, error) {
	dev, err := diskio.Open[btrfsvol.PhysicalAddr](path, false)
	if err != nil {
		return nil, 0, fmt.Errorf("btrfs2ext4 rollback: opening %s: %w", path, err)
	}
	return dev, int64(dev.Size()), nil
}
