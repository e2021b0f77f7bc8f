// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
	"github.com/bureau-foundation/clusterfs/lib/transform"
)

// copyBufferSize is the chunk size of read and write.
const copyBufferSize = 1 << 20

type initOutput struct {
	Backend        string `json:"backend"`
	Path           string `json:"path,omitempty"`
	CapacityBlocks uint64 `json:"capacity_blocks"`
	UsedBlocks     uint64 `json:"used_blocks"`
	Objects        int    `json:"objects"`
}

func initCommand(global *globalFlags) *cli.Command {
	var output cli.JSONOutput
	command := &cli.Command{
		Name:    "init",
		Summary: "Create the volume described by the config, or check an existing one",
		Description: `Open the volume described by the config, creating the tree database
and the volume super record if they do not exist, and report its
capacity. Opening an existing volume charges every stored cluster to
the capacity and fails if they no longer fit.`,
		Usage: "clusterfs init [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			output.Register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 0); err != nil {
			return err
		}
		v, cfg, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)

		objects, err := v.Engine.List(ctx)
		if err != nil {
			return err
		}
		stats := v.Stats()
		result := initOutput{
			Backend:        cfg.Volume.Backend,
			CapacityBlocks: stats.Space.Total,
			UsedBlocks:     stats.Space.Used,
			Objects:        len(objects),
		}
		if cfg.Volume.Backend != "memory" {
			result.Path = cfg.Volume.Path
		}
		if done, err := output.EmitJSON(result); done {
			return err
		}
		fmt.Fprintf(cli.Stdout, "volume %s (%s): %d objects, %d of %d blocks used\n",
			result.Path, result.Backend, result.Objects, result.UsedBlocks, result.CapacityBlocks)
		return nil
	}
	return command
}

func createCommand(global *globalFlags) *cli.Command {
	var (
		compression  string
		cipher       string
		mode         string
		clusterShift uint8
		output       cli.JSONOutput
	)
	command := &cli.Command{
		Name:    "create",
		Summary: "Create an empty object and print its id",
		Description: `Create an empty object. Transforms not given on the command line come
from the file section of the config. They are fixed for the life of
the object.`,
		Usage: "clusterfs create [flags]",
		Examples: []cli.Example{
			{Description: "Create an object with the volume defaults", Command: "clusterfs create"},
			{Description: "Create a zstd-compressed, AES-encrypted object with 16 KiB clusters", Command: "clusterfs create --compression zstd --cipher aes --cluster-shift 14"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flagSet.StringVar(&compression, "compression", "", "none, lz4, zstd, zlib or s2")
			flagSet.StringVar(&cipher, "cipher", "", "none, aes or xchacha20")
			flagSet.StringVar(&mode, "mode", "", "compression mode: none, force, lattice or ultimate")
			flagSet.Uint8Var(&clusterShift, "cluster-shift", 0, "log2 of the cluster size, 12 to 16")
			output.Register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 0); err != nil {
			return err
		}
		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)

		attrs := v.Engine.Defaults()
		if compression != "" {
			if attrs.Compression, err = transform.ParseCompression(compression); err != nil {
				return cli.Usagef("--compression: %v", err)
			}
		}
		if cipher != "" {
			if attrs.Cipher, err = transform.ParseCipher(cipher); err != nil {
				return cli.Usagef("--cipher: %v", err)
			}
		}
		if mode != "" {
			if attrs.Policy.Mode, err = transform.ParseMode(mode); err != nil {
				return cli.Usagef("--mode: %v", err)
			}
		}
		if clusterShift != 0 {
			attrs.ClusterShift = clusterShift
		}

		file, err := v.Engine.Create(ctx, attrs)
		if err != nil {
			return err
		}
		if done, err := output.EmitJSON(objectOutputOf(cryptcompress.ObjectInfo{ID: file.ObjectID(), Attributes: attrs})); done {
			return err
		}
		fmt.Fprintln(cli.Stdout, file.ObjectID())
		return nil
	}
	return command
}

func writeCommand(global *globalFlags) *cli.Command {
	var (
		offset int64
		input  string
	)
	command := &cli.Command{
		Name:    "write",
		Summary: "Write stdin or a file into an object",
		Usage:   "clusterfs write <id> [flags]",
		Examples: []cli.Example{
			{Description: "Copy a file into object 3", Command: "clusterfs write 3 --input disk.img"},
			{Description: "Patch bytes at 1 MiB", Command: "printf 'hello' | clusterfs write 3 --offset 1048576"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("write", pflag.ContinueOnError)
			flagSet.Int64Var(&offset, "offset", 0, "object offset of the first byte")
			flagSet.StringVar(&input, "input", "-", "file to read, - for stdin")
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 1); err != nil {
			return err
		}
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		if offset < 0 {
			return cli.Usagef("--offset must not be negative")
		}
		source := io.Reader(os.Stdin)
		if input != "-" {
			opened, err := os.Open(input)
			if err != nil {
				return err
			}
			defer opened.Close()
			source = opened
		}

		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		file, err := v.Engine.Open(ctx, id)
		if err != nil {
			return err
		}

		buffer := make([]byte, copyBufferSize)
		position := offset
		for {
			n, readErr := io.ReadFull(source, buffer)
			if n > 0 {
				if _, err := file.WriteAt(ctx, buffer[:n], position); err != nil {
					return fmt.Errorf("writing at %d: %w", position, err)
				}
				position += int64(n)
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			if readErr != nil {
				return readErr
			}
		}
		if err := file.Sync(ctx); err != nil {
			return fmt.Errorf("syncing object %d: %w", id, err)
		}
		accepts, discards := file.CompressionStats()
		logger.Info("object written",
			"object_id", id,
			"offset", offset,
			"bytes", position-offset,
			"size", file.Size(),
			"compressed_clusters", accepts,
			"compression_discards", discards,
		)
		return nil
	}
	return command
}

func readCommand(global *globalFlags) *cli.Command {
	var (
		offset int64
		length int64
	)
	command := &cli.Command{
		Name:    "read",
		Summary: "Copy an object, or a range of it, to stdout",
		Usage:   "clusterfs read <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("read", pflag.ContinueOnError)
			flagSet.Int64Var(&offset, "offset", 0, "object offset of the first byte")
			flagSet.Int64Var(&length, "length", -1, "bytes to copy, -1 for the rest of the object")
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 1); err != nil {
			return err
		}
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		if offset < 0 {
			return cli.Usagef("--offset must not be negative")
		}

		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		file, err := v.Engine.Open(ctx, id)
		if err != nil {
			return err
		}

		buffer := make([]byte, copyBufferSize)
		position, remaining := offset, length
		for remaining != 0 {
			chunk := buffer
			if remaining > 0 && remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
			n, readErr := file.ReadAt(ctx, chunk, position)
			if _, err := cli.Stdout.Write(chunk[:n]); err != nil {
				return err
			}
			position += int64(n)
			if remaining > 0 {
				remaining -= int64(n)
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				return fmt.Errorf("reading at %d: %w", position, readErr)
			}
		}
		return nil
	}
	return command
}

func truncateCommand(global *globalFlags) *cli.Command {
	command := &cli.Command{
		Name:    "truncate",
		Summary: "Set the size of an object",
		Description: `Set the size of an object. Shrinking discards the clusters past the
new end and cuts the last partial one; growing exposes zeros without
storing anything. Sizes accept units: 4096, 64KiB, 1.5GB.`,
		Usage: "clusterfs truncate <id> <size>",
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 2); err != nil {
			return err
		}
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		size, err := humanize.ParseBytes(args[1])
		if err != nil {
			return cli.Usagef("invalid size %q: %v", args[1], err)
		}

		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		file, err := v.Engine.Open(ctx, id)
		if err != nil {
			return err
		}
		previous := file.Size()
		if err := file.Truncate(ctx, int64(size)); err != nil {
			return err
		}
		logger.Info("object truncated", "object_id", id, "from", previous, "to", size)
		return nil
	}
	return command
}

type objectOutput struct {
	ID           uint64 `json:"id"`
	Size         int64  `json:"size"`
	ClusterShift uint8  `json:"cluster_shift"`
	Compression  string `json:"compression"`
	Cipher       string `json:"cipher"`
	Mode         string `json:"mode"`
}

func objectOutputOf(info cryptcompress.ObjectInfo) objectOutput {
	return objectOutput{
		ID:           info.ID,
		Size:         info.Size,
		ClusterShift: info.Attributes.ClusterShift,
		Compression:  info.Attributes.Compression.String(),
		Cipher:       info.Attributes.Cipher.String(),
		Mode:         info.Attributes.Policy.Mode.String(),
	}
}

type clusterOutput struct {
	Index       uint64 `json:"index"`
	State       string `json:"state"`
	Logical     int    `json:"logical"`
	Transformed int    `json:"transformed"`
	Items       int    `json:"items"`
}

type statOutput struct {
	objectOutput
	Clusters []clusterOutput `json:"clusters,omitempty"`
}

func statCommand(global *globalFlags) *cli.Command {
	var (
		clusters bool
		output   cli.JSONOutput
	)
	command := &cli.Command{
		Name:    "stat",
		Summary: "Describe an object and, optionally, each of its stored clusters",
		Usage:   "clusterfs stat <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stat", pflag.ContinueOnError)
			flagSet.BoolVar(&clusters, "clusters", false, "probe every cluster and list its disk state")
			output.Register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 1); err != nil {
			return err
		}
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		file, err := v.Engine.Open(ctx, id)
		if err != nil {
			return err
		}

		result := statOutput{objectOutput: objectOutputOf(cryptcompress.ObjectInfo{
			ID: id, Size: file.Size(), Attributes: file.Attributes(),
		})}
		if clusters {
			clusterSize := int64(file.Attributes().ClusterSize())
			count := uint64((file.Size() + clusterSize - 1) / clusterSize)
			for index := range count {
				info, err := file.Probe(ctx, index)
				if err != nil {
					return fmt.Errorf("probing cluster %d: %w", index, err)
				}
				result.Clusters = append(result.Clusters, clusterOutput{
					Index:       index,
					State:       info.State.String(),
					Logical:     info.Logical,
					Transformed: info.Transformed,
					Items:       info.Items,
				})
			}
		}
		if done, err := output.EmitJSON(result); done {
			return err
		}

		fmt.Fprintf(cli.Stdout, "object %d: %s (%d bytes)\n", id, humanize.IBytes(uint64(result.Size)), result.Size)
		fmt.Fprintf(cli.Stdout, "  cluster size %s, compression %s (%s), cipher %s\n",
			humanize.IBytes(uint64(file.Attributes().ClusterSize())), result.Compression, result.Mode, result.Cipher)
		if len(result.Clusters) > 0 {
			writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "  CLUSTER\tSTATE\tLOGICAL\tSTORED\tITEMS")
			for _, cluster := range result.Clusters {
				fmt.Fprintf(writer, "  %d\t%s\t%d\t%d\t%d\n",
					cluster.Index, cluster.State, cluster.Logical, cluster.Transformed, cluster.Items)
			}
			return writer.Flush()
		}
		return nil
	}
	return command
}

func lsCommand(global *globalFlags) *cli.Command {
	var output cli.JSONOutput
	command := &cli.Command{
		Name:    "ls",
		Summary: "List the objects of the volume",
		Usage:   "clusterfs ls [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
			output.Register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 0); err != nil {
			return err
		}
		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)

		objects, err := v.Engine.List(ctx)
		if err != nil {
			return err
		}
		listing := make([]objectOutput, 0, len(objects))
		for _, object := range objects {
			listing = append(listing, objectOutputOf(object))
		}
		if done, err := output.EmitJSON(listing); done {
			return err
		}

		writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tSIZE\tCLUSTER\tCOMPRESSION\tCIPHER")
		for _, object := range listing {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
				object.ID, humanize.IBytes(uint64(object.Size)),
				humanize.IBytes(uint64(1)<<object.ClusterShift), object.Compression, object.Cipher)
		}
		return writer.Flush()
	}
	return command
}

func rmCommand(global *globalFlags) *cli.Command {
	command := &cli.Command{
		Name:    "rm",
		Summary: "Remove objects and every stored cluster of them",
		Usage:   "clusterfs rm <id>...",
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if len(args) == 0 {
			return cli.Usagef("rm takes at least one object id")
		}
		ids := make([]uint64, 0, len(args))
		for _, arg := range args {
			id, err := parseObjectID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		for _, id := range ids {
			if err := v.Engine.Remove(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}
	return command
}

func syncCommand(global *globalFlags) *cli.Command {
	command := &cli.Command{
		Name:    "sync",
		Summary: "Open the volume, write back anything pending, and report space",
		Usage:   "clusterfs sync",
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 0); err != nil {
			return err
		}
		v, _, err := global.openVolume(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		if err := v.Engine.Sync(ctx); err != nil {
			return err
		}
		stats := v.Stats().Space
		fmt.Fprintf(cli.Stdout, "%d blocks used, %d reserved, %d free of %d\n",
			stats.Used, stats.Reserved, stats.Free, stats.Total)
		return nil
	}
	return command
}
