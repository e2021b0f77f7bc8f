// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/fusefs"
)

const metricsShutdownTimeout = 5 * time.Second

func mountCommand(global *globalFlags) *cli.Command {
	var (
		allowOther    bool
		metricsListen string
	)
	command := &cli.Command{
		Name:    "mount",
		Summary: "Serve the volume as a FUSE filesystem until interrupted",
		Description: `Mount the volume at a directory. Each object appears as a regular file
named by its decimal id; creating a file with a decimal name creates
the object with that id and the volume's default transforms.

The writeback loop runs while mounted. On SIGINT, SIGTERM or an
external unmount, every dirty cluster is written back before exit.`,
		Usage: "clusterfs mount <mountpoint> [flags]",
		Examples: []cli.Example{
			{Description: "Mount with metrics on localhost", Command: "clusterfs mount /mnt/volume --metrics-listen 127.0.0.1:9464"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mount", pflag.ContinueOnError)
			flagSet.BoolVar(&allowOther, "allow-other", false, "let other users access the mount (needs user_allow_other)")
			flagSet.StringVar(&metricsListen, "metrics-listen", "", "host:port for /metrics (default: metrics.listen of the config)")
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, logger *slog.Logger) (err error) {
		if err := command.RequireArgs(args, 1); err != nil {
			return err
		}
		mountpoint := args[0]

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		v, cfg, err := global.openVolume(ctx, logger, registry)
		if err != nil {
			return err
		}
		defer closeVolume(v, &err)
		if metricsListen == "" {
			metricsListen = cfg.Metrics.Listen
		}

		var listener net.Listener
		if metricsListen != "" {
			listener, err = net.Listen("tcp", metricsListen)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
		}

		v.StartWriteback(ctx)
		server, err := fusefs.Mount(fusefs.Options{
			Mountpoint: mountpoint,
			Engine:     v.Engine,
			AllowOther: allowOther,
			Logger:     logger,
		})
		if err != nil {
			if listener != nil {
				listener.Close()
			}
			return fmt.Errorf("mounting FUSE filesystem: %w", err)
		}
		logger.Info("volume mounted", "mountpoint", mountpoint, "metrics", metricsListen)

		mountContext, cancel := context.WithCancel(ctx)
		defer cancel()
		group, groupContext := errgroup.WithContext(mountContext)

		var unmounted atomic.Bool
		group.Go(func() error {
			server.Wait()
			unmounted.Store(true)
			cancel()
			return nil
		})
		group.Go(func() error {
			<-groupContext.Done()
			if unmounted.Load() {
				return nil
			}
			if err := server.Unmount(); err != nil {
				return fmt.Errorf("unmounting %s: %w", mountpoint, err)
			}
			return nil
		})

		if listener != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
				ErrorHandling: promhttp.HTTPErrorOnError,
			}))
			httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			group.Go(func() error {
				if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			group.Go(func() error {
				<-groupContext.Done()
				shutdownContext, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				defer shutdownCancel()
				return httpServer.Shutdown(shutdownContext)
			})
		}

		if err := group.Wait(); err != nil {
			return err
		}
		logger.Info("volume unmounted", "mountpoint", mountpoint)
		return nil
	}
	return command
}
