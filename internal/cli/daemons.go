package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/perryl/distbuild/internal/cachestore"
	"github.com/perryl/distbuild/internal/config"
	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/initiator"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/notify"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/worker"
)

// ControllerOptions holds flags for the controller command.
type ControllerOptions struct {
	*RootOptions
	Listen  string
	Workers []string
}

// NewControllerCommand creates the controller command.
func NewControllerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ControllerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the build controller",
		Long: `Run the build controller daemon.

The controller accepts initiator connections, keeps every configured worker
connected and schedules builds onto them.

Example:
  distbuild controller --config distbuild.yaml
  distbuild controller --worker w1:3434 --worker w2:3434`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "initiator listen address (overrides config)")
	cmd.Flags().StringArrayVar(&opts.Workers, "worker", nil, "worker address host:port, repeatable (overrides config)")
	return cmd
}

func runController(cmd *cobra.Command, opts *ControllerOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Controller.ListenAddr = opts.Listen
	}
	if len(opts.Workers) > 0 {
		cfg.Controller.Workers = opts.Workers
	}
	if err := cfg.ValidateController(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	c := cfg.Controller

	ctx, stop := signalContext(cmd)
	defer stop()

	schema, err := protocol.NewSchema()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load protocol schema", err)
	}

	srv, err := initiator.NewServer(ctx, initiator.ServerConfig{
		ListenAddr: c.ListenAddr,
		Controller: controller.Config{
			GraphCommand:     c.GraphCommand,
			ArtifactCacheURL: c.ArtifactCacheURL,
		},
		Workers: worker.ConnectorConfig{
			Workers:           c.Workers,
			CachePort:         c.WorkerCachePort,
			WriteableCacheURL: c.WriteableCacheURL,
			BuildCommand:      c.WorkerBuildCommand,
		},
		DialTimeout: c.DialTimeout,
	}, helper.NewLocalExecutor(c.HelperTimeout, false), schema, mainloop.UUIDv7Generator{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start controller", err)
	}

	if c.RedisURL != "" {
		pub, err := startPublisher(ctx, c)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				slog.Error("error closing redis publisher", "error", err)
			}
		}()
		srv.Observe(pub.Machine)
	}

	slog.Info("controller listening", "addr", srv.Addr(), "workers", len(c.Workers))
	if err := srv.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "controller stopped", err)
	}
	slog.Info("controller stopped")
	return nil
}

func startPublisher(ctx context.Context, c config.Controller) (*notify.Publisher, error) {
	pub, err := notify.New(c.RedisURL, c.RedisChannel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid redis_url", err)
	}
	// An unreachable Redis only costs the published events.
	if err := pub.Ping(ctx); err != nil {
		slog.Warn("redis not reachable; events will be dropped until it is", "url", c.RedisURL, "error", err)
	}
	go pub.Run(ctx)
	slog.Info("publishing build events", "channel", c.RedisChannel)
	return pub, nil
}

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Listen   string
	CacheDir string
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a build worker",
		Long: `Run the worker exec daemon and the worker's artifact cache server.

The controller connects to the exec daemon to run builds; the shared cache
pulls finished artifacts from the worker's cache server.

Example:
  distbuild worker --cache-dir /var/cache/distbuild`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "exec daemon listen address (overrides config)")
	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", "", "local artifact cache directory (overrides config)")
	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Worker.ListenAddr = opts.Listen
	}
	if opts.CacheDir != "" {
		cfg.Worker.CacheDir = opts.CacheDir
	}
	if err := cfg.ValidateWorker(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	dir, err := cachestore.OpenDir(cfg.Worker.CacheDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache directory", err)
	}
	schema, err := protocol.NewSchema()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load protocol schema", err)
	}
	daemon, err := worker.NewDaemon(ctx, worker.DaemonConfig{ListenAddr: cfg.Worker.ListenAddr},
		workerExecutor(cfg.Worker), schema)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start worker", err)
	}

	cacheErr := make(chan error, 1)
	go func() {
		cacheErr <- cachestore.ListenAndServe(ctx, cfg.Worker.CacheListenAddr, cachestore.NewServer(dir, cachestore.Options{}))
	}()

	slog.Info("worker listening", "addr", daemon.Addr(), "cache", cfg.Worker.CacheListenAddr)
	runErr := daemon.Run(ctx)
	stop()
	if err := errors.Join(runErr, <-cacheErr); err != nil {
		return WrapExitError(ExitFailure, "worker stopped", err)
	}
	return nil
}

// CacheServerOptions holds flags for the cache-server command.
type CacheServerOptions struct {
	*RootOptions
	Listen string
	Dir    string
}

// NewCacheServerCommand creates the cache-server command.
func NewCacheServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache-server",
		Short: "Run the shared artifact cache",
		Long: `Run the shared artifact cache.

It answers cache checks and downloads, and pulls finished artifacts from
workers on request. Stored artifacts are indexed in SQLite.

Example:
  distbuild cache-server --dir /srv/artifacts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheServer(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "artifact directory (overrides config)")
	return cmd
}

func runCacheServer(cmd *cobra.Command, opts *CacheServerOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Cache.ListenAddr = opts.Listen
	}
	if opts.Dir != "" {
		cfg.Cache.Dir = opts.Dir
	}
	if err := cfg.ValidateCache(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	dir, err := cachestore.OpenDir(cfg.Cache.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache directory", err)
	}

	dbPath := cfg.Cache.Database
	if dbPath == "" {
		dbPath = ":memory:"
	}
	slog.Info("opening index", "path", dbPath)
	index, err := cachestore.OpenIndex(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open index", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			slog.Error("error closing index", "error", err)
		}
	}()

	ctx, stop := signalContext(cmd)
	defer stop()

	srv := cachestore.NewServer(dir, cachestore.Options{Index: index, AllowFetch: true})
	if err := cachestore.ListenAndServe(ctx, cfg.Cache.ListenAddr, srv); err != nil {
		return WrapExitError(ExitFailure, "cache server stopped", err)
	}
	return nil
}

// workerExecutor runs exec requests for the worker daemon, streaming output
// back as it arrives.
func workerExecutor(w config.Worker) *helper.LocalExecutor {
	return helper.NewLocalExecutor(w.HelperTimeout, true)
}
