package cli

import (
	"github.com/spf13/cobra"

	"github.com/perryl/distbuild/internal/worker"
)

// WorkerBuildOptions holds flags for the worker-build command.
type WorkerBuildOptions struct {
	*RootOptions
	CacheDir string
}

// NewWorkerBuildCommand creates the worker-build command. Workers run it on
// behalf of the controller with the serialized artifact graph on stdin.
func NewWorkerBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerBuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:    "worker-build <artifact-basename>",
		Short:  "Build one artifact into the local cache",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.CacheDir != "" {
				cfg.Worker.CacheDir = opts.CacheDir
			}
			if err := cfg.ValidateWorker(); err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			err = worker.Build(ctx, worker.BuildConfig{
				CacheDir: cfg.Worker.CacheDir,
				Command:  cfg.Worker.BuildCommand,
			}, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitFailure, "worker build failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", "", "local artifact cache directory (overrides config)")
	return cmd
}
