package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perryl/distbuild/internal/initiator"
	"github.com/perryl/distbuild/internal/protocol"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Controller  string
	OriginalRef string
	Components  []string
	Detach      bool
	Timeout     time.Duration
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build <repo> <ref> <morphology>",
		Short: "Request a distributed build",
		Long: `Send a build request to the controller and follow its progress.

Progress goes to stderr; the artifact URLs of a successful build go to
stdout. With --detach the command returns once building has started and the
build carries on without it.

Example:
  distbuild build baserock:baserock/definitions master systems/base-system.morph
  distbuild build --component gcc --component glibc REPO REF MORPH`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts, args)
		},
	}

	addControllerFlags(cmd, &opts.Controller, &opts.Timeout)
	cmd.Flags().StringVar(&opts.OriginalRef, "original-ref", "", "ref name the commit was resolved from")
	cmd.Flags().StringArrayVar(&opts.Components, "component", nil, "build only this component, repeatable")
	cmd.Flags().BoolVar(&opts.Detach, "detach", false, "return once building has started")
	return cmd
}

func addControllerFlags(cmd *cobra.Command, addr *string, timeout *time.Duration) {
	cmd.Flags().StringVar(addr, "controller", "localhost:7878", "controller initiator address")
	cmd.Flags().DurationVar(timeout, "connect-timeout", 10*time.Second, "controller connect timeout")
}

func runBuild(cmd *cobra.Command, opts *BuildOptions, args []string) error {
	out := opts.formatter(cmd)

	ctx, stop := signalContext(cmd)
	defer stop()

	client, err := initiator.Dial(ctx, opts.Controller, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	progress := cmd.ErrOrStderr()
	res, err := client.Build(ctx, initiator.BuildOptions{
		Repo:           args[0],
		Ref:            args[1],
		OriginalRef:    opts.OriginalRef,
		Morphology:     args[2],
		ComponentNames: opts.Components,
		Detach:         opts.Detach,
	}, func(msg protocol.Message) {
		printProgress(progress, msg)
	})

	var buildErr *initiator.BuildError
	switch {
	case errors.As(err, &buildErr):
		_ = out.Error(string(buildErr.Type), buildErr.Error())
		return WrapExitError(ExitFailure, "build did not succeed", err)
	case err != nil:
		return WrapExitError(ExitCommandError, "lost contact with controller", err)
	case res.Detached:
		return out.Success(map[string]any{"detached": true})
	}

	if opts.Format == "json" {
		return out.Success(map[string]any{"urls": res.URLs})
	}
	for _, u := range res.URLs {
		if err := out.Success(u); err != nil {
			return err
		}
	}
	return nil
}

// printProgress writes one line per build message.
func printProgress(w io.Writer, msg protocol.Message) {
	text, c := describe(msg)
	if text == "" {
		return
	}
	if c == nil {
		fmt.Fprintln(w, text)
		return
	}
	c.Fprintln(w, text)
}

// describe renders a build message for humans. Step output is passed
// through unchanged.
func describe(msg protocol.Message) (string, *color.Color) {
	switch msg.Type() {
	case protocol.TypeBuildProgress:
		return msg.String("message"), nil
	case protocol.TypeGraphingStarted:
		return "Computing build graph", cyan
	case protocol.TypeGraphingFinished:
		return "Build graph computed", cyan
	case protocol.TypeCacheState:
		unbuilt, _ := msg.Int("unbuilt")
		total, _ := msg.Int("total")
		return fmt.Sprintf("%d of %d artifacts need building", unbuilt, total), cyan
	case protocol.TypeBuildStarted:
		return "Building", cyan
	case protocol.TypeStepStarted:
		return fmt.Sprintf("Started building %s on %s", msg.String("step_name"), msg.String("worker_name")), nil
	case protocol.TypeStepAlreadyStarted:
		return fmt.Sprintf("%s is already being built on %s", msg.String("step_name"), msg.String("worker_name")), nil
	case protocol.TypeStepOutput:
		return strings.TrimRight(msg.String("stdout")+msg.String("stderr"), "\n"), nil
	case protocol.TypeStepFinished:
		return "Built " + msg.String("step_name"), green
	case protocol.TypeStepFailed:
		return "Failed to build " + msg.String("step_name"), red
	case protocol.TypeBuildFinished:
		return "Build finished", green
	case protocol.TypeBuildFailed:
		return "Build failed: " + msg.String("reason"), red
	case protocol.TypeBuildCancelled:
		return "Build cancelled by " + msg.String("user"), yellow
	}
	return "", nil
}
