package cli

import (
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/perryl/distbuild/internal/initiator"
	"github.com/perryl/distbuild/internal/protocol"
)

// RequestOptions holds flags for list-requests, status and cancel.
type RequestOptions struct {
	*RootOptions
	Controller string
	Timeout    time.Duration
}

// NewListRequestsCommand creates the list-requests command.
func NewListRequestsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list-requests",
		Short: "List the controller's build requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, opts, protocol.TypeListRequests, "")
		},
	}
	addControllerFlags(cmd, &opts.Controller, &opts.Timeout)
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the state of one build request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, opts, protocol.TypeBuildStatus, args[0])
		},
	}
	addControllerFlags(cmd, &opts.Controller, &opts.Timeout)
	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a build request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, opts, protocol.TypeBuildCancel, args[0])
		},
	}
	addControllerFlags(cmd, &opts.Controller, &opts.Timeout)
	return cmd
}

func runRequest(cmd *cobra.Command, opts *RequestOptions, t protocol.Type, id string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	client, err := initiator.Dial(ctx, opts.Controller, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	text, err := client.Request(ctx, t, id, currentUser())
	if err != nil {
		return WrapExitError(ExitCommandError, string(t)+" failed", err)
	}
	return opts.formatter(cmd).Success(text)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
