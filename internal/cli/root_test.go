package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "distbuild", cmd.Use)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"controller", "worker", "cache-server", "worker-build", "build", "list-requests", "status", "cancel"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestBuildCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	buildCmd, _, err := cmd.Find([]string{"build"})
	require.NoError(t, err)

	ctl := buildCmd.Flags().Lookup("controller")
	require.NotNil(t, ctl)
	assert.Equal(t, "localhost:7878", ctl.DefValue)
	assert.NotNil(t, buildCmd.Flags().Lookup("detach"))
	assert.NotNil(t, buildCmd.Flags().Lookup("component"))
	assert.NotNil(t, buildCmd.Flags().Lookup("original-ref"))
}

func TestWorkerBuildIsHidden(t *testing.T) {
	cmd := NewRootCommand()
	wb, _, err := cmd.Find([]string{"worker-build"})
	require.NoError(t, err)
	assert.True(t, wb.Hidden)
}

func TestInvalidFormat(t *testing.T) {
	err := execute(t, "--format", "xml", "list-requests")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

// execute runs the root command with args, discarding output.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	_, _, err := executeOutput(t, args...)
	return err
}

func executeOutput(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(diag)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), diag.String(), err
}
