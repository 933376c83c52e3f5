package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/testutil"
)

const writeOutputs = `for s in $DISTBUILD_SUFFIXES; do echo "$DISTBUILD_KIND $DISTBUILD_ARTIFACT" > "$DISTBUILD_OUTPUT/$s"; done`

func TestBuild_StoresEveryOutput(t *testing.T) {
	cacheDir := t.TempDir()
	g := testutil.NewGraph().
		Add(artifact.KindChunk, "gcc", "gcc-bins").
		Add(artifact.KindChunk, "gcc", "gcc-libs")
	graph := g.Encode("gcc-bins")

	var stdout, stderr bytes.Buffer
	err := Build(context.Background(), BuildConfig{
		CacheDir: cacheDir,
		Command:  []string{"sh", "-c", writeOutputs},
	}, "k-gcc.chunk.gcc-bins", strings.NewReader(graph), &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	for _, name := range []string{"k-gcc.chunk.gcc-bins", "k-gcc.chunk.gcc-libs"} {
		data, err := os.ReadFile(filepath.Join(cacheDir, name))
		require.NoError(t, err)
		assert.Equal(t, "chunk gcc-bins\n", string(data))
	}
	assert.Contains(t, stdout.String(), "built and cached")
}

func TestBuild_SkipsCachedOutputs(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "k-base.chunk.base"), []byte("x"), 0o644))
	graph := testutil.NewGraph().Chunk("base").Encode("base")

	var stdout bytes.Buffer
	err := Build(context.Background(), BuildConfig{CacheDir: cacheDir, Command: []string{"false"}},
		"k-base.chunk.base", strings.NewReader(graph), &stdout, &bytes.Buffer{})

	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "already in local cache")
}

func TestBuild_Errors(t *testing.T) {
	graph := testutil.NewGraph().Chunk("base").Encode("base")

	tests := []struct {
		name     string
		cmd      []string
		basename string
		graph    string
		want     string
	}{
		{"bad graph", []string{"true"}, "k-base.chunk.base", "{", "decode artifact graph"},
		{"unknown artifact", []string{"true"}, "k-x.chunk.x", graph, "not in graph"},
		{"no command", nil, "k-base.chunk.base", graph, "no build command"},
		{"command fails", []string{"false"}, "k-base.chunk.base", graph, "build k-base.chunk.base"},
		{"missing output", []string{"true"}, "k-base.chunk.base", graph, "did not produce chunk.base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Build(context.Background(), BuildConfig{CacheDir: t.TempDir(), Command: tt.cmd},
				tt.basename, strings.NewReader(tt.graph), &bytes.Buffer{}, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
