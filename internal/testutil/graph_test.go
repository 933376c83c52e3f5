package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/artifact"
)

func TestGraphBuilder_EncodesDecodableGraph(t *testing.T) {
	b := NewGraph().
		Chunk("base").
		Add(artifact.KindChunk, "gcc", "gcc-bins", "base").
		Add(artifact.KindChunk, "gcc", "gcc-libs", "base").
		Add(artifact.KindStratum, "core", "core", "gcc-bins", "gcc-libs")

	assert.Equal(t, "k-gcc.chunk.gcc-libs", b.Get("gcc-libs").Basename())
	assert.Same(t, b.Get("gcc-bins").Source, b.Get("gcc-libs").Source)

	g, err := artifact.Decode([]byte(b.Encode("core")))
	require.NoError(t, err)
	assert.Len(t, g.Artifacts, 4)
	assert.Len(t, g.Sources, 3)
}

func TestGraphBuilder_UnknownArtifactPanics(t *testing.T) {
	assert.Panics(t, func() { NewGraph().Chunk("a", "missing") })
}
