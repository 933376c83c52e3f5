package testutil

import (
	"fmt"

	"github.com/perryl/distbuild/internal/artifact"
)

// GraphBuilder assembles small artifact graphs. Sources get the cache key
// "k-<source>"; artifacts are looked up by name.
type GraphBuilder struct {
	sources   map[string]*artifact.Source
	artifacts map[string]*artifact.Artifact
}

// NewGraph starts an empty graph.
func NewGraph() *GraphBuilder {
	return &GraphBuilder{
		sources:   make(map[string]*artifact.Source),
		artifacts: make(map[string]*artifact.Artifact),
	}
}

// Add creates artifact name belonging to source, depending on the named,
// previously added artifacts.
func (b *GraphBuilder) Add(kind artifact.Kind, source, name string, deps ...string) *GraphBuilder {
	src, ok := b.sources[source]
	if !ok {
		src = &artifact.Source{Name: source, Kind: kind, CacheKey: "k-" + source}
		b.sources[source] = src
	}
	src.ArtifactNames = append(src.ArtifactNames, name)

	a := &artifact.Artifact{Name: name, Source: src, State: artifact.StateUnbuilt}
	for _, d := range deps {
		a.Dependencies = append(a.Dependencies, b.Get(d))
	}
	b.artifacts[name] = a
	return b
}

// Chunk adds a single-artifact chunk source.
func (b *GraphBuilder) Chunk(name string, deps ...string) *GraphBuilder {
	return b.Add(artifact.KindChunk, name, name, deps...)
}

// Get returns a previously added artifact. It panics on unknown names.
func (b *GraphBuilder) Get(name string) *artifact.Artifact {
	a, ok := b.artifacts[name]
	if !ok {
		panic(fmt.Sprintf("testutil: unknown artifact %q", name))
	}
	return a
}

// Encode serializes the graph rooted at the named artifacts.
func (b *GraphBuilder) Encode(roots ...string) string {
	rs := make([]*artifact.Artifact, len(roots))
	for i, r := range roots {
		rs[i] = b.Get(r)
	}
	data, err := artifact.Encode(rs)
	if err != nil {
		panic(err)
	}
	return string(data)
}
