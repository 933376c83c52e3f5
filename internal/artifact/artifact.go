// Package artifact holds the build graph a controller works on: sources,
// the artifacts they produce, and the dependency DAG between artifacts.
//
// Graphs are arenas. Each artifact exists once and is shared by every
// dependent, so diamond dependencies are the same *Artifact reached along
// several paths; traversals dedup by pointer identity.
package artifact

import (
	"fmt"
	"strings"
)

// Kind is a source kind.
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChunk, KindStratum, KindSystem:
		return true
	default:
		return false
	}
}

// State is the build state of one artifact within one controller's graph.
type State int

const (
	StateUnknown State = iota
	StateUnbuilt
	StateBuilding
	StateBuilt
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source is one build recipe. A single build of a source yields every name in
// ArtifactNames, whether or not the graph uses them all.
type Source struct {
	Name          string
	Kind          Kind
	CacheKey      string
	ArtifactNames []string
}

// Artifact is one node of the build graph.
type Artifact struct {
	Name         string
	Source       *Source
	Dependencies []*Artifact
	State        State

	// HelperID correlates an in-flight cache check for this artifact.
	HelperID string
}

// CacheKey returns the content-derived key of the artifact's source.
func (a *Artifact) CacheKey() string {
	return a.Source.CacheKey
}

// Kind returns the artifact's source kind.
func (a *Artifact) Kind() Kind {
	return a.Source.Kind
}

// Basename is the artifact's file name in the artifact cache:
// "<cache-key>.<kind>.<name>".
func (a *Artifact) Basename() string {
	return Basename(a.Source.CacheKey, a.Source.Kind, a.Name)
}

// Basename builds a cache file name from its parts.
func Basename(cacheKey string, kind Kind, name string) string {
	return fmt.Sprintf("%s.%s.%s", cacheKey, kind, name)
}

func (a *Artifact) String() string {
	return a.Basename()
}

// FetchSuffixes lists the "<kind>.<name>" suffixes the shared cache must pull
// from a worker after building a's source. Building any artifact of a source
// produces all of the source's artifacts; strata carry a .meta file and a
// system rootfs has a matching kernel.
func FetchSuffixes(a *Artifact) []string {
	src := a.Source
	names := src.ArtifactNames
	if len(names) == 0 {
		names = []string{a.Name}
	}

	suffixes := make([]string, 0, len(names)*2)
	for _, name := range names {
		suffix := fmt.Sprintf("%s.%s", src.Kind, name)
		suffixes = append(suffixes, suffix)

		switch src.Kind {
		case KindStratum:
			suffixes = append(suffixes, suffix+".meta")
		case KindSystem:
			if base, ok := strings.CutSuffix(name, "-rootfs"); ok {
				suffixes = append(suffixes, fmt.Sprintf("%s.%s-kernel", src.Kind, base))
			}
		}
	}
	return suffixes
}
