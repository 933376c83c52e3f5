package artifact

import (
	"encoding/json"
	"fmt"
	"slices"
)

type encodedSource struct {
	Name      string   `json:"name"`
	Kind      Kind     `json:"kind"`
	CacheKey  string   `json:"cache_key"`
	Artifacts []string `json:"artifacts"`
}

type encodedArtifact struct {
	Name         string   `json:"name"`
	Source       string   `json:"source"`
	Dependencies []string `json:"dependencies"`
}

type encodedGraph struct {
	Roots     []string          `json:"roots"`
	Sources   []encodedSource   `json:"sources"`
	Artifacts []encodedArtifact `json:"artifacts"`
}

// Encode serializes the graph reachable from roots. Artifacts are written
// dependencies-first and referenced by basename; sources by cache key.
// Graphs that Decode would reject are refused here too.
func Encode(roots []*Artifact) ([]byte, error) {
	var eg encodedGraph
	var bad error
	seenSource := make(map[*Source]bool)

	Walk(roots, func(a *Artifact) {
		if bad != nil {
			return
		}
		if err := checkMembership(a); err != nil {
			bad = err
			return
		}
		if !seenSource[a.Source] {
			seenSource[a.Source] = true
			eg.Sources = append(eg.Sources, encodedSource{
				Name:      a.Source.Name,
				Kind:      a.Source.Kind,
				CacheKey:  a.Source.CacheKey,
				Artifacts: a.Source.ArtifactNames,
			})
		}
		deps := make([]string, len(a.Dependencies))
		for i, d := range a.Dependencies {
			deps[i] = d.Basename()
		}
		eg.Artifacts = append(eg.Artifacts, encodedArtifact{
			Name:         a.Name,
			Source:       a.Source.CacheKey,
			Dependencies: deps,
		})
	})
	if bad != nil {
		return nil, fmt.Errorf("encode artifact graph: %w", bad)
	}
	for _, r := range roots {
		eg.Roots = append(eg.Roots, r.Basename())
	}

	data, err := json.Marshal(eg)
	if err != nil {
		return nil, fmt.Errorf("encode artifact graph: %w", err)
	}
	return data, nil
}

// Decode parses a serialized graph, resolving references into a fresh arena.
// Dangling references, duplicate nodes, unknown kinds and dependency cycles
// are errors. So is an artifact its source does not list, since a build of
// the source has to yield every artifact attributed to it.
func Decode(data []byte) (*Graph, error) {
	var eg encodedGraph
	if err := json.Unmarshal(data, &eg); err != nil {
		return nil, fmt.Errorf("decode artifact graph: %w", err)
	}
	if len(eg.Roots) == 0 {
		return nil, fmt.Errorf("decode artifact graph: no root artifacts")
	}

	g := &Graph{}
	sources := make(map[string]*Source, len(eg.Sources))
	for _, es := range eg.Sources {
		if es.CacheKey == "" {
			return nil, fmt.Errorf("decode artifact graph: source %q has no cache key", es.Name)
		}
		if !es.Kind.Valid() {
			return nil, fmt.Errorf("decode artifact graph: source %q has unknown kind %q", es.Name, es.Kind)
		}
		if len(es.Artifacts) == 0 {
			return nil, fmt.Errorf("decode artifact graph: source %q lists no artifacts", es.Name)
		}
		if _, dup := sources[es.CacheKey]; dup {
			return nil, fmt.Errorf("decode artifact graph: duplicate source %s", es.CacheKey)
		}
		src := &Source{Name: es.Name, Kind: es.Kind, CacheKey: es.CacheKey, ArtifactNames: es.Artifacts}
		sources[es.CacheKey] = src
		g.Sources = append(g.Sources, src)
	}

	byName := make(map[string]*Artifact, len(eg.Artifacts))
	for _, ea := range eg.Artifacts {
		src, ok := sources[ea.Source]
		if !ok {
			return nil, fmt.Errorf("decode artifact graph: artifact %q references unknown source %s", ea.Name, ea.Source)
		}
		a := &Artifact{Name: ea.Name, Source: src, State: StateUnknown}
		if err := checkMembership(a); err != nil {
			return nil, fmt.Errorf("decode artifact graph: %w", err)
		}
		base := a.Basename()
		if _, dup := byName[base]; dup {
			return nil, fmt.Errorf("decode artifact graph: duplicate artifact %s", base)
		}
		byName[base] = a
		g.Artifacts = append(g.Artifacts, a)
	}

	for i, ea := range eg.Artifacts {
		a := g.Artifacts[i]
		for _, dep := range ea.Dependencies {
			d, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("decode artifact graph: %s depends on unknown artifact %s", a.Basename(), dep)
			}
			a.Dependencies = append(a.Dependencies, d)
		}
	}

	for _, r := range eg.Roots {
		a, ok := byName[r]
		if !ok {
			return nil, fmt.Errorf("decode artifact graph: unknown root artifact %s", r)
		}
		g.Roots = append(g.Roots, a)
	}

	if err := checkAcyclic(g.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifact graph: %w", err)
	}
	return g, nil
}

// checkMembership requires a's source to list a among its artifacts.
func checkMembership(a *Artifact) error {
	if a.Source == nil {
		return fmt.Errorf("artifact %q has no source", a.Name)
	}
	if len(a.Source.ArtifactNames) == 0 {
		return fmt.Errorf("source %q lists no artifacts", a.Source.Name)
	}
	if !slices.Contains(a.Source.ArtifactNames, a.Name) {
		return fmt.Errorf("artifact %s is not listed by source %q", a.Basename(), a.Source.Name)
	}
	return nil
}

func checkAcyclic(artifacts []*Artifact) error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[*Artifact]int, len(artifacts))

	var visit func(a *Artifact) error
	visit = func(a *Artifact) error {
		switch colour[a] {
		case grey:
			return fmt.Errorf("dependency cycle through %s", a.Basename())
		case black:
			return nil
		}
		colour[a] = grey
		for _, d := range a.Dependencies {
			if err := visit(d); err != nil {
				return err
			}
		}
		colour[a] = black
		return nil
	}

	for _, a := range artifacts {
		if err := visit(a); err != nil {
			return err
		}
	}
	return nil
}
