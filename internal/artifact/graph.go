package artifact

// Graph is the artifact arena computed for one build request.
type Graph struct {
	Roots     []*Artifact
	Sources   []*Source
	Artifacts []*Artifact
}

// Walk visits every artifact reachable from roots exactly once, dependencies
// before dependents. Shared nodes are visited on first reach only.
func Walk(roots []*Artifact, fn func(*Artifact)) {
	seen := make(map[*Artifact]bool)
	var visit func(a *Artifact)
	visit = func(a *Artifact) {
		if seen[a] {
			return
		}
		seen[a] = true
		for _, dep := range a.Dependencies {
			visit(dep)
		}
		fn(a)
	}
	for _, r := range roots {
		visit(r)
	}
}

// Closure returns the artifacts reachable from roots in Walk order.
func Closure(roots []*Artifact) []*Artifact {
	var out []*Artifact
	Walk(roots, func(a *Artifact) { out = append(out, a) })
	return out
}

// Ready returns the unbuilt artifacts reachable from roots whose dependencies
// are all built.
func Ready(roots []*Artifact) []*Artifact {
	var ready []*Artifact
	Walk(roots, func(a *Artifact) {
		if a.State != StateUnbuilt {
			return
		}
		for _, dep := range a.Dependencies {
			if dep.State != StateBuilt {
				return
			}
		}
		ready = append(ready, a)
	})
	return ready
}

// AllBuilt reports whether every artifact reachable from roots is built.
func AllBuilt(roots []*Artifact) bool {
	built := true
	Walk(roots, func(a *Artifact) {
		if a.State != StateBuilt {
			built = false
		}
	})
	return built
}

// WithCacheKey returns the artifacts reachable from roots that belong to the
// source with the given cache key.
func WithCacheKey(roots []*Artifact, cacheKey string) []*Artifact {
	var out []*Artifact
	Walk(roots, func(a *Artifact) {
		if a.CacheKey() == cacheKey {
			out = append(out, a)
		}
	})
	return out
}

// BySourceName returns the artifacts of the graph whose source is named one of
// names, and the names that matched nothing.
func (g *Graph) BySourceName(names []string) (found []*Artifact, missing []string) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = false
	}
	for _, a := range Closure(g.Roots) {
		if _, ok := wanted[a.Source.Name]; ok {
			wanted[a.Source.Name] = true
			found = append(found, a)
		}
	}
	for _, n := range names {
		if !wanted[n] {
			missing = append(missing, n)
		}
	}
	return found, missing
}
