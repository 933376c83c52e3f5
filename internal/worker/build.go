package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/cachestore"
)

// BuildConfig configures the build step run on a worker.
type BuildConfig struct {
	// CacheDir is the worker's local artifact cache.
	CacheDir string

	// Command builds one source. It runs with these variables set:
	//
	//	DISTBUILD_ARTIFACT   artifact name
	//	DISTBUILD_SOURCE     source name
	//	DISTBUILD_KIND       chunk, stratum or system
	//	DISTBUILD_CACHE_KEY  source cache key
	//	DISTBUILD_OUTPUT     directory to write outputs into
	//	DISTBUILD_SUFFIXES   space-separated output names expected in DISTBUILD_OUTPUT
	Command []string
}

// Build builds the artifact named by basename out of the serialized graph
// read from graph, then stores every output in the local cache as
// "<cache-key>.<suffix>". Outputs already cached are not rebuilt.
func Build(ctx context.Context, cfg BuildConfig, basename string, graph io.Reader, stdout, stderr io.Writer) error {
	data, err := io.ReadAll(graph)
	if err != nil {
		return fmt.Errorf("read artifact graph: %w", err)
	}
	g, err := artifact.Decode(data)
	if err != nil {
		return err
	}

	var target *artifact.Artifact
	for _, a := range g.Artifacts {
		if a.Basename() == basename {
			target = a
			break
		}
	}
	if target == nil {
		return fmt.Errorf("artifact %s not in graph", basename)
	}

	cache, err := cachestore.OpenDir(cfg.CacheDir)
	if err != nil {
		return err
	}

	suffixes := artifact.FetchSuffixes(target)
	if allCached(cache, target.CacheKey(), suffixes) {
		slog.Info("already cached", "artifact", basename)
		fmt.Fprintf(stdout, "%s already in local cache\n", basename)
		return nil
	}

	if len(cfg.Command) == 0 {
		return fmt.Errorf("no build command configured")
	}

	out, err := os.MkdirTemp("", "distbuild-build-")
	if err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	defer os.RemoveAll(out)

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"DISTBUILD_ARTIFACT="+target.Name,
		"DISTBUILD_SOURCE="+target.Source.Name,
		"DISTBUILD_KIND="+string(target.Kind()),
		"DISTBUILD_CACHE_KEY="+target.CacheKey(),
		"DISTBUILD_OUTPUT="+out,
		"DISTBUILD_SUFFIXES="+strings.Join(suffixes, " "),
	)

	slog.Info("building", "artifact", basename, "command", cfg.Command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build %s: %w", basename, err)
	}

	for _, suffix := range suffixes {
		name := target.CacheKey() + "." + suffix
		if _, err := cache.PutFile(name, filepath.Join(out, suffix)); err != nil {
			return fmt.Errorf("build %s did not produce %s: %w", basename, suffix, err)
		}
	}
	fmt.Fprintf(stdout, "%s built and cached\n", basename)
	return nil
}

func allCached(cache *cachestore.Dir, cacheKey string, suffixes []string) bool {
	for _, s := range suffixes {
		if !cache.Has(cacheKey + "." + s) {
			return false
		}
	}
	return true
}
