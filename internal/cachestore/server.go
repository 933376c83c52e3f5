package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Options configures a Server.
type Options struct {
	// Index records stored artifacts. Nil disables indexing and /1.0/list.
	Index *Index

	// AllowFetch enables the pull-from-worker endpoint. Only the shared
	// cache needs it.
	AllowFetch bool

	// Client is used to pull from workers.
	Client *http.Client

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Server is the artifact cache HTTP service.
//
// Routes:
//
//	HEAD|GET /1.0/artifacts?filename=F   presence check / download
//	GET      /1.0/fetch?host=H&cacheid=K&artifacts=S1,S2
//	GET      /1.0/list[?cacheid=K]
type Server struct {
	dir    *Dir
	opts   Options
	router *mux.Router
}

// NewServer serves dir.
func NewServer(dir *Dir, opts Options) *Server {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{dir: dir, opts: opts, router: mux.NewRouter()}
	s.router.HandleFunc("/1.0/artifacts", s.handleArtifact).Methods(http.MethodGet, http.MethodHead)
	if opts.AllowFetch {
		s.router.HandleFunc("/1.0/fetch", s.handleFetch).Methods(http.MethodGet)
	}
	if opts.Index != nil {
		s.router.HandleFunc("/1.0/list", s.handleList).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if !ValidFilename(name) {
		http.Error(w, "missing or invalid filename", http.StatusBadRequest)
		return
	}

	f, err := s.dir.Open(name)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

type fetchResult struct {
	CacheKey string   `json:"cache_key"`
	Stored   []string `json:"stored"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := q.Get("host")
	cacheKey := q.Get("cacheid")
	suffixes := splitList(q.Get("artifacts"))

	if host == "" || cacheKey == "" || len(suffixes) == 0 {
		http.Error(w, "host, cacheid and artifacts are required", http.StatusBadRequest)
		return
	}

	stored, err := s.fetch(r.Context(), host, cacheKey, suffixes)

	if s.opts.Index != nil {
		f := Fetch{Host: host, CacheKey: cacheKey, Artifacts: suffixes, OK: err == nil, FetchedAt: s.opts.Now().Unix()}
		if err != nil {
			f.Error = err.Error()
		}
		if ierr := s.opts.Index.RecordFetch(r.Context(), f); ierr != nil {
			slog.Warn("record fetch failed", "cache_key", cacheKey, "error", ierr)
		}
	}

	if err != nil {
		slog.Warn("fetch from worker failed", "host", host, "cache_key", cacheKey, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrBadFilename) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	slog.Info("fetched from worker", "host", host, "cache_key", cacheKey, "files", len(stored))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fetchResult{CacheKey: cacheKey, Stored: stored})
}

// fetch pulls "<cacheKey>.<suffix>" for every suffix from the worker cache
// at host and stores each file.
func (s *Server) fetch(ctx context.Context, host, cacheKey string, suffixes []string) ([]string, error) {
	stored := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		name := cacheKey + "." + suffix
		if !ValidFilename(name) {
			return stored, fmt.Errorf("%w: %q", ErrBadFilename, name)
		}
		if err := s.pull(ctx, host, name); err != nil {
			return stored, err
		}
		stored = append(stored, name)
	}
	return stored, nil
}

func (s *Server) pull(ctx context.Context, host, name string) error {
	src := fmt.Sprintf("http://%s/1.0/artifacts?filename=%s", host, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", name, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch %s from %s: status %d", name, host, resp.StatusCode)
	}

	res, err := s.dir.Put(name, resp.Body)
	if err != nil {
		return err
	}

	if s.opts.Index != nil {
		err := s.opts.Index.Record(ctx, Entry{
			Filename: name,
			CacheKey: CacheKeyOf(name),
			Size:     res.Size,
			SHA256:   res.SHA256,
			Origin:   host,
			StoredAt: s.opts.Now().Unix(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Index.List(r.Context(), r.URL.Query().Get("cacheid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ListenAndServe serves s on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 30 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("artifact cache listening", "addr", addr, "dir", s.dir.Root())

	select {
	case err := <-errc:
		return fmt.Errorf("artifact cache: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
