// Package config loads the YAML configuration shared by the distbuild
// daemons. One file may configure any of the controller, worker and cache
// roles; each daemon validates only its own section.
package config

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perryl/distbuild/internal/notify"
)

// Default ports.
const (
	DefaultInitiatorPort   = 7878
	DefaultWorkerPort      = 3434
	DefaultWorkerCachePort = 8080
	DefaultSharedCachePort = 8081
)

// Config is the whole configuration file.
type Config struct {
	Controller Controller `yaml:"controller"`
	Worker     Worker     `yaml:"worker"`
	Cache      Cache      `yaml:"cache"`
}

// Controller configures `distbuild controller`.
type Controller struct {
	// ListenAddr is where initiators connect.
	ListenAddr string `yaml:"listen_addr"`

	// Workers are the exec daemon addresses, host:port.
	Workers []string `yaml:"workers"`

	// ArtifactCacheURL is the shared cache as seen by the controller and
	// initiators. Result URLs are built from it.
	ArtifactCacheURL string `yaml:"artifact_cache_url"`

	// WriteableCacheURL receives the pull-from-worker requests.
	WriteableCacheURL string `yaml:"writeable_cache_url"`

	// WorkerCachePort is the port every worker serves its cache on.
	WorkerCachePort int `yaml:"worker_cache_port"`

	GraphCommand       []string      `yaml:"graph_command,omitempty"`
	WorkerBuildCommand []string      `yaml:"worker_build_command,omitempty"`
	DialTimeout        time.Duration `yaml:"dial_timeout,omitempty"`
	HelperTimeout      time.Duration `yaml:"helper_timeout,omitempty"`

	// RedisURL enables the event publisher when set.
	RedisURL     string `yaml:"redis_url,omitempty"`
	RedisChannel string `yaml:"redis_channel,omitempty"`
}

// Worker configures `distbuild worker` and `distbuild worker-build`.
type Worker struct {
	ListenAddr      string   `yaml:"listen_addr"`
	CacheDir        string   `yaml:"cache_dir"`
	CacheListenAddr string   `yaml:"cache_listen_addr"`
	BuildCommand    []string `yaml:"build_command,omitempty"`

	// HelperTimeout bounds HTTP requests made by the worker's executor.
	HelperTimeout time.Duration `yaml:"helper_timeout,omitempty"`
}

// Cache configures `distbuild cache-server`.
type Cache struct {
	ListenAddr string `yaml:"listen_addr"`
	Dir        string `yaml:"dir"`

	// Database is the SQLite index path. Empty keeps the index in memory.
	Database string `yaml:"database,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document strictly: unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var c Config
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	ctl := &c.Controller
	if ctl.ListenAddr == "" {
		ctl.ListenAddr = fmt.Sprintf(":%d", DefaultInitiatorPort)
	}
	if ctl.ArtifactCacheURL == "" {
		ctl.ArtifactCacheURL = fmt.Sprintf("http://localhost:%d/", DefaultWorkerCachePort)
	}
	if ctl.WriteableCacheURL == "" {
		ctl.WriteableCacheURL = fmt.Sprintf("http://localhost:%d/", DefaultSharedCachePort)
	}
	if ctl.WorkerCachePort == 0 {
		ctl.WorkerCachePort = DefaultWorkerCachePort
	}
	if ctl.DialTimeout == 0 {
		ctl.DialTimeout = 10 * time.Second
	}
	if ctl.HelperTimeout == 0 {
		ctl.HelperTimeout = 10 * time.Minute
	}
	if ctl.RedisChannel == "" {
		ctl.RedisChannel = notify.DefaultChannel
	}

	w := &c.Worker
	if w.ListenAddr == "" {
		w.ListenAddr = fmt.Sprintf(":%d", DefaultWorkerPort)
	}
	if w.CacheListenAddr == "" {
		w.CacheListenAddr = fmt.Sprintf(":%d", DefaultWorkerCachePort)
	}
	if w.HelperTimeout == 0 {
		w.HelperTimeout = 10 * time.Minute
	}

	if c.Cache.ListenAddr == "" {
		c.Cache.ListenAddr = fmt.Sprintf(":%d", DefaultSharedCachePort)
	}
}

// ValidateController checks the controller section.
func (c *Config) ValidateController() error {
	ctl := c.Controller
	if len(ctl.Workers) == 0 {
		return fmt.Errorf("controller.workers is required and must be non-empty")
	}
	for i, addr := range ctl.Workers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("controller.workers[%d]: %q is not host:port", i, addr)
		}
	}
	if err := validateURL("controller.artifact_cache_url", ctl.ArtifactCacheURL); err != nil {
		return err
	}
	if err := validateURL("controller.writeable_cache_url", ctl.WriteableCacheURL); err != nil {
		return err
	}
	if ctl.WorkerCachePort < 1 || ctl.WorkerCachePort > 65535 {
		return fmt.Errorf("controller.worker_cache_port %d out of range", ctl.WorkerCachePort)
	}
	if ctl.RedisURL != "" {
		if err := validateURL("controller.redis_url", ctl.RedisURL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWorker checks the worker section.
func (c *Config) ValidateWorker() error {
	if c.Worker.CacheDir == "" {
		return fmt.Errorf("worker.cache_dir is required")
	}
	if c.Worker.HelperTimeout < 0 {
		return fmt.Errorf("worker.helper_timeout must not be negative")
	}
	return nil
}

// ValidateCache checks the cache section.
func (c *Config) ValidateCache() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %q must be an absolute URL", field, raw)
	}
	return nil
}
