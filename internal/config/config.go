package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// Default path layout. Every path can be overridden in the config
// file and supports ${ENV} expansion.
const (
	DefaultConfigDir = "/etc/apx"
	DefaultStateDir  = "/var/lib/apx"
	DefaultCacheDir  = "/var/cache/apx"
)

// Sandbox controls hook execution. Only Disabled takes effect: the
// installer does not pass AllowNetwork, MemoryLimit or CPULimit to the
// hook runner, so hooks run without network access and without memory
// or CPU limits whatever these fields hold.
type Sandbox struct {
	// Disabled skips hooks entirely instead of requiring bubblewrap.
	Disabled bool `json:"disabled"`
	// AllowNetwork is the setting for sharing the host network with hooks.
	AllowNetwork bool `json:"allowNetwork"`
	// MemoryLimit is the hook address-space limit in bytes.
	MemoryLimit int64 `json:"memoryLimit"`
	// CPULimit is the hook CPU-time limit in seconds.
	CPULimit int `json:"cpuLimit"`
}

// Config is the on-disk configuration. YAML and JSON are both
// accepted.
type Config struct {
	Root         string  `json:"root"`
	StateDir     string  `json:"stateDir"`
	CacheDir     string  `json:"cacheDir"`
	KeyDir       string  `json:"keyDir"`
	Architecture string  `json:"architecture"`
	Jobs         int     `json:"jobs"`
	PerHost      int     `json:"perHost"`
	Sandbox      Sandbox `json:"sandbox"`
}

// IndexPath is where the sqlite store lives.
func (c *Config) IndexPath() string {
	return filepath.Join(c.StateDir, "index.db")
}

// Load reads the config file at path, or the default location when
// path is empty. A missing file at the default location yields the
// defaults; a path given explicitly must exist.
func Load(ctx context.Context, path string) (*Config, error) {
	log := logr.FromContextOrDiscard(ctx)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(DefaultConfigDir, "config.yaml")
	}

	cfg := &Config{}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewYAMLOrJSONDecoder(f, 4096).Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", apxerr.ErrConfig, path, err)
		}
		log.V(1).Info("loaded configuration", "path", path)
	case os.IsNotExist(err) && !explicit:
		log.V(1).Info("no configuration file, using defaults")
	default:
		return nil, fmt.Errorf("%w: reading %s: %v", apxerr.ErrConfig, path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Root = defaultPath(c.Root, "/")
	c.StateDir = defaultPath(c.StateDir, DefaultStateDir)
	c.CacheDir = defaultPath(c.CacheDir, DefaultCacheDir)
	c.KeyDir = defaultPath(c.KeyDir, filepath.Join(DefaultConfigDir, "trusted.keys.d"))
	if c.Architecture == "" {
		c.Architecture = hostArchitecture()
	}
	if c.Jobs < 1 {
		c.Jobs = runtime.NumCPU()
	}
	if c.PerHost < 1 {
		c.PerHost = 4
	}
}

func defaultPath(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return filepath.Clean(ExpandEnv(s))
}

// hostArchitecture maps the running platform onto repository
// architecture names.
func hostArchitecture() string {
	switch runtime.GOARCH {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	default:
		return runtime.GOARCH
	}
}
