package app

import (
	"context"
	"fmt"

	"github.com/apx-pm/apx/internal/config"
	"github.com/apx-pm/apx/pkg/cache"
	"github.com/apx-pm/apx/pkg/fetch"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/apx-pm/apx/pkg/installer"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/apx-pm/apx/pkg/sandbox"
	"github.com/apx-pm/apx/pkg/solver"
	"github.com/spf13/cobra"
)

// App bundles the long-lived pieces every command needs: the loaded
// configuration, the package index, the trusted keys, the container
// cache and the downloader.
type App struct {
	Config *config.Config
	Index  *index.Index
	Keys   *keyring.Keyring
	Cache  *cache.Cache
	Fetch  *fetch.Fetcher
}

// New opens everything according to the configuration at configPath.
// A positive jobs overrides the configured parallelism.
func New(ctx context.Context, configPath string, jobs int) (*App, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if jobs > 0 {
		cfg.Jobs = jobs
	}

	idx, err := index.Open(ctx, cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	keys, err := keyring.Load(ctx, cfg.KeyDir)
	if err != nil {
		idx.Close()
		return nil, err
	}
	cc, err := cache.New(cfg.CacheDir)
	if err != nil {
		idx.Close()
		return nil, err
	}
	f := fetch.New(fetch.Options{Jobs: cfg.Jobs, PerHost: cfg.PerHost})

	return &App{Config: cfg, Index: idx, Keys: keys, Cache: cc, Fetch: f}, nil
}

// FromCommand builds an App from the root command's persistent flags.
func FromCommand(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	jobs, _ := cmd.Flags().GetInt("jobs")
	return New(cmd.Context(), configPath, jobs)
}

func (a *App) Close() error {
	return a.Index.Close()
}

// Solver loads a catalog and installed-set snapshot and builds a
// planner over it.
func (a *App) Solver(ctx context.Context) (*solver.Solver, error) {
	catalog, err := a.Index.AllPackages(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := a.Index.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	return solver.New(catalog, installed, a.Config.Jobs), nil
}

// Installer wires a transaction applier, including the hook sandbox
// unless configuration disables it.
func (a *App) Installer() (*installer.Installer, error) {
	var hooks *sandbox.Runner
	if !a.Config.Sandbox.Disabled {
		var err error
		hooks, err = sandbox.New()
		if err != nil {
			return nil, fmt.Errorf("%w (set sandbox.disabled to skip hooks)", err)
		}
	}
	return installer.New(installer.Config{
		Index:    a.Index,
		Cache:    a.Cache,
		Fetcher:  a.Fetch,
		Keys:     a.Keys,
		Hooks:    hooks,
		Root:     a.Config.Root,
		StateDir: a.Config.StateDir,
		Jobs:     a.Config.Jobs,
	}), nil
}
