package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/cache"
	"github.com/apx-pm/apx/pkg/fetch"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/apx-pm/apx/pkg/sandbox"
	"github.com/apx-pm/apx/pkg/solver"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Installer applies planned transactions to the target root. A run
// walks fixed phases: prefetch, verify, stage, pre-hooks, commit,
// post-hooks, record. Everything before commit touches only the cache
// and scratch space; once commit begins, every mutation is journaled
// so an interrupted run restores the previous state byte for byte.
type Installer struct {
	idx   *index.Index
	cache *cache.Cache
	fetch *fetch.Fetcher
	keys  *keyring.Keyring
	hooks *sandbox.Runner

	root     string
	stateDir string
	jobs     int
}

// Config wires an Installer. A nil Hooks runner disables sandboxed
// hook execution; hooks are then skipped with a warning.
type Config struct {
	Index    *index.Index
	Cache    *cache.Cache
	Fetcher  *fetch.Fetcher
	Keys     *keyring.Keyring
	Hooks    *sandbox.Runner
	Root     string
	StateDir string
	Jobs     int
}

func New(cfg Config) *Installer {
	jobs := cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	root := cfg.Root
	if root == "" {
		root = "/"
	}
	return &Installer{
		idx:      cfg.Index,
		cache:    cfg.Cache,
		fetch:    cfg.Fetcher,
		keys:     cfg.Keys,
		hooks:    cfg.Hooks,
		root:     root,
		stateDir: cfg.StateDir,
		jobs:     jobs,
	}
}

// stagedStep is an install or upgrade step after staging: its files
// sit verified in a scratch directory, ready to commit.
type stagedStep struct {
	step   *solver.Step
	path   string // cached container
	dir    string // staged tree
	meta   *apx.Metadata
	digest string
}

// Apply executes a transaction. On any error after the first
// filesystem mutation the journal is rolled back before returning, so
// the target root is untouched unless Apply returns nil.
func (ins *Installer) Apply(ctx context.Context, tx *solver.Transaction) (err error) {
	log := logr.FromContextOrDiscard(ctx)

	if tx.Empty() {
		return nil
	}

	lock, err := acquireLock(filepath.Join(ins.stateDir, "lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ResumePending(ctx, ins.stateDir); err != nil {
		return err
	}

	var installs []*solver.Step
	var removals []string
	for i := range tx.Steps {
		step := &tx.Steps[i]
		switch step.Kind {
		case solver.StepInstall, solver.StepUpgrade:
			installs = append(installs, step)
		case solver.StepRemove:
			removals = append(removals, step.Name)
		}
	}

	if err := ins.prefetch(ctx, installs); err != nil {
		return err
	}
	if err := ins.verify(ctx, installs); err != nil {
		return err
	}

	txID := uuid.NewString()
	txDir := filepath.Join(ins.stateDir, "txns", txID)
	defer os.RemoveAll(filepath.Join(txDir, "scratch"))

	staged, err := ins.stage(ctx, txDir, installs)
	if err != nil {
		os.RemoveAll(txDir)
		return err
	}

	// old manifests are read before commit so upgrade pruning and
	// removal both see the pre-transaction installed set
	oldFiles := map[string]*index.Installed{}
	for _, st := range staged {
		if st.step.Kind == solver.StepUpgrade {
			inst, err := ins.idx.GetInstalled(ctx, st.step.Name)
			if err != nil {
				os.RemoveAll(txDir)
				return err
			}
			oldFiles[st.step.Name] = inst
		}
	}
	removeManifests := map[string]*index.Installed{}
	for _, name := range removals {
		inst, err := ins.idx.GetInstalled(ctx, name)
		if err != nil {
			os.RemoveAll(txDir)
			return err
		}
		if inst == nil {
			os.RemoveAll(txDir)
			return fmt.Errorf("%w: %s is not installed", apxerr.ErrConfig, name)
		}
		removeManifests[name] = inst
	}

	for _, st := range staged {
		if err := ins.runHook(ctx, st, st.meta.PreHook, "pre"); err != nil {
			os.RemoveAll(txDir)
			return err
		}
	}

	j, err := newJournal(txDir)
	if err != nil {
		os.RemoveAll(txDir)
		return err
	}
	if err := j.begin(); err != nil {
		os.RemoveAll(txDir)
		return err
	}
	defer func() {
		if err != nil {
			if rerr := j.rollback(context.WithoutCancel(ctx)); rerr != nil {
				log.Error(rerr, "rollback failed; state directory kept for resume", "dir", txDir)
			}
		}
	}()

	stagedByName := map[string]*stagedStep{}
	for _, st := range staged {
		stagedByName[st.step.Name] = st
	}
	for i := range tx.Steps {
		step := &tx.Steps[i]
		if err = ctx.Err(); err != nil {
			err = fmt.Errorf("%w: %v", apxerr.ErrCancelled, err)
			return err
		}
		switch step.Kind {
		case solver.StepRemove:
			err = ins.commitRemove(ctx, j, removeManifests[step.Name])
		case solver.StepInstall, solver.StepUpgrade:
			st := stagedByName[step.Name]
			err = ins.commitInstall(ctx, j, st)
			if err == nil && step.Kind == solver.StepUpgrade {
				err = ins.pruneOld(ctx, j, oldFiles[step.Name], st.meta)
			}
		}
		if err != nil {
			return err
		}
	}

	for _, st := range staged {
		if err = ins.runHook(ctx, st, st.meta.PostHook, "post"); err != nil {
			return err
		}
	}

	// recording is not interruptible; a cancel here would leave the
	// committed tree unrecorded
	recordCtx := context.WithoutCancel(ctx)
	records := make([]index.InstallRecord, 0, len(staged))
	for _, st := range staged {
		records = append(records, index.InstallRecord{
			Record:   st.step.Package.Record,
			Manifest: st.meta.Files,
		})
	}
	if err = ins.idx.RecordTransaction(recordCtx, records, removals); err != nil {
		return err
	}
	if err := j.done(); err != nil {
		log.Error(err, "discarding journal failed", "dir", txDir)
	}
	log.Info("applied transaction", "installs", len(records), "removals", len(removals))
	return nil
}

// runHook executes one hook script inside the sandbox. With no
// sandbox configured, hooks are skipped rather than run on the host.
func (ins *Installer) runHook(ctx context.Context, st *stagedStep, script, phase string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("name", st.step.Name, "phase", phase)

	if script == "" {
		return nil
	}
	if ins.hooks == nil {
		log.Info("sandbox disabled, skipping hook")
		return nil
	}
	out, err := ins.hooks.Run(ctx, script, sandbox.Options{
		StagedDir:  st.dir,
		TargetRoot: ins.root,
		Scratch:    filepath.Dir(st.dir),
		Env: map[string]string{
			"APX_PACKAGE": st.step.Name,
			"APX_VERSION": st.meta.Version,
		},
	})
	if len(out) > 0 {
		log.V(1).Info("hook output", "output", string(out))
	}
	if err != nil {
		return fmt.Errorf("%s hook of %s: %w", phase, st.step.Name, err)
	}
	return nil
}

// pruneOld removes files that the old manifest owned but the new one
// does not, deepest paths first.
func (ins *Installer) pruneOld(ctx context.Context, j *journal, old *index.Installed, meta *apx.Metadata) error {
	if old == nil {
		return nil
	}
	keep := map[string]bool{}
	for _, f := range meta.Files {
		keep[f.Path] = true
	}
	var stale []apx.FileEntry
	for _, f := range old.Manifest {
		if !keep[f.Path] {
			stale = append(stale, f)
		}
	}
	sort.Slice(stale, func(i, k int) bool { return stale[i].Path > stale[k].Path })
	return ins.removeFiles(ctx, j, stale)
}
