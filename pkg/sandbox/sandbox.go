package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// Options describes the environment a hook runs in. The root
// filesystem is visible read-only; only Scratch is writable. Network
// access is off unless AllowNetwork is set.
type Options struct {
	// StagedDir is the package's staged file tree, exported to the
	// hook as APX_STAGED_TREE.
	StagedDir string
	// TargetRoot is the installation root, exported as APX_ROOT.
	TargetRoot string
	// Scratch is the only writable path inside the sandbox.
	Scratch string
	// Env carries additional APX_* variables, typically the package
	// name and version.
	Env map[string]string
	// AllowNetwork keeps the network namespace shared with the host.
	AllowNetwork bool
	// MemoryLimit bounds the hook's address space in bytes. Zero
	// means no limit.
	MemoryLimit int64
	// CPULimit bounds the hook's CPU time in seconds. Zero means no
	// limit.
	CPULimit int
	// Timeout bounds wall-clock time. Zero falls back to a minute.
	Timeout time.Duration
}

const defaultTimeout = time.Minute

// Runner executes hook scripts under bubblewrap.
type Runner struct {
	bwrap string
}

// New locates bubblewrap on PATH.
func New() (*Runner, error) {
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("%w: bubblewrap is required to run hooks: %v", apxerr.ErrConfig, err)
	}
	return &Runner{bwrap: path}, nil
}

// Run executes the script inside the sandbox and returns its combined
// output. A non-zero exit, a limit hit or a timeout all fail the run.
func (r *Runner) Run(ctx context.Context, script string, opts Options) ([]byte, error) {
	log := logr.FromContextOrDiscard(ctx)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--ro-bind", "/", "/",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}
	if opts.Scratch != "" {
		args = append(args, "--bind", opts.Scratch, opts.Scratch)
	}
	if opts.StagedDir != "" {
		args = append(args, "--ro-bind", opts.StagedDir, opts.StagedDir)
	}
	if opts.AllowNetwork {
		args = append(args, "--share-net")
	}
	for k, v := range env(opts) {
		args = append(args, "--setenv", k, v)
	}
	args = append(args, "/bin/sh", "-c", wrap(script, opts))

	cmd := exec.CommandContext(ctx, r.bwrap, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.V(1).Info("running hook", "scratch", opts.Scratch, "network", opts.AllowNetwork, "timeout", timeout)
	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return out.Bytes(), fmt.Errorf("%w: hook exceeded %s time limit", apxerr.ErrFilesystem, timeout)
			}
			return out.Bytes(), apxerr.ErrCancelled
		}
		return out.Bytes(), fmt.Errorf("%w: hook failed: %v", apxerr.ErrFilesystem, err)
	}
	return out.Bytes(), nil
}

// wrap prefixes the script with ulimit statements so resource limits
// apply to the whole process tree the shell spawns.
func wrap(script string, opts Options) string {
	var b strings.Builder
	if opts.MemoryLimit > 0 {
		fmt.Fprintf(&b, "ulimit -v %d; ", opts.MemoryLimit/1024)
	}
	if opts.CPULimit > 0 {
		fmt.Fprintf(&b, "ulimit -t %d; ", opts.CPULimit)
	}
	b.WriteString(script)
	return b.String()
}

func env(opts Options) map[string]string {
	vars := map[string]string{
		"PATH": "/usr/sbin:/usr/bin:/sbin:/bin",
	}
	if opts.StagedDir != "" {
		vars["APX_STAGED_TREE"] = opts.StagedDir
	}
	if opts.TargetRoot != "" {
		vars["APX_ROOT"] = opts.TargetRoot
	}
	if opts.Scratch != "" {
		vars["APX_SCRATCH"] = opts.Scratch
	}
	for k, v := range opts.Env {
		vars[k] = v
	}
	return vars
}
