package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/apx-pm/apx/pkg/apxerr"
)

// flock is the global install lock. Exactly one transaction may touch
// the target root at a time; the lock file records the holder's pid so
// a crashed holder can be detected and the lock reclaimed.
type flock struct {
	path string
}

func acquireLock(path string) (*flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating lock directory: %v", apxerr.ErrFilesystem, err)
	}
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("%w: writing lock file: %v", apxerr.ErrFilesystem, err)
			}
			return &flock{path: path}, nil
		}
		if !os.IsExist(err) || attempt > 0 {
			return nil, fmt.Errorf("%w: acquiring install lock: %v", apxerr.ErrFilesystem, err)
		}
		pid, alive := lockHolder(path)
		if alive {
			return nil, fmt.Errorf("%w: another process (pid %d) holds the install lock", apxerr.ErrFilesystem, pid)
		}
		// stale lock from a dead process; reclaim it
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: removing stale lock: %v", apxerr.ErrFilesystem, err)
		}
	}
}

// lockHolder reads the pid out of the lock file and reports whether
// that process still exists.
func lockHolder(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

func (l *flock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: releasing install lock: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}
