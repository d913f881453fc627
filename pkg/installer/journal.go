package installer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// journal is the write-ahead record of filesystem mutations made by a
// committing transaction. Every entry is appended and flushed before
// the mutation it describes, so after a crash the journal names every
// path that may have changed and rollback can restore all of them.
//
// Entry format, one per line:
//
//	R <backup>\t<path>   path was replaced or removed; backup holds the old bytes
//	N \t<path>           path is new; nothing to restore
//
// The rollback-pending marker exists from the first mutation until the
// transaction is fully recorded. A journal directory carrying the
// marker is an interrupted commit and must be rolled back.
type journal struct {
	dir     string
	f       *os.File
	w       *bufio.Writer
	backups int
}

const (
	journalFile   = "journal"
	pendingMarker = "rollback-pending"
)

func newJournal(dir string) (*journal, error) {
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating journal directory: %v", apxerr.ErrFilesystem, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening journal: %v", apxerr.ErrFilesystem, err)
	}
	return &journal{dir: dir, f: f, w: bufio.NewWriter(f)}, nil
}

// begin places the rollback-pending marker. Called once, before the
// first filesystem mutation.
func (j *journal) begin() error {
	if err := os.WriteFile(filepath.Join(j.dir, pendingMarker), nil, 0644); err != nil {
		return fmt.Errorf("%w: writing rollback marker: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}

// backupPath hands out a fresh slot under backups/.
func (j *journal) backupPath() string {
	j.backups++
	return filepath.Join(j.dir, "backups", fmt.Sprintf("%06d", j.backups))
}

// record appends and syncs one entry. The entry must reach disk before
// the mutation it covers happens.
func (j *journal) record(kind, backup, path string) error {
	if _, err := fmt.Fprintf(j.w, "%s %s\t%s\n", kind, backup, path); err != nil {
		return fmt.Errorf("%w: appending journal entry: %v", apxerr.ErrFilesystem, err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("%w: flushing journal: %v", apxerr.ErrFilesystem, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing journal: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}

// done removes the whole journal directory, marker included. Only
// called after the index has recorded the transaction.
func (j *journal) done() error {
	j.f.Close()
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("%w: discarding journal: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}

// rollback restores every journaled path in reverse order. It is
// idempotent: entries whose backup is already consumed or whose path
// is already gone are skipped, so a rollback interrupted by a second
// crash can simply run again.
func (j *journal) rollback(ctx context.Context) error {
	j.w.Flush()
	j.f.Sync()
	j.f.Close()
	if err := rollbackDir(ctx, j.dir); err != nil {
		return err
	}
	return os.RemoveAll(j.dir)
}

func rollbackDir(ctx context.Context, dir string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("journal", dir)

	raw, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading journal: %v", apxerr.ErrFilesystem, err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	var restored, removed int
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line == "" {
			continue
		}
		kind, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		backup, path, ok := strings.Cut(rest, "\t")
		if !ok {
			continue
		}
		switch kind {
		case "R":
			if _, err := os.Lstat(backup); err != nil {
				continue // already restored
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("%w: restoring %s: %v", apxerr.ErrFilesystem, path, err)
			}
			os.RemoveAll(path)
			if err := os.Rename(backup, path); err != nil {
				return fmt.Errorf("%w: restoring %s: %v", apxerr.ErrFilesystem, path, err)
			}
			restored++
		case "N":
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				// a directory that gained other content stays
				if !isNotEmpty(err) {
					return fmt.Errorf("%w: undoing %s: %v", apxerr.ErrFilesystem, path, err)
				}
			} else {
				removed++
			}
		}
	}
	log.Info("rolled back interrupted transaction", "restored", restored, "removed", removed)
	return nil
}

func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty")
}

// ResumePending scans the state directory for transactions that
// crashed mid-commit and rolls each one back. Apply runs it right after
// taking the install lock, before starting its own transaction.
func ResumePending(ctx context.Context, stateDir string) error {
	log := logr.FromContextOrDiscard(ctx)

	txns := filepath.Join(stateDir, "txns")
	entries, err := os.ReadDir(txns)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: scanning transaction state: %v", apxerr.ErrFilesystem, err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	for _, name := range dirs {
		dir := filepath.Join(txns, name)
		if _, err := os.Stat(filepath.Join(dir, pendingMarker)); err != nil {
			// no marker means the commit never started or fully finished
			os.RemoveAll(dir)
			continue
		}
		log.Info("resuming interrupted rollback", "transaction", name)
		if err := rollbackDir(ctx, dir); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: discarding journal: %v", apxerr.ErrFilesystem, err)
		}
	}
	return nil
}
