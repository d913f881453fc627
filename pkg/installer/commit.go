package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/go-logr/logr"
)

// commitInstall moves one staged tree into the target root. Files land
// as a fsynced temp sibling renamed over the destination, so readers
// of any path see either the old bytes or the new bytes, never a
// partial write. Commits are serial; the journal entry for each path
// reaches disk before the path changes.
func (ins *Installer) commitInstall(ctx context.Context, j *journal, st *stagedStep) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("name", st.step.Name)

	entries := append([]apx.FileEntry(nil), st.meta.Files...)
	sort.Slice(entries, func(i, k int) bool { return entries[i].Path < entries[k].Path })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrCancelled, err)
		}
		target := filepath.Join(ins.root, filepath.FromSlash(entry.Path))
		if strings.HasSuffix(entry.Path, "/") {
			if _, err := os.Lstat(target); os.IsNotExist(err) {
				if err := j.record("N", "", target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, os.FileMode(entry.Mode)); err != nil {
				return fmt.Errorf("%w: creating %s: %v", apxerr.ErrFilesystem, target, err)
			}
			continue
		}
		src := filepath.Join(st.dir, filepath.FromSlash(entry.Path))
		if err := ins.commitFile(j, src, target, os.FileMode(entry.Mode)); err != nil {
			return err
		}
	}
	log.V(1).Info("committed", "files", len(entries))
	return nil
}

// commitFile replaces target with the staged file at src. An existing
// target is journaled and moved aside first, so rollback can put it
// back.
func (ins *Installer) commitFile(j *journal, src, target string, mode os.FileMode) error {
	// parent directories this commit creates are journaled outermost
	// first, so rollback removes them after the files inside
	var created []string
	for d := filepath.Dir(target); d != filepath.Dir(d); d = filepath.Dir(d) {
		if _, err := os.Lstat(d); !os.IsNotExist(err) {
			break
		}
		created = append(created, d)
	}
	for i := len(created) - 1; i >= 0; i-- {
		if err := j.record("N", "", created[i]); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", apxerr.ErrFilesystem, filepath.Dir(target), err)
	}

	if _, err := os.Lstat(target); err == nil {
		backup := j.backupPath()
		if err := j.record("R", backup, target); err != nil {
			return err
		}
		if err := rename(target, backup); err != nil {
			return err
		}
	} else if os.IsNotExist(err) {
		if err := j.record("N", "", target); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: inspecting %s: %v", apxerr.ErrFilesystem, target, err)
	}

	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("%w: reading staged %s: %v", apxerr.ErrFilesystem, src, err)
	}
	tmp := target + ".apx-tmp"
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("%w: reading staged link %s: %v", apxerr.ErrFilesystem, src, err)
		}
		os.Remove(tmp)
		if err := os.Symlink(dest, tmp); err != nil {
			return fmt.Errorf("%w: creating %s: %v", apxerr.ErrFilesystem, target, err)
		}
	} else {
		if err := copyFile(src, tmp, mode); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: committing %s: %v", apxerr.ErrFilesystem, target, err)
	}
	return nil
}

// commitRemove journals and removes every file a package's manifest
// owns, deepest paths first, then its now-empty directories.
func (ins *Installer) commitRemove(ctx context.Context, j *journal, inst *index.Installed) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("name", inst.Name)

	entries := append([]apx.FileEntry(nil), inst.Manifest...)
	sort.Slice(entries, func(i, k int) bool { return entries[i].Path > entries[k].Path })
	if err := ins.removeFiles(ctx, j, entries); err != nil {
		return err
	}
	log.V(1).Info("removed", "files", len(entries))
	return nil
}

func (ins *Installer) removeFiles(ctx context.Context, j *journal, entries []apx.FileEntry) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrCancelled, err)
		}
		target := filepath.Join(ins.root, filepath.FromSlash(entry.Path))
		if strings.HasSuffix(entry.Path, "/") {
			// a directory still holding other packages' files stays
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) && !isNotEmpty(err) {
				return fmt.Errorf("%w: removing %s: %v", apxerr.ErrFilesystem, target, err)
			}
			continue
		}
		if _, err := os.Lstat(target); os.IsNotExist(err) {
			continue
		}
		backup := j.backupPath()
		if err := j.record("R", backup, target); err != nil {
			return err
		}
		if err := rename(target, backup); err != nil {
			return err
		}
	}
	return nil
}

// rename moves a file, falling back to copy+fsync+unlink when source
// and destination sit on different filesystems.
func rename(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return fmt.Errorf("%w: moving %s: %v", apxerr.ErrFilesystem, from, err)
	}
	info, err := os.Lstat(from)
	if err != nil {
		return fmt.Errorf("%w: moving %s: %v", apxerr.ErrFilesystem, from, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(from)
		if err != nil {
			return fmt.Errorf("%w: moving %s: %v", apxerr.ErrFilesystem, from, err)
		}
		os.Remove(to)
		if err := os.Symlink(dest, to); err != nil {
			return fmt.Errorf("%w: moving %s: %v", apxerr.ErrFilesystem, from, err)
		}
	} else if err := copyFile(from, to, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Remove(from); err != nil {
		return fmt.Errorf("%w: moving %s: %v", apxerr.ErrFilesystem, from, err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return strings.Contains(err.Error(), "cross-device")
}

func copyFile(from, to string, mode os.FileMode) error {
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("%w: copying %s: %v", apxerr.ErrFilesystem, from, err)
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("%w: copying to %s: %v", apxerr.ErrFilesystem, to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(to)
		return fmt.Errorf("%w: copying to %s: %v", apxerr.ErrFilesystem, to, err)
	}
	if err := out.Chmod(mode); err != nil {
		out.Close()
		return fmt.Errorf("%w: copying to %s: %v", apxerr.ErrFilesystem, to, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("%w: syncing %s: %v", apxerr.ErrFilesystem, to, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", apxerr.ErrFilesystem, to, err)
	}
	return nil
}
