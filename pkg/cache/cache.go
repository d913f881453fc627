package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// Cache is the downloaded-container store, keyed by content checksum.
// Complete entries live under packages/ and are written once via the
// downloader's temp-and-rename, so a present file is always whole.
// Partial downloads live under partial/ and are safe to discard at
// any time.
type Cache struct {
	dir string
}

// New opens the cache rooted at dir, creating the layout if needed.
func New(dir string) (*Cache, error) {
	for _, d := range []string{filepath.Join(dir, "packages"), filepath.Join(dir, "partial")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating cache directory: %v", apxerr.ErrFilesystem, err)
		}
	}
	return &Cache{dir: dir}, nil
}

// Path returns where the container with the given checksum lives.
func (c *Cache) Path(sha256 string) string {
	return filepath.Join(c.dir, "packages", strings.ToLower(sha256)+".apx")
}

// PartialPath returns the in-flight download location for a checksum.
// The downloader appends its own ".part" suffix underneath.
func (c *Cache) PartialPath(sha256 string) string {
	return filepath.Join(c.dir, "partial", strings.ToLower(sha256)+".apx")
}

// Has reports whether a complete entry exists for the checksum.
func (c *Cache) Has(sha256 string) bool {
	info, err := os.Stat(c.Path(sha256))
	return err == nil && info.Mode().IsRegular()
}

// Promote moves a completed partial download into its final slot.
func (c *Cache) Promote(sha256 string) error {
	if err := os.Rename(c.PartialPath(sha256), c.Path(sha256)); err != nil {
		return fmt.Errorf("%w: promoting cache entry: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}

// Clean removes cache entries. With a zero olderThan every entry and
// every partial goes; otherwise only entries last written at least that
// long ago (by modification time) are removed, and partials always are.
func (c *Cache) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("dir", c.dir)

	cutoff := time.Now().Add(-olderThan)
	freed, err := c.sweep(func(info os.FileInfo) bool {
		return olderThan <= 0 || !info.ModTime().After(cutoff)
	})
	if err != nil {
		return freed, err
	}
	log.Info("cleaned cache", "freed", freed)
	return freed, nil
}

// CleanOld removes every complete entry whose checksum is not in
// keep, plus all partials. The caller supplies the checksums of the
// newest version of each package it wants retained.
func (c *Cache) CleanOld(ctx context.Context, keep map[string]bool) (int64, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("dir", c.dir)

	freed, err := c.sweep(func(info os.FileInfo) bool {
		sum := strings.ToLower(strings.TrimSuffix(info.Name(), ".apx"))
		return !keep[sum]
	})
	if err != nil {
		return freed, err
	}
	log.Info("cleaned old cache entries", "freed", freed, "kept", len(keep))
	return freed, nil
}

// sweep removes complete entries matching remove, and every partial.
func (c *Cache) sweep(remove func(os.FileInfo) bool) (int64, error) {
	var freed int64

	pkgDir := filepath.Join(c.dir, "packages")
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return 0, fmt.Errorf("%w: reading cache: %v", apxerr.ErrFilesystem, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !remove(info) {
			continue
		}
		if err := os.Remove(filepath.Join(pkgDir, entry.Name())); err != nil {
			return freed, fmt.Errorf("%w: removing cache entry: %v", apxerr.ErrFilesystem, err)
		}
		freed += info.Size()
	}

	partials, err := os.ReadDir(filepath.Join(c.dir, "partial"))
	if err != nil {
		return freed, fmt.Errorf("%w: reading partial directory: %v", apxerr.ErrFilesystem, err)
	}
	for _, entry := range partials {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, "partial", entry.Name())); err != nil {
			return freed, fmt.Errorf("%w: removing partial: %v", apxerr.ErrFilesystem, err)
		}
		freed += info.Size()
	}
	return freed, nil
}
