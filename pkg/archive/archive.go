package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// Extract expands a tar stream into dir. When want is non-nil it maps
// absolute install paths to expected SHA-256 checksums and every
// regular file must appear in it and match; the checksum is computed
// while the file streams to disk, so a mismatch stops extraction
// before any further byte lands. Entries that would escape dir are
// rejected.
func Extract(ctx context.Context, r io.Reader, dir string, want map[string]string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("dir", dir)
	root := filepath.Clean(dir)
	tr := tar.NewReader(r)

	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrCancelled, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading archive: %v", apxerr.ErrIntegrity, err)
		}

		name := filepath.Clean("/" + filepath.FromSlash(hdr.Name))
		target := filepath.Join(root, name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: entry %q escapes extraction root", apxerr.ErrIntegrity, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("%w: creating directory %s: %v", apxerr.ErrFilesystem, name, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: symlink %s has absolute target %q", apxerr.ErrIntegrity, name, hdr.Linkname)
			}
			if escapes(filepath.Dir(strings.TrimPrefix(name, "/")), hdr.Linkname) {
				return fmt.Errorf("%w: symlink %s escapes extraction root", apxerr.ErrIntegrity, name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("%w: creating symlink %s: %v", apxerr.ErrFilesystem, name, err)
			}
		case tar.TypeLink:
			src := filepath.Join(root, filepath.Clean("/"+filepath.FromSlash(hdr.Linkname)))
			if !strings.HasPrefix(src, root+string(os.PathSeparator)) {
				return fmt.Errorf("%w: hardlink %s escapes extraction root", apxerr.ErrIntegrity, name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
			}
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("%w: creating hardlink %s: %v", apxerr.ErrFilesystem, name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, name, os.FileMode(hdr.Mode), tr, want); err != nil {
				return err
			}
			files++
		default:
			log.V(3).Info("skipping unsupported entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
	log.V(1).Info("extracted archive", "files", files)
	return nil
}

func writeFile(target, name string, mode os.FileMode, r io.Reader, want map[string]string) error {
	expected := ""
	if want != nil {
		var ok bool
		expected, ok = want[filepath.ToSlash(name)]
		if !ok {
			return fmt.Errorf("%w: file %s not declared in manifest", apxerr.ErrIntegrity, name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", apxerr.ErrFilesystem, name, err)
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: extracting %s: %v", apxerr.ErrFilesystem, name, err)
	}

	if expected != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, expected) {
			_ = os.Remove(target)
			return fmt.Errorf("%w: checksum mismatch for %s: expected %s, got %s", apxerr.ErrIntegrity, name, expected, got)
		}
	}
	return nil
}

// escapes reports whether link, resolved relative to dir, walks above
// the extraction root. Both paths are root-relative.
func escapes(dir, link string) bool {
	resolved := filepath.Clean(filepath.Join(dir, link))
	return resolved == ".." || strings.HasPrefix(resolved, ".."+string(os.PathSeparator))
}
