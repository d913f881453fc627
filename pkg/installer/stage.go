package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/archive"
	"github.com/apx-pm/apx/pkg/debfile"
	"github.com/apx-pm/apx/pkg/solver"
	"github.com/go-logr/logr"
	"github.com/gosimple/hashdir"
	"golang.org/x/sync/errgroup"
)

// verify checks the trailing signature of every native container
// against the keys its repository pins. Legacy archives carry no
// container signature; their integrity rests on the whole-file
// checksum already enforced at download and on the signed index that
// referenced them.
func (ins *Installer) verify(ctx context.Context, steps []*solver.Step) error {
	log := logr.FromContextOrDiscard(ctx)

	for _, step := range steps {
		rec := step.Package.Record
		path := ins.cache.Path(rec.SHA256)
		if !apx.IsNative(path) {
			log.V(1).Info("legacy archive, container signature not applicable", "name", rec.Name)
			continue
		}
		repo, err := ins.idx.GetRepo(ctx, step.Package.RepoID)
		if err != nil {
			return err
		}
		kr := ins.keys
		if repo != nil && len(repo.Fingerprints) > 0 {
			kr = kr.Restrict(repo.Fingerprints)
		}
		p, err := apx.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", rec.Name, err)
		}
		err = p.Verify(ctx, kr)
		p.Close()
		if err != nil {
			return fmt.Errorf("verifying %s: %w", rec.Name, err)
		}
		log.V(1).Info("verified container", "name", rec.Name, "version", rec.Version)
	}
	return nil
}

// stage unpacks every container into its own scratch directory,
// verifying per-file checksums as the stream lands. Nothing under the
// target root is touched.
func (ins *Installer) stage(ctx context.Context, txDir string, steps []*solver.Step) ([]*stagedStep, error) {
	log := logr.FromContextOrDiscard(ctx)

	out := make([]*stagedStep, len(steps))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ins.jobs)
	for i, step := range steps {
		g.Go(func() error {
			rec := step.Package.Record
			path := ins.cache.Path(rec.SHA256)
			dir := filepath.Join(txDir, "scratch", fmt.Sprintf("%03d-%s", i, rec.Name))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("%w: creating staging directory: %v", apxerr.ErrFilesystem, err)
			}
			meta, err := ins.unpack(ctx, path, dir)
			if err != nil {
				return fmt.Errorf("staging %s: %w", rec.Name, err)
			}
			digest, err := hashdir.Make(dir, "sha256")
			if err != nil {
				return fmt.Errorf("%w: digesting staged tree for %s: %v", apxerr.ErrFilesystem, rec.Name, err)
			}
			log.V(1).Info("staged", "name", rec.Name, "files", len(meta.Files), "digest", digest)
			out[i] = &stagedStep{step: step, path: path, dir: dir, meta: meta, digest: digest}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// unpack extracts one container into dir and returns its metadata.
// Native containers check each file against the manifest during the
// stream; legacy archives have no per-file checksums, so the manifest
// is computed from the extracted tree instead.
func (ins *Installer) unpack(ctx context.Context, path, dir string) (*apx.Metadata, error) {
	if apx.IsNative(path) {
		p, err := apx.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		want := map[string]string{}
		for _, f := range p.Meta.Files {
			if f.SHA256 != "" && !strings.HasSuffix(f.Path, "/") {
				want[f.Path] = f.SHA256
			}
		}
		r, err := p.ContentReader(ctx)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		if err := archive.Extract(ctx, r, dir, want); err != nil {
			return nil, err
		}
		meta := p.Meta
		return &meta, nil
	}

	d, err := debfile.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	meta, err := d.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	r, err := d.DataReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := archive.Extract(ctx, r, dir, nil); err != nil {
		return nil, err
	}
	meta.Files, err = manifestFromTree(dir)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// manifestFromTree walks an extracted tree and builds the file
// manifest the installed record will carry.
func manifestFromTree(dir string) ([]apx.FileEntry, error) {
	var entries []apx.FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := apx.FileEntry{
			Path: "/" + filepath.ToSlash(rel),
			Mode: uint32(info.Mode().Perm()),
		}
		switch {
		case d.IsDir():
			entry.Path += "/"
		case info.Mode().IsRegular():
			sum, err := fileSHA256(path)
			if err != nil {
				return err
			}
			entry.SHA256 = sum
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking staged tree: %v", apxerr.ErrFilesystem, err)
	}
	return entries, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
