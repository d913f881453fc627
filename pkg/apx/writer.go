package apx

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
)

// BuildOptions drive Build. Root is the staged tree that becomes the
// content stream; Meta.Files and Meta.Size are computed from it. Key
// signs the container; when nil an all-zero signature is written,
// which no ring will accept.
type BuildOptions struct {
	Meta Metadata
	Root string
	Key  ed25519.PrivateKey
}

// Build assembles a native container from a staged directory and
// writes it to path via a temporary sibling and rename.
func Build(ctx context.Context, path string, opts BuildOptions) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path, "root", opts.Root)

	meta := opts.Meta
	content, files, total, err := packContent(ctx, opts.Root)
	if err != nil {
		return err
	}
	meta.Files = files
	meta.Size = total

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	metaBlob := enc.EncodeAll(rawMeta, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	var hdr [6]byte
	binary.LittleEndian.PutUint16(hdr[0:2], FormatVersion)
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(metaBlob)))
	buf.Write(hdr[:])
	buf.Write(metaBlob)
	buf.Write(content)

	sig := make([]byte, keyring.SignatureSize)
	if opts.Key != nil {
		sig = ed25519.Sign(opts.Key, buf.Bytes())
	}
	buf.Write(sig)

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: writing container: %v", apxerr.ErrFilesystem, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: placing container: %v", apxerr.ErrFilesystem, err)
	}
	log.V(1).Info("built container", "name", meta.Name, "version", meta.Version, "files", len(files), "bytes", buf.Len())
	return nil
}

// packContent tars root into a zstd stream and returns the manifest
// entries alongside the total uncompressed file size.
func packContent(ctx context.Context, root string) ([]byte, []FileEntry, int64, error) {
	var (
		buf   bytes.Buffer
		files []FileEntry
		total int64
	)
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, nil, 0, err
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrCancelled, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     rel + "/",
				Mode:     int64(info.Mode().Perm()),
			})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     rel,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
			})
		case !info.Mode().IsRegular():
			return fmt.Errorf("unsupported file type at %s", rel)
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     rel,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
		}); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(tw, h), f)
		_ = f.Close()
		if err != nil {
			return err
		}
		files = append(files, FileEntry{
			Path:   "/" + filepath.ToSlash(rel),
			SHA256: hex.EncodeToString(h.Sum(nil)),
			Mode:   uint32(info.Mode().Perm()),
		})
		total += n
		return nil
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("packing %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return nil, nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, nil, 0, err
	}
	return buf.Bytes(), files, total, nil
}
