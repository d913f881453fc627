package debfile

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/blakesmith/ar"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"pault.ag/go/debian/control"
)

// Deb is a legacy Debian ar container. Open scans the member table;
// Metadata and DataReader re-open the file and stream the member they
// need, so a Deb itself holds no descriptor.
type Deb struct {
	path          string
	controlMember string
	dataMember    string
}

// Open validates the ar structure of the file at path and records
// which compression each member uses.
func Open(ctx context.Context, path string) (*Deb, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %v", apxerr.ErrFilesystem, err)
	}
	defer func() {
		_ = f.Close()
	}()

	d := &Deb{path: path}
	rd := ar.NewReader(f)
	sawVersion := false
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading ar member: %v", apxerr.ErrIntegrity, err)
		}
		name := cleanMember(hdr.Name)
		switch {
		case name == "debian-binary":
			raw, err := io.ReadAll(io.LimitReader(rd, 64))
			if err != nil {
				return nil, fmt.Errorf("%w: reading debian-binary: %v", apxerr.ErrIntegrity, err)
			}
			if v := strings.TrimSpace(string(raw)); v != "2.0" {
				return nil, fmt.Errorf("%w: unsupported archive version %q", apxerr.ErrIntegrity, v)
			}
			sawVersion = true
		case strings.HasPrefix(name, "control.tar"):
			d.controlMember = name
		case strings.HasPrefix(name, "data.tar"):
			d.dataMember = name
		}
	}
	if !sawVersion {
		return nil, fmt.Errorf("%w: missing debian-binary member", apxerr.ErrIntegrity)
	}
	if d.controlMember == "" || d.dataMember == "" {
		return nil, fmt.Errorf("%w: archive lacks control or data member", apxerr.ErrIntegrity)
	}
	log.V(2).Info("opened legacy archive", "control", d.controlMember, "data", d.dataMember)
	return d, nil
}

// controlStanza mirrors the control member fields this reader uses.
type controlStanza struct {
	Package       string
	Version       string
	Architecture  string
	InstalledSize string   `control:"Installed-Size"`
	Depends       []string `delim:", "`
	Conflicts     []string `delim:", "`
	Provides      []string `delim:", "`
	Replaces      []string `delim:", "`
}

// Metadata decodes the control member into container metadata. Legacy
// maintainer scripts are not carried over; hooks stay empty.
func (d *Deb) Metadata(ctx context.Context) (*apx.Metadata, error) {
	r, err := d.member(d.controlMember)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: control member has no control file", apxerr.ErrIntegrity)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading control member: %v", apxerr.ErrIntegrity, err)
		}
		if strings.TrimPrefix(path.Clean(hdr.Name), "./") != "control" {
			continue
		}
		var st controlStanza
		if err := control.Unmarshal(&st, tr); err != nil {
			return nil, fmt.Errorf("%w: decoding control stanza: %v", apxerr.ErrIntegrity, err)
		}
		meta := &apx.Metadata{
			Name:         st.Package,
			Version:      st.Version,
			Architecture: st.Architecture,
			Depends:      st.Depends,
			Conflicts:    st.Conflicts,
			Provides:     st.Provides,
			Replaces:     st.Replaces,
		}
		// Installed-Size is recorded in KiB
		if st.InstalledSize != "" {
			if kib, err := strconv.ParseInt(strings.TrimSpace(st.InstalledSize), 10, 64); err == nil {
				meta.Size = kib * 1024
			}
		}
		if meta.Name == "" || meta.Version == "" {
			return nil, fmt.Errorf("%w: control stanza missing Package or Version", apxerr.ErrIntegrity)
		}
		return meta, nil
	}
}

// DataReader returns the decompressed data member tar stream.
func (d *Deb) DataReader(ctx context.Context) (io.ReadCloser, error) {
	log := logr.FromContextOrDiscard(ctx)
	log.V(2).Info("opening data member", "member", d.dataMember)
	return d.member(d.dataMember)
}

// member re-opens the archive, seeks to the named member and returns
// a reader over its decompressed contents.
func (d *Deb) member(name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %v", apxerr.ErrFilesystem, err)
	}
	rd := ar.NewReader(f)
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			_ = f.Close()
			return nil, fmt.Errorf("%w: member %s disappeared", apxerr.ErrIntegrity, name)
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: reading ar member: %v", apxerr.ErrIntegrity, err)
		}
		if cleanMember(hdr.Name) != name {
			continue
		}
		return decompress(name, rd, f)
	}
}

// decompress wraps r according to the member's extension, arranging
// for closers to be released in reverse order.
func decompress(name string, r io.Reader, closers ...io.Closer) (io.ReadCloser, error) {
	fail := func(err error) (io.ReadCloser, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%w: decompressing %s: %v", apxerr.ErrIntegrity, name, err)
	}
	switch path.Ext(name) {
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fail(err)
		}
		return &stream{Reader: gz, closers: append([]io.Closer{gz}, closers...)}, nil
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return fail(err)
		}
		return &stream{Reader: xr, closers: closers}, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fail(err)
		}
		rc := zr.IOReadCloser()
		return &stream{Reader: rc, closers: append([]io.Closer{rc}, closers...)}, nil
	case ".tar":
		return &stream{Reader: r, closers: closers}, nil
	default:
		return fail(fmt.Errorf("unknown compression for %s", name))
	}
}

type stream struct {
	io.Reader
	closers []io.Closer
}

func (s *stream) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func cleanMember(name string) string {
	return strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(name), "/"), "./")
}
