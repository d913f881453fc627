package debfile

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/blakesmith/ar"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleControl = `Package: hello
Version: 1.0-1
Architecture: amd64
Installed-Size: 25
Depends: libc6 (>= 2.34), perl | perl-base
Provides: greeter
Description: classic greeting program
`

func testContext(t *testing.T) context.Context {
	return logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeDeb(t *testing.T, members map[string][]byte, order []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello_1.0-1_amd64.deb")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := ar.NewWriter(f)
	require.NoError(t, w.WriteGlobalHeader())
	for _, name := range order {
		body := members[name]
		require.NoError(t, w.WriteHeader(&ar.Header{
			Name:    name,
			ModTime: time.Unix(0, 0),
			Mode:    0644,
			Size:    int64(len(body)),
		}))
		_, err := w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

func sampleDeb(t *testing.T) string {
	t.Helper()
	members := map[string][]byte{
		"debian-binary":  []byte("2.0\n"),
		"control.tar.gz": tarGz(t, map[string]string{"./control": sampleControl}),
		"data.tar.gz":    tarGz(t, map[string]string{"./usr/bin/hello": "#!/bin/sh\necho hello\n"}),
	}
	return writeDeb(t, members, []string{"debian-binary", "control.tar.gz", "data.tar.gz"})
}

func TestOpen(t *testing.T) {
	d, err := Open(testContext(t), sampleDeb(t))
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestMetadata(t *testing.T) {
	d, err := Open(testContext(t), sampleDeb(t))
	require.NoError(t, err)

	meta, err := d.Metadata(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "hello", meta.Name)
	assert.Equal(t, "1.0-1", meta.Version)
	assert.Equal(t, "amd64", meta.Architecture)
	assert.Equal(t, []string{"libc6 (>= 2.34)", "perl | perl-base"}, meta.Depends)
	assert.Equal(t, []string{"greeter"}, meta.Provides)
	assert.Equal(t, int64(25*1024), meta.Size)
	assert.Empty(t, meta.PreHook)
	assert.Empty(t, meta.PostHook)
}

func TestDataReader(t *testing.T) {
	ctx := testContext(t)
	d, err := Open(ctx, sampleDeb(t))
	require.NoError(t, err)

	rc, err := d.DataReader(ctx)
	require.NoError(t, err)
	defer func() {
		_ = rc.Close()
	}()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "./usr/bin/hello", hdr.Name)
	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "echo hello")
}

func TestOpenRejectsMalformed(t *testing.T) {
	ctx := testContext(t)

	t.Run("missing debian-binary", func(t *testing.T) {
		members := map[string][]byte{
			"control.tar.gz": tarGz(t, map[string]string{"./control": sampleControl}),
			"data.tar.gz":    tarGz(t, nil),
		}
		_, err := Open(ctx, writeDeb(t, members, []string{"control.tar.gz", "data.tar.gz"}))
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("unsupported version", func(t *testing.T) {
		members := map[string][]byte{
			"debian-binary":  []byte("3.0\n"),
			"control.tar.gz": tarGz(t, map[string]string{"./control": sampleControl}),
			"data.tar.gz":    tarGz(t, nil),
		}
		_, err := Open(ctx, writeDeb(t, members, []string{"debian-binary", "control.tar.gz", "data.tar.gz"}))
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("missing data member", func(t *testing.T) {
		members := map[string][]byte{
			"debian-binary":  []byte("2.0\n"),
			"control.tar.gz": tarGz(t, map[string]string{"./control": sampleControl}),
		}
		_, err := Open(ctx, writeDeb(t, members, []string{"debian-binary", "control.tar.gz"}))
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("not an ar file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.deb")
		require.NoError(t, os.WriteFile(path, []byte("random bytes, not an archive"), 0644))
		_, err := Open(ctx, path)
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Open(ctx, filepath.Join(t.TempDir(), "nope.deb"))
		assert.ErrorIs(t, err, apxerr.ErrFilesystem)
	})
}

func TestMetadataMissingControlFile(t *testing.T) {
	ctx := testContext(t)
	members := map[string][]byte{
		"debian-binary":  []byte("2.0\n"),
		"control.tar.gz": tarGz(t, map[string]string{"./md5sums": "whatever"}),
		"data.tar.gz":    tarGz(t, nil),
	}
	d, err := Open(ctx, writeDeb(t, members, []string{"debian-binary", "control.tar.gz", "data.tar.gz"}))
	require.NoError(t, err)

	_, err = d.Metadata(ctx)
	assert.ErrorIs(t, err, apxerr.ErrIntegrity)
}
