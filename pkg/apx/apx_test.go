package apx

import (
	"archive/tar"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

func stageTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr", "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr", "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr", "bin", "data.txt"), []byte("payload"), 0644))
	require.NoError(t, os.Symlink("hello", filepath.Join(root, "usr", "bin", "hi")))
	return root
}

func buildTestContainer(t *testing.T, key ed25519.PrivateKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello_1.0-1_amd64.apx")
	err := Build(testContext(t), path, BuildOptions{
		Meta: Metadata{
			Name:         "hello",
			Version:      "1.0-1",
			Architecture: "amd64",
			Depends:      []string{"libc6 (>= 2.34)"},
			PostHook:     "echo done",
		},
		Root: stageTree(t),
		Key:  key,
	})
	require.NoError(t, err)
	return path
}

func TestBuildOpenRoundTrip(t *testing.T) {
	ctx := testContext(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := buildTestContainer(t, priv)

	p, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() {
		_ = p.Close()
	}()

	assert.Equal(t, "hello", p.Meta.Name)
	assert.Equal(t, "1.0-1", p.Meta.Version)
	assert.Equal(t, "amd64", p.Meta.Architecture)
	assert.Equal(t, []string{"libc6 (>= 2.34)"}, p.Meta.Depends)
	assert.Equal(t, "echo done", p.Meta.PostHook)

	// the manifest covers the regular files with real checksums
	byPath := map[string]FileEntry{}
	for _, fe := range p.Meta.Files {
		byPath[fe.Path] = fe
	}
	require.Contains(t, byPath, "/usr/bin/hello")
	assert.Len(t, byPath["/usr/bin/hello"].SHA256, 64)
	assert.Equal(t, uint32(0755), byPath["/usr/bin/hello"].Mode)
	require.Contains(t, byPath, "/usr/bin/data.txt")
	assert.Positive(t, p.Meta.Size)
}

func TestContentReader(t *testing.T) {
	ctx := testContext(t)
	path := buildTestContainer(t, nil)

	p, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() {
		_ = p.Close()
	}()

	rc, err := p.ContentReader(ctx)
	require.NoError(t, err)
	defer func() {
		_ = rc.Close()
	}()

	seen := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			seen[hdr.Name] = ""
			continue
		}
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		seen[hdr.Name] = string(body)
	}
	assert.Equal(t, "payload", seen["usr/bin/data.txt"])
	assert.Contains(t, seen, "usr/bin/hi")
	assert.Contains(t, seen, "usr/")
}

func TestVerify(t *testing.T) {
	ctx := testContext(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := buildTestContainer(t, priv)

	kr := &keyring.Keyring{}
	require.NoError(t, kr.Add(pub))

	p, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() {
		_ = p.Close()
	}()
	assert.NoError(t, p.Verify(ctx, kr))
}

func TestVerifyTampered(t *testing.T) {
	ctx := testContext(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := buildTestContainer(t, priv)

	// flip one byte inside the signed region
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	kr := &keyring.Keyring{}
	require.NoError(t, kr.Add(pub))

	p, err := Open(ctx, path)
	if err != nil {
		// the flipped byte may land in the metadata block
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
		return
	}
	defer func() {
		_ = p.Close()
	}()
	assert.ErrorIs(t, p.Verify(ctx, kr), apxerr.ErrIntegrity)
}

func TestVerifyUnsigned(t *testing.T) {
	ctx := testContext(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := buildTestContainer(t, nil)

	kr := &keyring.Keyring{}
	require.NoError(t, kr.Add(pub))

	p, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() {
		_ = p.Close()
	}()
	assert.ErrorIs(t, p.Verify(ctx, kr), keyring.ErrBadSignature)
}

func TestOpenRejectsGarbage(t *testing.T) {
	ctx := testContext(t)

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "short.apx")
		require.NoError(t, os.WriteFile(path, []byte("APX1"), 0644))
		_, err := Open(ctx, path)
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("bad magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notapx.deb")
		require.NoError(t, os.WriteFile(path, make([]byte, 256), 0644))
		_, err := Open(ctx, path)
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Open(ctx, filepath.Join(t.TempDir(), "nope.apx"))
		assert.ErrorIs(t, err, apxerr.ErrFilesystem)
	})
}

func TestIsNative(t *testing.T) {
	path := buildTestContainer(t, nil)
	assert.True(t, IsNative(path))

	other := filepath.Join(t.TempDir(), "plain.deb")
	require.NoError(t, os.WriteFile(other, []byte("!<arch>\n"), 0644))
	assert.False(t, IsNative(other))

	assert.False(t, IsNative(filepath.Join(t.TempDir(), "missing")))
}
