package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

type entry struct {
	typ  byte
	name string
	link string
	body string
	mode int64
}

func makeTar(t *testing.T, entries []entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Typeflag: e.typ,
			Name:     e.name,
			Linkname: e.link,
			Mode:     mode,
			Size:     int64(len(e.body)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return &buf
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	src := makeTar(t, []entry{
		{typ: tar.TypeDir, name: "usr/", mode: 0755},
		{typ: tar.TypeDir, name: "usr/bin/", mode: 0755},
		{typ: tar.TypeReg, name: "usr/bin/hello", body: "#!/bin/sh\n", mode: 0755},
		{typ: tar.TypeSymlink, name: "usr/bin/hi", link: "hello"},
		{typ: tar.TypeLink, name: "usr/bin/hello2", link: "usr/bin/hello"},
	})

	require.NoError(t, Extract(testContext(t), src, dir, nil))

	body, err := os.ReadFile(filepath.Join(dir, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(body))

	info, err := os.Stat(filepath.Join(dir, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dir, "usr", "bin", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", target)

	linked, err := os.ReadFile(filepath.Join(dir, "usr", "bin", "hello2"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(linked))
}

func TestExtractManifestChecksums(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		dir := t.TempDir()
		src := makeTar(t, []entry{
			{typ: tar.TypeReg, name: "etc/motd", body: "welcome\n"},
		})
		want := map[string]string{"/etc/motd": sum("welcome\n")}
		require.NoError(t, Extract(testContext(t), src, dir, want))
	})

	t.Run("mismatch removes the file", func(t *testing.T) {
		dir := t.TempDir()
		src := makeTar(t, []entry{
			{typ: tar.TypeReg, name: "etc/motd", body: "welcome\n"},
		})
		want := map[string]string{"/etc/motd": sum("something else")}
		err := Extract(testContext(t), src, dir, want)
		require.Error(t, err)
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
		assert.NoFileExists(t, filepath.Join(dir, "etc", "motd"))
	})

	t.Run("undeclared file", func(t *testing.T) {
		dir := t.TempDir()
		src := makeTar(t, []entry{
			{typ: tar.TypeReg, name: "etc/sneaky", body: "x"},
		})
		err := Extract(testContext(t), src, dir, map[string]string{"/etc/motd": sum("welcome\n")})
		assert.ErrorIs(t, err, apxerr.ErrIntegrity)
	})
}

func TestExtractRejectsEscapes(t *testing.T) {
	var cases = []struct {
		name    string
		entries []entry
	}{
		{
			name:    "symlink absolute target",
			entries: []entry{{typ: tar.TypeSymlink, name: "etc/link", link: "/etc/passwd"}},
		},
		{
			name:    "symlink walks out",
			entries: []entry{{typ: tar.TypeSymlink, name: "etc/link", link: "../../outside"}},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			err := Extract(testContext(t), makeTar(t, tt.entries), dir, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, apxerr.ErrIntegrity)
		})
	}
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	src := makeTar(t, []entry{{typ: tar.TypeReg, name: "a", body: "x"}})
	err := Extract(ctx, src, t.TempDir(), nil)
	assert.ErrorIs(t, err, apxerr.ErrCancelled)
}

func TestExtractGarbage(t *testing.T) {
	err := Extract(testContext(t), bytes.NewReader([]byte("not a tar stream at all")), t.TempDir(), nil)
	assert.ErrorIs(t, err, apxerr.ErrIntegrity)
}
