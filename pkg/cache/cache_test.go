package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testCache(t *testing.T) (context.Context, *Cache) {
	t.Helper()
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	c, err := New(t.TempDir())
	require.NoError(t, err)
	return ctx, c
}

func TestPromote(t *testing.T) {
	_, c := testCache(t)

	require.NoError(t, os.WriteFile(c.PartialPath(shaA), []byte("container bytes"), 0644))
	assert.False(t, c.Has(shaA))

	require.NoError(t, c.Promote(shaA))
	assert.True(t, c.Has(shaA))
	assert.NoFileExists(t, c.PartialPath(shaA))

	t.Run("missing partial", func(t *testing.T) {
		assert.Error(t, c.Promote(shaB))
	})
}

func TestPathLowercasesChecksum(t *testing.T) {
	_, c := testCache(t)
	assert.Equal(t, c.Path(strings.ToUpper(shaA)), c.Path(shaA))
}

func TestClean(t *testing.T) {
	ctx, c := testCache(t)

	require.NoError(t, os.WriteFile(c.Path(shaA), []byte("12345"), 0644))
	require.NoError(t, os.WriteFile(c.PartialPath(shaB), []byte("123"), 0644))

	freed, err := c.Clean(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), freed)
	assert.False(t, c.Has(shaA))
	assert.NoFileExists(t, c.PartialPath(shaB))
}

func TestCleanKeepsRecentEntries(t *testing.T) {
	ctx, c := testCache(t)

	require.NoError(t, os.WriteFile(c.Path(shaA), []byte("old"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(c.Path(shaA), old, old))
	require.NoError(t, os.WriteFile(c.Path(shaB), []byte("fresh"), 0644))

	_, err := c.Clean(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, c.Has(shaA))
	assert.True(t, c.Has(shaB))
}

func TestCleanOld(t *testing.T) {
	ctx, c := testCache(t)

	require.NoError(t, os.WriteFile(c.Path(shaA), []byte("keep me"), 0644))
	require.NoError(t, os.WriteFile(c.Path(shaB), []byte("stale"), 0644))
	require.NoError(t, os.WriteFile(c.PartialPath(shaA), []byte("part"), 0644))

	freed, err := c.CleanOld(ctx, map[string]bool{shaA: true})
	require.NoError(t, err)
	assert.Equal(t, int64(9), freed)
	assert.True(t, c.Has(shaA))
	assert.False(t, c.Has(shaB))
	assert.NoFileExists(t, c.PartialPath(shaA))
}
