package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex(t *testing.T) (context.Context, *Index) {
	t.Helper()
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	idx, err := Open(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Close()
	})
	return ctx, idx
}

func testRepo(t *testing.T, ctx context.Context, idx *Index) int64 {
	t.Helper()
	id, err := idx.AddRepo(ctx, Repo{
		URL:          "https://mirror.example.org/debian",
		Distribution: "stable",
		Components:   []string{"main"},
		Priority:     500,
	})
	require.NoError(t, err)
	return id
}

func record(name, version string, extra func(*aptlist.Record)) aptlist.Record {
	r := aptlist.Record{
		Name:         name,
		Version:      version,
		Architecture: "amd64",
		Filename:     "pool/main/" + name + "_" + version + "_amd64.apx",
		SHA256:       "00" + name,
		Size:         1024,
		Description:  name + " package",
	}
	if extra != nil {
		extra(&r)
	}
	return r
}

func TestAddRepo(t *testing.T) {
	ctx, idx := testIndex(t)

	id := testRepo(t, ctx, idx)
	assert.Positive(t, id)

	repo, err := idx.GetRepo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.org/debian", repo.URL)
	assert.Equal(t, "stable", repo.Distribution)
	assert.Equal(t, []string{"main"}, repo.Components)
	assert.Equal(t, 500, repo.Priority)

	t.Run("duplicate", func(t *testing.T) {
		_, err := idx.AddRepo(ctx, Repo{URL: "https://mirror.example.org/debian", Distribution: "stable"})
		assert.ErrorIs(t, err, apxerr.ErrConfig)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := idx.GetRepo(ctx, 9999)
		assert.ErrorIs(t, err, apxerr.ErrConfig)
	})
}

func TestRemoveRepo(t *testing.T) {
	ctx, idx := testIndex(t)
	id := testRepo(t, ctx, idx)

	require.NoError(t, idx.SwapRepoIndex(ctx, id, []aptlist.Record{record("git", "1.0", nil)}))
	require.NoError(t, idx.RemoveRepo(ctx, "https://mirror.example.org/debian"))

	repos, err := idx.ListRepos(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	// catalog rows go with the repository
	all, err := idx.AllPackages(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.ErrorIs(t, idx.RemoveRepo(ctx, "https://nowhere.example.org"), apxerr.ErrConfig)
}

func TestListReposOrder(t *testing.T) {
	ctx, idx := testIndex(t)
	_, err := idx.AddRepo(ctx, Repo{URL: "https://low.example.org", Distribution: "stable", Priority: 100})
	require.NoError(t, err)
	_, err = idx.AddRepo(ctx, Repo{URL: "https://high.example.org", Distribution: "stable", Priority: 900})
	require.NoError(t, err)

	repos, err := idx.ListRepos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "https://high.example.org", repos[0].URL)
	assert.Equal(t, "https://low.example.org", repos[1].URL)
}

func TestSwapRepoIndex(t *testing.T) {
	ctx, idx := testIndex(t)
	id := testRepo(t, ctx, idx)

	require.NoError(t, idx.SwapRepoIndex(ctx, id, []aptlist.Record{
		record("git", "2.39.2-1", func(r *aptlist.Record) {
			r.Depends = []string{"libc6 (>= 2.34)"}
		}),
		record("git-lfs", "3.3.0-1", nil),
	}))

	all, err := idx.AllPackages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "git", all[0].Name)
	assert.Equal(t, []string{"libc6 (>= 2.34)"}, all[0].Depends)
	assert.Equal(t, id, all[0].RepoID)
	assert.Equal(t, 500, all[0].RepoPriority)

	// a second swap fully replaces the catalog
	require.NoError(t, idx.SwapRepoIndex(ctx, id, []aptlist.Record{record("curl", "8.0.1-1", nil)}))
	all, err = idx.AllPackages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "curl", all[0].Name)
}

func TestQueries(t *testing.T) {
	ctx, idx := testIndex(t)
	id := testRepo(t, ctx, idx)
	require.NoError(t, idx.SwapRepoIndex(ctx, id, []aptlist.Record{
		record("git", "2.39.2-1", func(r *aptlist.Record) {
			r.Description = "fast, scalable, distributed revision control system"
		}),
		record("git", "2.40.0-1", nil),
		record("git-lfs", "3.3.0-1", nil),
		record("curl", "8.0.1-1", nil),
	}))

	t.Run("by name", func(t *testing.T) {
		rows, err := idx.QueryByName(ctx, "git")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "2.39.2-1", rows[0].Version)
		assert.Equal(t, "2.40.0-1", rows[1].Version)
	})

	t.Run("prefix", func(t *testing.T) {
		rows, err := idx.QueryPrefix(ctx, "git")
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("prefix escapes like wildcards", func(t *testing.T) {
		rows, err := idx.QueryPrefix(ctx, "g_t")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("full text hits descriptions", func(t *testing.T) {
		rows, err := idx.QueryFullText(ctx, "revision control")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "git", rows[0].Name)
	})

	t.Run("show pinned version", func(t *testing.T) {
		rows, err := idx.Show(ctx, "git", "2.40.0-1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "2.40.0-1", rows[0].Version)
	})

	t.Run("show without version", func(t *testing.T) {
		rows, err := idx.Show(ctx, "git", "")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestInstalledSet(t *testing.T) {
	ctx, idx := testIndex(t)

	manifest := []apx.FileEntry{
		{Path: "/usr/bin/git", SHA256: "abc", Mode: 0755},
		{Path: "/usr/share/git/", Mode: 0755},
	}
	require.NoError(t, idx.MarkInstalled(ctx, record("git", "2.39.2-1", func(r *aptlist.Record) {
		r.Depends = []string{"libc6 (>= 2.34)"}
	}), manifest))

	inst, err := idx.GetInstalled(ctx, "git")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "2.39.2-1", inst.Version)
	assert.Equal(t, []string{"libc6 (>= 2.34)"}, inst.Depends)
	assert.Equal(t, manifest, inst.Manifest)
	assert.WithinDuration(t, time.Now().UTC(), inst.InstalledAt, time.Minute)

	t.Run("not installed returns nil", func(t *testing.T) {
		inst, err := idx.GetInstalled(ctx, "curl")
		require.NoError(t, err)
		assert.Nil(t, inst)
	})

	t.Run("upgrade replaces the row", func(t *testing.T) {
		require.NoError(t, idx.MarkInstalled(ctx, record("git", "2.40.0-1", nil), nil))
		inst, err := idx.GetInstalled(ctx, "git")
		require.NoError(t, err)
		assert.Equal(t, "2.40.0-1", inst.Version)

		list, err := idx.ListInstalled(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, idx.MarkRemoved(ctx, "git"))
		assert.ErrorIs(t, idx.MarkRemoved(ctx, "git"), apxerr.ErrConfig)
	})
}

func TestRecordTransaction(t *testing.T) {
	ctx, idx := testIndex(t)

	require.NoError(t, idx.MarkInstalled(ctx, record("old-tool", "1.0", nil), nil))

	installs := []InstallRecord{
		{Record: record("git", "2.39.2-1", nil), Manifest: []apx.FileEntry{{Path: "/usr/bin/git", SHA256: "abc", Mode: 0755}}},
		{Record: record("curl", "8.0.1-1", nil)},
	}
	require.NoError(t, idx.RecordTransaction(ctx, installs, []string{"old-tool"}))

	list, err := idx.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "curl", list[0].Name)
	assert.Equal(t, "git", list[1].Name)

	gone, err := idx.GetInstalled(ctx, "old-tool")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestBestMirror(t *testing.T) {
	ctx, idx := testIndex(t)
	id := testRepo(t, ctx, idx)

	t.Run("no samples falls back to the repo url", func(t *testing.T) {
		url, err := idx.BestMirror(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "https://mirror.example.org/debian", url)
	})

	fast := "https://fast.example.org/debian"
	slow := "https://slow.example.org/debian"
	for i := 0; i < 3; i++ {
		require.NoError(t, idx.RecordMirrorSample(ctx, MirrorSample{
			RepoID: id, URL: fast, RTT: 10 * time.Millisecond, ThroughputBps: 1e9,
		}))
		require.NoError(t, idx.RecordMirrorSample(ctx, MirrorSample{
			RepoID: id, URL: slow, RTT: 300 * time.Millisecond, ThroughputBps: 1e7,
		}))
	}

	t.Run("lowest score wins", func(t *testing.T) {
		url, err := idx.BestMirror(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fast, url)
	})

	t.Run("penalty demotes a mirror", func(t *testing.T) {
		require.NoError(t, idx.PenalizeMirror(ctx, id, fast, 1))
		url, err := idx.BestMirror(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, slow, url)
	})

	t.Run("unknown repo", func(t *testing.T) {
		_, err := idx.BestMirror(ctx, 9999)
		assert.ErrorIs(t, err, apxerr.ErrConfig)
	})

	t.Run("tie goes to the least recently used", func(t *testing.T) {
		ctx, idx := testIndex(t)
		id := testRepo(t, ctx, idx)

		idle := "https://idle.example.org/debian"
		busy := "https://busy.example.org/debian"
		base := time.Now().UTC().Add(-time.Hour)

		// identical measurements, so the scores tie exactly
		require.NoError(t, idx.RecordMirrorSample(ctx, MirrorSample{
			RepoID: id, URL: idle, RTT: 50 * time.Millisecond, ThroughputBps: 1e8,
			SampledAt: base,
		}))
		require.NoError(t, idx.RecordMirrorSample(ctx, MirrorSample{
			RepoID: id, URL: busy, RTT: 50 * time.Millisecond, ThroughputBps: 1e8,
			SampledAt: base.Add(time.Minute),
		}))

		url, err := idx.BestMirror(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, idle, url)
	})
}

func TestPruneMirrorSamples(t *testing.T) {
	ctx, idx := testIndex(t)
	id := testRepo(t, ctx, idx)

	url := "https://mirror.example.org/debian"
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 40; i++ {
		require.NoError(t, idx.RecordMirrorSample(ctx, MirrorSample{
			RepoID: id, URL: url, RTT: 20 * time.Millisecond, ThroughputBps: 1e8,
			SampledAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, idx.PruneMirrorSamples(ctx, id))

	var n int
	require.NoError(t, idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mirror_samples WHERE repo_id = ?", id).Scan(&n))
	assert.Equal(t, 16, n)
}
