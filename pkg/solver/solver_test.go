package solver

import (
	"context"
	"testing"
	"time"

	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

func pkg(name, version string, mod func(*index.Package)) index.Package {
	p := index.Package{
		Record: aptlist.Record{
			Name:         name,
			Version:      version,
			Architecture: "amd64",
			Filename:     "pool/main/" + name + ".apx",
			SHA256:       "00" + name + version,
			Size:         1,
		},
		RepoID:       1,
		RepoPriority: 500,
	}
	if mod != nil {
		mod(&p)
	}
	return p
}

func inst(name, version string, mod func(*index.Installed)) index.Installed {
	i := index.Installed{
		Name:         name,
		Version:      version,
		Architecture: "amd64",
		InstalledAt:  time.Unix(0, 0),
	}
	if mod != nil {
		mod(&i)
	}
	return i
}

func names(tx *Transaction) []string {
	out := make([]string, 0, len(tx.Steps))
	for _, s := range tx.Steps {
		out = append(out, string(s.Kind)+" "+s.Name)
	}
	return out
}

func TestInstallClosure(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"lib (>= 1.0)"} }),
		pkg("lib", "1.2", nil),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"install lib", "install app"}, names(tx))
	assert.Less(t, tx.Steps[0].Batch, tx.Steps[1].Batch)
}

func TestInstallAlreadySatisfied(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"lib"} }),
		pkg("lib", "1.2", nil),
	}, []index.Installed{
		inst("lib", "1.0", nil),
	}, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"install app"}, names(tx))
}

func TestInstallNoOp(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", nil),
	}, []index.Installed{
		inst("app", "1.0", nil),
	}, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	assert.True(t, tx.Empty())
}

func TestInstallPicksBestVersion(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", nil),
		pkg("app", "2.0", nil),
		pkg("app", "1.5", nil),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	require.Len(t, tx.Steps, 1)
	assert.Equal(t, "2.0", tx.Steps[0].Package.Version)
}

func TestInstallRepoPriorityBreaksTies(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", func(p *index.Package) { p.RepoID = 1; p.RepoPriority = 100 }),
		pkg("app", "1.0", func(p *index.Package) { p.RepoID = 2; p.RepoPriority = 900 }),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	require.Len(t, tx.Steps, 1)
	assert.Equal(t, int64(2), tx.Steps[0].Package.RepoID)
}

func TestInstallPinnedVersion(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", nil),
		pkg("app", "2.0", nil),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"app=1.0"})
	require.NoError(t, err)
	require.Len(t, tx.Steps, 1)
	assert.Equal(t, "1.0", tx.Steps[0].Package.Version)
}

func TestInstallAlternatives(t *testing.T) {
	t.Run("first alternative preferred", func(t *testing.T) {
		s := New([]index.Package{
			pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"mta-a | mta-b"} }),
			pkg("mta-a", "1.0", nil),
			pkg("mta-b", "1.0", nil),
		}, nil, 1)

		tx, err := s.Install(testContext(t), []string{"app"})
		require.NoError(t, err)
		assert.Equal(t, []string{"install mta-a", "install app"}, names(tx))
	})

	t.Run("falls back when the first cannot install", func(t *testing.T) {
		s := New([]index.Package{
			pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"mta-a | mta-b"} }),
			pkg("mta-b", "1.0", nil),
		}, nil, 1)

		tx, err := s.Install(testContext(t), []string{"app"})
		require.NoError(t, err)
		assert.Equal(t, []string{"install mta-b", "install app"}, names(tx))
	})
}

func TestInstallVirtualProvides(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"mail-transport-agent"} }),
		pkg("postfix", "3.7", func(p *index.Package) { p.Provides = []string{"mail-transport-agent"} }),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"install postfix", "install app"}, names(tx))
}

func TestInstallVirtualAlreadyProvided(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", func(p *index.Package) { p.Depends = []string{"mail-transport-agent"} }),
		pkg("postfix", "3.7", func(p *index.Package) { p.Provides = []string{"mail-transport-agent"} }),
	}, []index.Installed{
		inst("exim4", "4.96", func(i *index.Installed) { i.Provides = []string{"mail-transport-agent"} }),
	}, 1)

	tx, err := s.Install(testContext(t), []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"install app"}, names(tx))
}

func TestInstallUnknownPackage(t *testing.T) {
	s := New(nil, nil, 1)
	_, err := s.Install(testContext(t), []string{"ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
	assert.Contains(t, err.Error(), "unknown package")
}

func TestInstallUnsatisfiableVersion(t *testing.T) {
	s := New([]index.Package{
		pkg("a", "1.0", func(p *index.Package) { p.Depends = []string{"b (>= 2)"} }),
		pkg("b", "1.0", nil),
	}, nil, 1)

	_, err := s.Install(testContext(t), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)

	var u *Unsatisfiable
	require.ErrorAs(t, err, &u)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b (>= 2)")
	assert.Contains(t, err.Error(), "1.0")
}

func TestInstallConflicts(t *testing.T) {
	t.Run("with installed package", func(t *testing.T) {
		s := New([]index.Package{
			pkg("new-mta", "1.0", func(p *index.Package) { p.Conflicts = []string{"old-mta"} }),
		}, []index.Installed{
			inst("old-mta", "1.0", nil),
		}, 1)

		_, err := s.Install(testContext(t), []string{"new-mta"})
		assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
	})

	t.Run("between planned packages", func(t *testing.T) {
		s := New([]index.Package{
			pkg("a", "1.0", nil),
			pkg("b", "1.0", func(p *index.Package) { p.Conflicts = []string{"a"} }),
		}, nil, 1)

		_, err := s.Install(testContext(t), []string{"a", "b"})
		assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
	})

	t.Run("installed conflictor forbids pick", func(t *testing.T) {
		s := New([]index.Package{
			pkg("b", "1.0", nil),
		}, []index.Installed{
			inst("guard", "1.0", func(i *index.Installed) { i.Conflicts = []string{"b"} }),
		}, 1)

		_, err := s.Install(testContext(t), []string{"b"})
		assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
	})
}

func TestInstallReplacesTakeover(t *testing.T) {
	s := New([]index.Package{
		pkg("new-mta", "1.0", func(p *index.Package) {
			p.Conflicts = []string{"old-mta"}
			p.Replaces = []string{"old-mta"}
		}),
	}, []index.Installed{
		inst("old-mta", "1.0", nil),
	}, 1)

	tx, err := s.Install(testContext(t), []string{"new-mta"})
	require.NoError(t, err)
	assert.Equal(t, []string{"remove old-mta", "install new-mta"}, names(tx))
}

func TestInstallCycleSharesBatch(t *testing.T) {
	s := New([]index.Package{
		pkg("a", "1.0", func(p *index.Package) { p.Depends = []string{"b"} }),
		pkg("b", "1.0", func(p *index.Package) { p.Depends = []string{"a"} }),
	}, nil, 1)

	tx, err := s.Install(testContext(t), []string{"a"})
	require.NoError(t, err)
	require.Len(t, tx.Steps, 2)
	assert.Equal(t, tx.Steps[0].Batch, tx.Steps[1].Batch)
}

func TestRemove(t *testing.T) {
	installed := []index.Installed{
		inst("app", "1.0", func(i *index.Installed) { i.Depends = []string{"lib"} }),
		inst("lib", "1.0", nil),
	}

	t.Run("refuses to break a dependent", func(t *testing.T) {
		s := New(nil, installed, 1)
		_, err := s.Remove(testContext(t), []string{"lib"})
		require.Error(t, err)
		assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
		assert.Contains(t, err.Error(), "app depends on lib")
	})

	t.Run("dependent removed alongside", func(t *testing.T) {
		s := New(nil, installed, 1)
		tx, err := s.Remove(testContext(t), []string{"lib", "app"})
		require.NoError(t, err)
		// dependents go first
		assert.Equal(t, []string{"remove app", "remove lib"}, names(tx))
	})

	t.Run("not installed", func(t *testing.T) {
		s := New(nil, installed, 1)
		_, err := s.Remove(testContext(t), []string{"ghost"})
		assert.ErrorIs(t, err, apxerr.ErrUnsatisfiable)
	})

	t.Run("alternative keeps the dependent whole", func(t *testing.T) {
		s := New(nil, []index.Installed{
			inst("app", "1.0", func(i *index.Installed) { i.Depends = []string{"lib-a | lib-b"} }),
			inst("lib-a", "1.0", nil),
			inst("lib-b", "1.0", nil),
		}, 1)
		tx, err := s.Remove(testContext(t), []string{"lib-a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"remove lib-a"}, names(tx))
	})
}

func TestUpgrade(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "2.0", func(p *index.Package) { p.Depends = []string{"newlib"} }),
		pkg("newlib", "1.0", nil),
		pkg("steady", "1.0", nil),
	}, []index.Installed{
		inst("app", "1.0", nil),
		inst("steady", "1.0", nil),
	}, 1)

	tx, err := s.Upgrade(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"install newlib", "upgrade app"}, names(tx))

	for _, step := range tx.Steps {
		if step.Kind == StepUpgrade {
			assert.Equal(t, "1.0", step.FromVersion)
			assert.Equal(t, "2.0", step.Package.Version)
		}
	}
}

func TestUpgradeNothingToDo(t *testing.T) {
	s := New([]index.Package{
		pkg("app", "1.0", nil),
	}, []index.Installed{
		inst("app", "1.0", nil),
	}, 1)

	tx, err := s.Upgrade(testContext(t))
	require.NoError(t, err)
	assert.True(t, tx.Empty())
}

func TestInstallParallelMatchesSequential(t *testing.T) {
	catalog := []index.Package{
		pkg("alpha", "1.0", func(p *index.Package) { p.Depends = []string{"alpha-lib"} }),
		pkg("alpha-lib", "1.0", nil),
		pkg("beta", "1.0", func(p *index.Package) { p.Depends = []string{"beta-lib (>= 1.0)"} }),
		pkg("beta-lib", "1.1", nil),
		pkg("gamma", "1.0", nil),
	}
	roots := []string{"alpha", "beta", "gamma"}

	seq, err := New(catalog, nil, 1).Install(testContext(t), roots)
	require.NoError(t, err)
	par, err := New(catalog, nil, 4).Install(testContext(t), roots)
	require.NoError(t, err)

	assert.ElementsMatch(t, names(seq), names(par))
}

func TestInstallParallelSharedClosure(t *testing.T) {
	// both roots pull the same library; the plan installs it once
	catalog := []index.Package{
		pkg("a", "1.0", func(p *index.Package) { p.Depends = []string{"shared"} }),
		pkg("b", "1.0", func(p *index.Package) { p.Depends = []string{"shared"} }),
		pkg("shared", "1.0", nil),
	}

	tx, err := New(catalog, nil, 4).Install(testContext(t), []string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"install a", "install b", "install shared"}, names(tx))
}

func TestStepString(t *testing.T) {
	p := pkg("app", "2.0", nil)
	assert.Equal(t, "install app 2.0", Step{Kind: StepInstall, Name: "app", Package: &p}.String())
	assert.Equal(t, "upgrade app (1.0 -> 2.0)", Step{Kind: StepUpgrade, Name: "app", Package: &p, FromVersion: "1.0"}.String())
	assert.Equal(t, "remove app", Step{Kind: StepRemove, Name: "app"}.String())
}
