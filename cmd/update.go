package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "refresh package lists from all repositories",
	Args:  cobra.NoArgs,
	RunE:  update,
}

func update(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := logr.FromContextOrDiscard(ctx)

	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repos, err := a.Index.ListRepos(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if err := syncRepo(cmd, a, repo); err != nil {
			return fmt.Errorf("updating %s: %w", repo.URL, err)
		}
	}
	log.Info("updated package lists", "repositories", len(repos))
	return nil
}

// syncRepo fetches, verifies and swaps in the package list of every
// component of one repository. The previous index stays in place
// unless the new list verifies.
func syncRepo(cmd *cobra.Command, a *app.App, repo index.Repo) error {
	ctx := cmd.Context()
	log := logr.FromContextOrDiscard(ctx).WithValues("url", repo.URL, "distribution", repo.Distribution)

	mirror, err := a.Index.BestMirror(ctx, repo.ID)
	if err != nil {
		return err
	}
	keys := a.Keys
	if len(repo.Fingerprints) > 0 {
		keys = keys.Restrict(repo.Fingerprints)
	}

	var records []aptlist.Record
	for _, component := range repo.Components {
		base := fmt.Sprintf("%s/dists/%s/%s/binary-%s",
			strings.TrimSuffix(mirror, "/"), repo.Distribution, component, a.Config.Architecture)

		var list bytes.Buffer
		if err := a.Fetch.FetchIndex(ctx, base+"/Packages.gz", &list); err != nil {
			log.V(1).Info("no gzip package list, trying xz", "component", component)
			list.Reset()
			if err := a.Fetch.FetchIndex(ctx, base+"/Packages.xz", &list); err != nil {
				return err
			}
		}
		var sig bytes.Buffer
		if err := a.Fetch.FetchIndex(ctx, base+"/Packages.sig", &sig); err != nil {
			return err
		}
		if err := keys.VerifyDetached(list.Bytes(), sig.Bytes()); err != nil {
			return fmt.Errorf("package list for %s/%s: %w", repo.Distribution, component, err)
		}
		parsed, err := aptlist.Parse(&list)
		if err != nil {
			return err
		}
		records = append(records, parsed...)
		log.V(1).Info("fetched package list", "component", component, "packages", len(parsed))
	}

	if err := a.Index.SwapRepoIndex(ctx, repo.ID, records); err != nil {
		return err
	}

	probeMirror(cmd, a, repo, mirror)
	return nil
}

// probeMirror measures the mirror that served this sync and feeds the
// sample into its score. Probe failures only cost the mirror a
// penalty; the sync itself already succeeded.
func probeMirror(cmd *cobra.Command, a *app.App, repo index.Repo, mirror string) {
	ctx := cmd.Context()
	log := logr.FromContextOrDiscard(ctx).WithValues("mirror", mirror)

	sample, err := a.Fetch.Probe(ctx, strings.TrimSuffix(mirror, "/")+"/dists/"+repo.Distribution+"/Release")
	if err != nil {
		log.V(1).Info("probe failed, demoting mirror", "reason", err.Error())
		if perr := a.Index.PenalizeMirror(ctx, repo.ID, mirror, 1); perr != nil {
			log.Error(perr, "penalizing mirror failed")
		}
		return
	}
	err = a.Index.RecordMirrorSample(ctx, index.MirrorSample{
		RepoID:        repo.ID,
		URL:           mirror,
		RTT:           sample.RTT,
		ThroughputBps: sample.ThroughputBps,
		SampledAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Error(err, "recording mirror sample failed")
		return
	}
	if err := a.Index.PruneMirrorSamples(ctx, repo.ID); err != nil {
		log.Error(err, "pruning mirror samples failed")
	}
}
