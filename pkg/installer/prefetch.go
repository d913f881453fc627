package installer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/fetch"
	"github.com/apx-pm/apx/pkg/solver"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// prefetch downloads every container the transaction needs into the
// cache. Downloads run in parallel; a checksum failure demotes the
// mirror that served it so the next attempt picks a different one.
func (ins *Installer) prefetch(ctx context.Context, steps []*solver.Step) error {
	log := logr.FromContextOrDiscard(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ins.jobs)
	var hits, misses int
	for _, step := range steps {
		rec := step.Package.Record
		if ins.cache.Has(rec.SHA256) {
			hits++
			continue
		}
		misses++
		repoID := step.Package.RepoID
		g.Go(func() error {
			mirror, err := ins.idx.BestMirror(ctx, repoID)
			if err != nil {
				return err
			}
			src := strings.TrimSuffix(mirror, "/") + "/" + strings.TrimPrefix(rec.Filename, "/")
			part := ins.cache.PartialPath(rec.SHA256)
			err = ins.fetch.Fetch(ctx, src, part, fetch.Expect{SHA256: rec.SHA256, Size: rec.Size})
			if err != nil {
				if errors.Is(err, apxerr.ErrIntegrity) {
					if perr := ins.idx.PenalizeMirror(ctx, repoID, mirror, 1); perr != nil {
						log.Error(perr, "penalizing mirror failed", "mirror", mirror)
					}
				}
				return fmt.Errorf("fetching %s: %w", rec.Name, err)
			}
			return ins.cache.Promote(rec.SHA256)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.V(1).Info("prefetched containers", "cached", hits, "downloaded", misses)
	return nil
}
