package index

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

const (
	// ewmaWeight is the weight of the newest sample when folding a
	// mirror's history into one score.
	ewmaWeight = 0.3
	// scoreAlpha and scoreBeta weight latency against throughput:
	// score = alpha*rtt_ms + beta/throughput_bps, lower is better.
	scoreAlpha = 1.0
	scoreBeta  = 8e9
	// penaltyHalfLife controls how fast failure penalties wear off.
	penaltyHalfLife = time.Hour

	mirrorSampleWindow = 16
)

// RecordMirrorSample stores one probe measurement for a mirror.
func (idx *Index) RecordMirrorSample(ctx context.Context, sample MirrorSample) error {
	log := logr.FromContextOrDiscard(ctx)

	when := sample.SampledAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO mirror_samples (repo_id, url, rtt_ms, throughput_bps, penalty, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.RepoID, sample.URL,
		float64(sample.RTT)/float64(time.Millisecond),
		sample.ThroughputBps, sample.Penalty,
		when.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: recording mirror sample: %v", apxerr.ErrFilesystem, err)
	}
	log.V(2).Info("recorded mirror sample", "repo", sample.RepoID, "url", sample.URL,
		"rtt", sample.RTT, "throughput", sample.ThroughputBps)
	return nil
}

// PenalizeMirror records a failure against a mirror as a sample with
// no RTT, a throughput of 1 byte/s and the given penalty amount. The
// sample's throughput term raises the mirror's score sharply and, like
// any sample, fades only as later samples fold into the average; only
// the penalty amount decays with time (penaltyHalfLife). The mirror is
// demoted rather than blacklisted.
func (idx *Index) PenalizeMirror(ctx context.Context, repoID int64, url string, amount float64) error {
	return idx.RecordMirrorSample(ctx, MirrorSample{
		RepoID:        repoID,
		URL:           url,
		RTT:           0,
		ThroughputBps: 1, // worst throughput: this term does the demoting
		Penalty:       amount,
	})
}

// BestMirror returns the mirror with the lowest score for a repo.
// With no samples yet, every configured mirror looks equal and the
// repository's own URL wins. Ties break in favor of the least
// recently used mirror, spreading load across equivalent mirrors.
func (idx *Index) BestMirror(ctx context.Context, repoID int64) (string, error) {
	log := logr.FromContextOrDiscard(ctx)

	rows, err := idx.db.QueryContext(ctx, `
		SELECT url, rtt_ms, throughput_bps, penalty, sampled_at
		FROM mirror_samples WHERE repo_id = ?
		ORDER BY url, sampled_at, id`, repoID)
	if err != nil {
		return "", fmt.Errorf("%w: reading mirror history: %v", apxerr.ErrFilesystem, err)
	}
	defer rows.Close()

	type state struct {
		score      float64
		samples    int
		lastSample time.Time
	}
	now := time.Now().UTC()
	scores := map[string]*state{}
	var order []string

	for rows.Next() {
		var (
			url            string
			rttMs, tputBps float64
			penalty        float64
			sampledAt      string
		)
		if err := rows.Scan(&url, &rttMs, &tputBps, &penalty, &sampledAt); err != nil {
			return "", fmt.Errorf("%w: reading mirror sample: %v", apxerr.ErrFilesystem, err)
		}
		ts, err := time.Parse(time.RFC3339, sampledAt)
		if err != nil {
			return "", fmt.Errorf("%w: parsing sample timestamp: %v", apxerr.ErrFilesystem, err)
		}
		s := scoreAlpha*rttMs + scoreBeta/math.Max(tputBps, 1)
		if penalty > 0 {
			age := now.Sub(ts)
			s += penalty * math.Exp2(-float64(age)/float64(penaltyHalfLife))
		}
		st, ok := scores[url]
		if !ok {
			st = &state{score: s}
			scores[url] = st
			order = append(order, url)
		} else {
			st.score = ewmaWeight*s + (1-ewmaWeight)*st.score
		}
		st.samples++
		if ts.After(st.lastSample) {
			st.lastSample = ts
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}

	if len(order) == 0 {
		repo, err := idx.GetRepo(ctx, repoID)
		if err != nil {
			return "", err
		}
		return repo.URL, nil
	}

	best := ""
	bestScore := math.Inf(1)
	var bestLast time.Time
	for _, url := range order {
		st := scores[url]
		if st.score < bestScore || (st.score == bestScore && st.lastSample.Before(bestLast)) {
			best, bestScore, bestLast = url, st.score, st.lastSample
		}
	}
	log.V(2).Info("selected mirror", "repo", repoID, "url", best, "score", bestScore)
	return best, nil
}

// PruneMirrorSamples drops samples older than the window per mirror,
// keeping history bounded.
func (idx *Index) PruneMirrorSamples(ctx context.Context, repoID int64) error {
	_, err := idx.db.ExecContext(ctx, `
		DELETE FROM mirror_samples WHERE repo_id = ?1 AND id NOT IN (
			SELECT id FROM mirror_samples m2
			WHERE m2.repo_id = ?1 AND m2.url = mirror_samples.url
			ORDER BY m2.sampled_at DESC, m2.id DESC LIMIT ?2
		)`, repoID, mirrorSampleWindow)
	if err != nil {
		return fmt.Errorf("%w: pruning mirror history: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}
