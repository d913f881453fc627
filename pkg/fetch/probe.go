package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// probeBytes is how much of the probe target is pulled to estimate
// throughput.
const probeBytes = 1 << 20

// Sample is one mirror measurement: round-trip latency of a HEAD and
// sustained throughput over the first MiB of the probe target.
type Sample struct {
	RTT           time.Duration
	ThroughputBps float64
}

// Probe measures a mirror. target should be a real file the mirror
// serves, typically the repository's package index.
func (f *Fetcher) Probe(ctx context.Context, target string) (Sample, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("target", target)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", apxerr.ErrNetwork, err)
	}
	resp, err := f.do(ctx, req)
	if err != nil {
		return Sample{}, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Sample{}, fmt.Errorf("%w: probing %s: %s", apxerr.ErrNetwork, target, resp.Status)
	}
	rtt := time.Since(start)

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", apxerr.ErrNetwork, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1))
	start = time.Now()
	resp, err = f.do(ctx, req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Sample{}, fmt.Errorf("%w: probing %s: %s", apxerr.ErrNetwork, target, resp.Status)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBytes))
	if err != nil {
		return Sample{}, fmt.Errorf("%w: probing %s: %v", apxerr.ErrNetwork, target, err)
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	sample := Sample{
		RTT:           rtt,
		ThroughputBps: float64(n) / elapsed.Seconds(),
	}
	log.V(2).Info("probed mirror", "rtt", sample.RTT, "throughput", sample.ThroughputBps, "bytes", n)
	return sample, nil
}
