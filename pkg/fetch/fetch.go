package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/apx-pm/apx/pkg/apxerr"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Options tune a Fetcher. Zero values pick the defaults below.
type Options struct {
	// Jobs caps concurrent chunk transfers within one download. Each
	// Fetch call has its own limit; concurrent calls are not capped
	// together.
	Jobs int
	// PerHost caps concurrent requests against a single host.
	PerHost int
	// ChunkSize is the range size for parallel downloads.
	ChunkSize int64
	// Retries bounds transport retries per request.
	Retries uint64
}

const (
	defaultPerHost   = 4
	defaultChunkSize = 2 << 20
	defaultRetries   = 4
)

// Expect declares what the caller knows about the file in advance.
// A non-empty SHA256 is verified after assembly; a non-zero Size is
// checked against the server's announced length before any byte moves.
type Expect struct {
	SHA256 string
	Size   int64
}

// Fetcher downloads files over HTTP with ranged, resumable transfers.
// Transport failures are retried with exponential backoff; checksum
// failures never are.
type Fetcher struct {
	client *http.Client
	opts   Options

	mu    sync.Mutex
	hosts map[string]chan struct{}
}

// New builds a Fetcher. The underlying transport negotiates HTTP/2
// where the server offers it.
func New(opts Options) *Fetcher {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.PerHost <= 0 {
		opts.PerHost = defaultPerHost
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	return &Fetcher{
		client: &http.Client{Timeout: 10 * time.Minute},
		opts:   opts,
		hosts:  map[string]chan struct{}{},
	}
}

// Fetch downloads src to dst. A partial file at dst + ".part" is
// resumed when the server supports ranges; large files with a known
// length download as parallel chunks assembled by offset. The file
// appears at dst only after every check passed.
func (f *Fetcher) Fetch(ctx context.Context, src, dst string, want Expect) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("src", src)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	part := dst + ".part"

	size, ranged, err := f.head(ctx, src)
	if err != nil {
		return err
	}
	if want.Size > 0 && size > 0 && want.Size != size {
		return fmt.Errorf("%w: %s: server reports %d bytes, expected %d", apxerr.ErrIntegrity, src, size, want.Size)
	}

	// a shorter partial left by an interrupted sequential transfer is
	// finished with one range request instead of refetched in chunks
	resume := false
	if info, err := os.Stat(part); err == nil && info.Size() > 0 && info.Size() < size {
		resume = true
	}
	if ranged && size >= 2*f.opts.ChunkSize && !resume {
		log.V(1).Info("downloading in chunks", "size", size, "chunk", f.opts.ChunkSize)
		err = f.fetchChunked(ctx, src, part, size)
	} else {
		log.V(1).Info("downloading sequentially", "size", size, "resume", ranged)
		err = f.fetchSequential(ctx, src, part, ranged)
	}
	if err != nil {
		return err
	}

	if want.SHA256 != "" {
		if err := verifyFile(part, want.SHA256); err != nil {
			_ = os.Remove(part)
			return fmt.Errorf("%s: %w", src, err)
		}
	}
	if err := os.Rename(part, dst); err != nil {
		return fmt.Errorf("%w: placing %s: %v", apxerr.ErrFilesystem, dst, err)
	}
	log.V(1).Info("downloaded", "dst", dst)
	return nil
}

// head asks the server for the content length and range support.
func (f *Fetcher) head(ctx context.Context, src string) (int64, bool, error) {
	var (
		size   int64 = -1
		ranged bool
	)
	err := f.retry(ctx, src, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, src, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.do(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		size = resp.ContentLength
		ranged = strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes")
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return size, ranged, nil
}

// fetchSequential streams src into part, resuming from its current
// size when the server honors ranges.
func (f *Fetcher) fetchSequential(ctx context.Context, src, part string, ranged bool) error {
	return f.retry(ctx, src, func() error {
		flags := os.O_CREATE | os.O_WRONLY
		var offset int64
		if ranged {
			if info, err := os.Stat(part); err == nil {
				offset = info.Size()
			}
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		resp, err := f.do(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		if offset > 0 && resp.StatusCode != http.StatusPartialContent {
			// server ignored the range; start over
			offset = 0
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}

		out, err := os.OpenFile(part, flags, 0644)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err))
		}
		_, err = io.Copy(out, resp.Body)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%w: transferring %s: %v", apxerr.ErrNetwork, src, err)
		}
		return nil
	})
}

// fetchChunked downloads size bytes of src as parallel ranges written
// into part at their own offsets. Chunks land in arbitrary order; the
// offsets make assembly deterministic.
func (f *Fetcher) fetchChunked(ctx context.Context, src, part string, size int64) error {
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	defer out.Close()
	if err := out.Truncate(size); err != nil {
		return fmt.Errorf("%w: preallocating %s: %v", apxerr.ErrFilesystem, part, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Jobs)
	for offset := int64(0); offset < size; offset += f.opts.ChunkSize {
		start, end := offset, min(offset+f.opts.ChunkSize, size)-1
		g.Go(func() error {
			return f.fetchRange(gctx, src, out, start, end)
		})
	}
	return g.Wait()
}

// FetchRanged downloads the byte range [start, end] of src into w.
func (f *Fetcher) FetchRanged(ctx context.Context, src string, w io.Writer, start, end int64) error {
	return f.retry(ctx, src, func() error {
		n, err := f.readRange(ctx, src, w, start, end)
		if err != nil && n > 0 {
			// a short ranged write cannot be retried into a plain writer
			return backoff.Permanent(err)
		}
		return err
	})
}

func (f *Fetcher) fetchRange(ctx context.Context, src string, out io.WriterAt, start, end int64) error {
	return f.retry(ctx, src, func() error {
		w := &sectionWriter{w: out, off: start}
		_, err := f.readRange(ctx, src, w, start, end)
		return err
	})
}

func (f *Fetcher) readRange(ctx context.Context, src string, w io.Writer, start, end int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := f.do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		return 0, backoff.Permanent(fmt.Errorf("%w: %s does not honor range requests", apxerr.ErrNetwork, src))
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: transferring %s: %v", apxerr.ErrNetwork, src, err)
	}
	if got := end - start + 1; n != got {
		return n, fmt.Errorf("%w: short range read from %s: %d of %d bytes", apxerr.ErrNetwork, src, n, got)
	}
	return n, nil
}

// do performs one request under the per-host cap.
func (f *Fetcher) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	release, err := f.acquire(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	release()
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", apxerr.ErrCancelled, ctx.Err()))
		}
		return nil, fmt.Errorf("%w: %v", apxerr.ErrNetwork, err)
	}
	return resp, nil
}

func (f *Fetcher) acquire(ctx context.Context, u *url.URL) (func(), error) {
	f.mu.Lock()
	sem, ok := f.hosts[u.Host]
	if !ok {
		sem = make(chan struct{}, f.opts.PerHost)
		f.hosts[u.Host] = sem
	}
	f.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", apxerr.ErrCancelled, ctx.Err())
	}
}

// retry wraps transport attempts in exponential backoff. Permanent
// errors and cancellation pass straight through.
func (f *Fetcher) retry(ctx context.Context, src string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.opts.Retries), ctx)
	err := backoff.Retry(op, policy)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: fetching %s: %v", apxerr.ErrCancelled, src, ctx.Err())
	}
	return err
}

// statusError maps response codes onto error kinds: server-side and
// throttling codes are retryable, the rest are permanent.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", apxerr.ErrNetwork, resp.Request.URL, resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %s: %s", apxerr.ErrNetwork, resp.Request.URL, resp.Status))
	}
}

func verifyFile(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: checksum mismatch: expected %s, got %s", apxerr.ErrIntegrity, want, got)
	}
	return nil
}

// sectionWriter turns a WriterAt into a Writer positioned at off.
type sectionWriter struct {
	w   io.WriterAt
	off int64
}

func (s *sectionWriter) Write(p []byte) (int, error) {
	n, err := s.w.WriteAt(p, s.off)
	s.off += int64(n)
	return n, err
}
