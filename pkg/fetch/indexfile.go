package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/carlmjohnson/requests"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-logr/logr"
	"github.com/mholt/archives"
	"github.com/ulikunitz/xz"
)

var (
	contentTypesGzip = []string{
		"application/gzip",
		"application/x-gzip",
	}
	contentTypesXZ = []string{
		"application/x-xz",
		"application/xz",
	}
)

// FetchIndex downloads a repository index file into out, transparently
// decompressing gzip and xz payloads. Compression is detected from the
// Content-Type and falls back to the URL suffix, since many mirrors
// serve "Packages.gz" as application/octet-stream.
func (f *Fetcher) FetchIndex(ctx context.Context, src string, out io.Writer) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("src", src)
	log.V(1).Info("fetching index")

	u, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("%w: parsing index url: %v", apxerr.ErrConfig, err)
	}
	release, err := f.acquire(ctx, u)
	if err != nil {
		return err
	}
	defer release()

	err = requests.
		URL(src).
		Client(f.client).
		Handle(withDecompress(src, out)).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetching index %s: %v", apxerr.ErrNetwork, src, err)
	}
	return nil
}

// withDecompress streams the response into out, unwrapping the
// compression the server or the URL declares.
func withDecompress(src string, out io.Writer) requests.ResponseHandler {
	return func(response *http.Response) error {
		log := logr.FromContextOrDiscard(response.Request.Context())
		contentType := response.Header.Get("Content-Type")

		var (
			stream io.Reader
			err    error
		)
		switch {
		case mimetype.EqualsAny(contentType, contentTypesGzip...) || strings.HasSuffix(src, ".gz"):
			log.V(2).Info("decompressing gzip index")
			dec, oerr := archives.Gz{}.OpenReader(response.Body)
			if oerr != nil {
				return fmt.Errorf("decompressing: %w", oerr)
			}
			defer dec.Close()
			stream = dec
		case mimetype.EqualsAny(contentType, contentTypesXZ...) || strings.HasSuffix(src, ".xz"):
			log.V(2).Info("decompressing xz index")
			stream, err = xz.NewReader(response.Body)
			if err != nil {
				return fmt.Errorf("decompressing: %w", err)
			}
		default:
			stream = response.Body
		}

		if _, err := io.Copy(out, stream); err != nil {
			return fmt.Errorf("writing uncompressed output: %w", err)
		}
		return nil
	}
}
