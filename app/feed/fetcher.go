package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
)

const maxRedirects = 10

// FetchError describes a feed download that could not be used.
type FetchError struct {
	URL        string
	StatusCode int
	Bytes      int64
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode >= 400:
		return fmt.Sprintf("fetch %s: HTTP status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: failed after %d bytes", e.URL, e.Bytes)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

var ErrTooSmall = errors.New("feed payload below minimum size")

type FetchOptions struct {
	Timeout  time.Duration
	MinBytes int64
}

type Fetcher struct {
	client    *retryablehttp.Client
	userAgent string
	defaults  FetchOptions
}

func NewFetcher(userAgent string, retries int, defaults FetchOptions) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = slog.Default()
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	if defaults.Timeout <= 0 {
		defaults.Timeout = defaultFetchTimeout * time.Second
	}
	if defaults.MinBytes <= 0 {
		defaults.MinBytes = defaultMinBytes
	}

	return &Fetcher{client: client, userAgent: userAgent, defaults: defaults}
}

// Fetch streams url into dest through a temp file in the same directory and
// returns the number of bytes written. dest is untouched on failure.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, opts FetchOptions) (int64, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = f.defaults.Timeout
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = f.defaults.MinBytes
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &FetchError{URL: url, Err: errors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &FetchError{URL: url, Err: errors.Wrap(err, "failed to fetch feed")}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create raw feed directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, &FetchError{URL: url, StatusCode: resp.StatusCode, Bytes: n, Err: errors.Wrap(err, "failed to read response body")}
	}

	if n < opts.MinBytes {
		return n, &FetchError{URL: url, StatusCode: resp.StatusCode, Bytes: n,
			Err: errors.Wrapf(ErrTooSmall, "%d bytes < %d", n, opts.MinBytes)}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return n, errors.Wrap(err, "failed to move feed into place")
	}

	return n, nil
}
