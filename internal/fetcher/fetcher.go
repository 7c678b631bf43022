package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Fetcher performs one logical, retried JSON request.
type Fetcher interface {
	// FetchJSON returns the response body of req. A failure after all
	// retries is reported as an error matching ErrRetriesExhausted; callers
	// treat it as "no data" rather than as a fatal condition.
	FetchJSON(ctx context.Context, req Request) (json.RawMessage, error)
}

// Downloader fetches raw bodies, used for bulk files such as the Eurostat catalogue.
type Downloader interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Request describes one API call. Body, when set, is sent as JSON.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   any
}

// Get builds a GET request for rawURL.
func Get(rawURL string) Request {
	return Request{Method: "GET", URL: rawURL}
}

// FullURL returns the URL with Query merged into any existing query string.
func (r Request) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	q := u.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrRetriesExhausted marks a fetch that failed on every attempt.
var ErrRetriesExhausted = eris.New("fetcher: all retries exhausted")

// ExhaustedError wraps the last attempt's error once retries run out.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetcher: all %d attempts failed for %s: %v", e.Attempts, e.URL, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is reports ErrRetriesExhausted as a match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }
