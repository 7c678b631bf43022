package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ohdsi/load-euctr/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds each JSON attempt. For downloads it bounds the wait for
	// response headers and each body read, not the whole transfer.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per logical fetch.
	MaxRetries int
	// PolitenessDelay is waited before every attempt.
	PolitenessDelay time.Duration
	// RequestsPerSecond, when positive, adds a per-host token bucket on top
	// of the politeness delay.
	RequestsPerSecond float64
	RateLimiters      map[string]*rate.Limiter
	// Breakers, when set, short-circuits hosts that keep failing.
	Breakers *resilience.HostBreakers
	// Sleep overrides how delays are waited, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Transport overrides the default round tripper.
	Transport http.RoundTripper
}

// HTTPFetcher implements Fetcher and Downloader using net/http with retry,
// politeness delay and per-host rate limiting.
type HTTPFetcher struct {
	client   *http.Client
	download *http.Client
	opts     HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "load-euctr/1.0"
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.SleepContext
	}
	limiters := make(map[string]*rate.Limiter)
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 32,
			MaxConnsPerHost:     64,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		download: &http.Client{Transport: transport},
		opts:     opts,
		limiters: limiters,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func (f *HTTPFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	if f.opts.RequestsPerSecond <= 0 {
		return nil
	}
	burst := max(int(f.opts.RequestsPerSecond), 1)
	lim := rate.NewLimiter(rate.Limit(f.opts.RequestsPerSecond), burst)
	f.limiters[host] = lim
	return lim
}

// wait applies the politeness delay and the host limiter ahead of one attempt.
func (f *HTTPFetcher) wait(ctx context.Context, host string) error {
	if f.opts.PolitenessDelay > 0 {
		if err := f.opts.Sleep(ctx, f.opts.PolitenessDelay); err != nil {
			return err
		}
	}
	if lim := f.limiterFor(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limiter wait")
		}
	}
	return nil
}

// retryable reports whether an attempt error should be retried: any
// transport failure, timeout or non-2xx status.
func retryable(err error) bool {
	var se *resilience.StatusError
	return resilience.IsTransient(err) || errors.As(err, &se)
}

func (f *HTTPFetcher) retryConfig(log *zap.Logger) resilience.RetryConfig {
	cfg := resilience.FetchRetryConfig(f.opts.MaxRetries)
	cfg.ShouldRetry = retryable
	cfg.Sleep = f.opts.Sleep
	cfg.OnRetry = resilience.RetryLogger(log, cfg.MaxAttempts)
	return cfg
}

// FetchJSON performs req with retries and returns the raw JSON body.
func (f *HTTPFetcher) FetchJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	fullURL := req.FullURL()
	host := hostOf(fullURL)
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", fullURL))

	cfg := f.retryConfig(log)
	call := func(ctx context.Context) (json.RawMessage, error) {
		return resilience.DoVal(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
			return f.attemptJSON(ctx, req, fullURL, host)
		})
	}

	var (
		payload json.RawMessage
		err     error
	)
	if f.opts.Breakers != nil {
		payload, err = resilience.ExecuteVal(ctx, f.opts.Breakers.Get(host), call)
	} else {
		payload, err = call(ctx)
	}
	if err == nil {
		return payload, nil
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Warn("circuit open, request skipped")
		return nil, &ExhaustedError{URL: fullURL, Attempts: 0, Err: err}
	case ctx.Err() != nil:
		return nil, eris.Wrap(ctx.Err(), "fetcher: cancelled")
	case !retryable(err):
		log.Warn("request failed permanently", zap.Error(err))
		return nil, err
	}

	log.Error("all retries failed", zap.Int("attempts", cfg.MaxAttempts), zap.Error(err))
	return nil, &ExhaustedError{URL: fullURL, Attempts: cfg.MaxAttempts, Err: err}
}

func (f *HTTPFetcher) attemptJSON(ctx context.Context, req Request, fullURL, host string) (json.RawMessage, error) {
	if err := f.wait(ctx, host); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: encode request body")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &resilience.StatusError{StatusCode: resp.StatusCode, URL: fullURL}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), 0)
	}
	if !json.Valid(data) {
		return nil, resilience.NewDecodeError(fullURL, eris.New("fetcher: not valid JSON"))
	}

	return json.RawMessage(data), nil
}

// Download fetches the URL and returns the response body. The transfer
// itself has no overall deadline: Timeout applies to the response headers
// and to every body read, so a slow but steady stream completes.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	host := hostOf(rawURL)
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", rawURL))

	body, err := resilience.DoVal(ctx, f.retryConfig(log), func(ctx context.Context) (io.ReadCloser, error) {
		if err := f.wait(ctx, host); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(f.opts.Timeout, cancel)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			timer.Stop()
			cancel()
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.download.Do(req)
		timer.Stop()
		if err != nil {
			cancel()
			return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: request"), 0)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			cancel()
			return nil, &resilience.StatusError{StatusCode: resp.StatusCode, URL: rawURL}
		}
		return &readTimeoutBody{rc: resp.Body, timer: timer, timeout: f.opts.Timeout, cancel: cancel}, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}

	return body, nil
}

// readTimeoutBody cancels the request when a single Read stalls longer than
// timeout.
type readTimeoutBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func (b *readTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *readTimeoutBody) Close() error {
	b.timer.Stop()
	defer b.cancel()
	return b.rc.Close()
}

// DownloadToFile fetches the URL and writes it to the given path. A partial
// file is removed when the copy fails.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}

	n, err := io.Copy(file, body)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return n, eris.Wrap(err, "write file")
	}

	return n, nil
}
