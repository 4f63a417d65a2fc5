package connector

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/resilience"
)

// Access types accepted on HTTP sources. Only html triggers the allow-list
// and robots checks.
var plainAccessTypes = map[string]bool{"file": true, "api": true, "rss": true}

const accessHTML = "html"

// HTTPConnector downloads files over HTTP with conditional requests against
// its private cache.
type HTTPConnector struct {
	opts    Options
	cache   *Cache
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewHTTPConnector creates an HTTPConnector backed by cache.
func NewHTTPConnector(opts Options, cache *Cache) *HTTPConnector {
	opts = opts.withDefaults()
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPConnector{
		opts:    opts,
		cache:   cache,
		client:  client,
		limiter: newLimiter(opts.RatePerSec),
		log:     zap.L().With(zap.String("component", "connector"), zap.String("kind", KindHTTP)),
	}
}

// Kind implements Connector.
func (c *HTTPConnector) Kind() string { return KindHTTP }

// response is the subset of an HTTP response the connector keeps.
type response struct {
	status int
	header http.Header
	body   []byte
}

// Fetch implements Connector.
func (c *HTTPConnector) Fetch(ctx context.Context, src registry.Source, runDir string, allowlist []string) (*FetchResult, error) {
	url := src.String("url", "")
	if url == "" {
		return nil, eris.New("connector: http source requires params.url")
	}
	timeout := c.opts.Timeout
	if secs := src.Int("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	accessType := src.String("access_type", "file")
	switch {
	case accessType == accessHTML:
		if err := c.checkHTMLCompliance(ctx, url, allowlist, timeout); err != nil {
			return nil, err
		}
	case !plainAccessTypes[accessType]:
		return nil, complianceErrorf("unsupported access_type: %s", accessType)
	}

	outPath := filepath.Join(runDir, "raw_source."+src.String("format", "tsv"))

	resp, err := c.conditionalGet(ctx, url, timeout)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusNotModified {
		cached, ok := c.cache.Body(url)
		if ok {
			if err := ensureDir(runDir); err != nil {
				return nil, err
			}
			if err := copyFile(cached, outPath); err != nil {
				return nil, err
			}
			c.log.Info("source not modified, using cached body", zap.String("url", url))
			return &FetchResult{
				LocalPath:   outPath,
				SourceURL:   url,
				FetchedAt:   c.opts.Now().UTC(),
				NotModified: true,
				Outcome:     OutcomeCacheHit,
			}, nil
		}

		// Sidecar without a body: drop it and ask again unconditionally.
		if err := c.cache.Invalidate(url); err != nil {
			return nil, err
		}
		if resp, err = c.conditionalGet(ctx, url, timeout); err != nil {
			return nil, err
		}
		if resp.status == http.StatusNotModified {
			return nil, eris.Errorf("connector: %s answered 304 to an unconditional request", url)
		}
	}

	contentType := resp.header.Get("Content-Type")
	if accepted := acceptedTypes(src.String("expected_content_type", "")); len(accepted) > 0 && !matchesAny(contentType, accepted) {
		return nil, complianceErrorf("unexpected content type. expected one of %q, got %q", accepted, contentType)
	}

	if err := ensureDir(runDir); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outPath, resp.body, 0o644); err != nil {
		return nil, eris.Wrapf(err, "connector: write %s", outPath)
	}
	if err := c.cache.Store(url, resp.body); err != nil {
		return nil, err
	}
	if err := c.cache.WriteMeta(url, CacheMeta{
		ETag:         resp.header.Get("ETag"),
		LastModified: resp.header.Get("Last-Modified"),
		ContentType:  contentType,
	}); err != nil {
		return nil, err
	}

	c.log.Info("source fetched", zap.String("url", url), zap.Int("bytes", len(resp.body)))
	return &FetchResult{
		LocalPath: outPath,
		SourceURL: url,
		FetchedAt: c.opts.Now().UTC(),
		Outcome:   OutcomeFetched,
	}, nil
}

// conditionalGet issues a GET with cache validators, retrying transient failures.
func (c *HTTPConnector) conditionalGet(ctx context.Context, url string, timeout time.Duration) (*response, error) {
	meta, err := c.cache.ReadMeta(url)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", c.opts.UserAgent)
	if meta != nil {
		if meta.ETag != "" {
			header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	policy := resilience.FixedPolicy(c.opts.Attempts, c.opts.Backoff)
	policy.OnRetry = resilience.RetryLogger("connector", "GET "+url)
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*response, error) {
		return c.get(ctx, url, header, timeout)
	})
}

func (c *HTTPConnector) get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "connector: rate limiter wait")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "connector: build request %s", url)
	}
	req.Header = header.Clone()

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			// Per-request timeouts and network errors are worth another attempt.
			return nil, resilience.NewTransientError(eris.Wrapf(err, "connector: GET %s", url), 0)
		}
		return nil, eris.Wrapf(err, "connector: GET %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotModified {
		return &response{status: resp.StatusCode, header: resp.Header}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := eris.Errorf("connector: GET %s: unexpected status %d", url, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "connector: read body %s", url), resp.StatusCode)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func acceptedTypes(expected string) []string {
	var out []string
	for _, part := range strings.Split(expected, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesAny(contentType string, accepted []string) bool {
	for _, a := range accepted {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}
