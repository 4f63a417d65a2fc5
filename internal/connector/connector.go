// Package connector retrieves raw source bytes into a run-scoped directory,
// enforcing source compliance policy and HTTP conditional caching.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/health-dataset-builder/internal/config"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

// Connector kinds accepted in the registry.
const (
	KindHTTP      = "http_csv"
	KindHTTPAlias = "http"
	KindLocal     = "local_file"
	KindFTP       = "ftp_file"
)

// Outcome distinguishes a fresh download from a conditional-request cache hit.
type Outcome int

const (
	// OutcomeFetched means new bytes were retrieved from the source.
	OutcomeFetched Outcome = iota
	// OutcomeCacheHit means the source reported no change and cached bytes were used.
	OutcomeCacheHit
)

func (o Outcome) String() string {
	if o == OutcomeCacheHit {
		return "cache_hit"
	}
	return "fetched"
}

// FetchResult describes the artifact produced by one Fetch call. It is owned
// by the build that requested it.
type FetchResult struct {
	LocalPath   string
	SourceURL   string
	FetchedAt   time.Time
	NotModified bool
	Outcome     Outcome
}

// Connector fetches one source into runDir. Policy violations are returned
// as *ComplianceError; transient failures are retried internally.
type Connector interface {
	Kind() string
	Fetch(ctx context.Context, src registry.Source, runDir string, allowlist []string) (*FetchResult, error)
}

// ComplianceError reports a source policy violation. It is never retried.
type ComplianceError struct {
	Reason string
}

func (e *ComplianceError) Error() string {
	return "compliance: " + e.Reason
}

func complianceErrorf(format string, args ...any) *ComplianceError {
	return &ComplianceError{Reason: fmt.Sprintf(format, args...)}
}

// Options configure every connector built by a Factory.
type Options struct {
	CacheRoot  string
	UserAgent  string
	Timeout    time.Duration
	Attempts   int
	Backoff    time.Duration
	RatePerSec float64
	Client     *http.Client
	Now        func() time.Time
}

// OptionsFromConfig maps fetch configuration onto connector options.
func OptionsFromConfig(cacheDir string, cfg config.FetchConfig) Options {
	return Options{
		CacheRoot:  cacheDir,
		UserAgent:  cfg.UserAgent,
		Timeout:    cfg.RequestTimeout(),
		Attempts:   cfg.MaxAttempts,
		Backoff:    cfg.RetryBackoff(),
		RatePerSec: cfg.RatePerSec,
	}
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "health-dataset-builder/0.1"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Factory builds connectors by kind. Each kind owns cache_root/<kind>.
type Factory struct {
	opts Options
}

// NewFactory creates a Factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// New returns the connector registered for kind.
func (f *Factory) New(kind string) (Connector, error) {
	switch kind {
	case KindHTTP, KindHTTPAlias:
		return NewHTTPConnector(f.opts, NewCache(f.CacheDir(KindHTTP))), nil
	case KindLocal:
		return NewLocalConnector(f.opts), nil
	case KindFTP:
		return NewFTPConnector(f.opts), nil
	default:
		return nil, eris.Errorf("connector: unknown connector kind %q", kind)
	}
}

// CacheDir returns the private cache directory of kind.
func (f *Factory) CacheDir(kind string) string {
	if kind == KindHTTPAlias {
		kind = KindHTTP
	}
	return filepath.Join(f.opts.CacheRoot, kind)
}

// Purge removes every cache entry of kind. Used for full-refresh builds.
func (f *Factory) Purge(kind string) error {
	return NewCache(f.CacheDir(kind)).Purge()
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "connector: mkdir %s", dir)
	}
	return nil
}
