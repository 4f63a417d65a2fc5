package connector

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/resilience"
)

// FTPConnector retrieves a file from an FTP server. Anonymous login is used
// unless params.username is set.
type FTPConnector struct {
	opts Options
}

// NewFTPConnector creates an FTPConnector.
func NewFTPConnector(opts Options) *FTPConnector {
	return &FTPConnector{opts: opts.withDefaults()}
}

// Kind implements Connector.
func (c *FTPConnector) Kind() string { return KindFTP }

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, filePath string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "connector: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("connector: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	if u.Path == "" || u.Path == "/" {
		return "", "", eris.New("connector: empty path in ftp url")
	}
	return host, u.Path, nil
}

// Fetch implements Connector.
func (c *FTPConnector) Fetch(ctx context.Context, src registry.Source, runDir string, _ []string) (*FetchResult, error) {
	rawURL := src.String("url", "")
	host, remote, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	user := src.String("username", "anonymous")
	pass := src.String("password", "anonymous@")

	if err := ensureDir(runDir); err != nil {
		return nil, err
	}
	dst := filepath.Join(runDir, path.Base(remote))

	policy := resilience.FixedPolicy(c.opts.Attempts, c.opts.Backoff)
	policy.OnRetry = resilience.RetryLogger("connector", "RETR "+rawURL)
	err = resilience.Do(ctx, policy, func(ctx context.Context) error {
		return c.retrieve(ctx, host, remote, user, pass, dst)
	})
	if err != nil {
		return nil, err
	}

	return &FetchResult{
		LocalPath: dst,
		SourceURL: rawURL,
		FetchedAt: c.opts.Now().UTC(),
		Outcome:   OutcomeFetched,
	}, nil
}

func (c *FTPConnector) retrieve(ctx context.Context, host, remote, user, pass, dst string) error {
	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", remote))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(c.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "connector: ftp dial"), 0)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return eris.Wrap(err, "connector: ftp login")
	}

	resp, err := conn.Retr(remote)
	if err != nil {
		return eris.Wrap(err, "connector: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	f, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "connector: create %s", dst)
	}
	if _, err := io.Copy(f, resp); err != nil {
		_ = f.Close()
		return resilience.NewTransientError(eris.Wrap(err, "connector: ftp read"), 0)
	}
	return eris.Wrapf(f.Close(), "connector: close %s", dst)
}
