package connector

import (
	"context"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"

	"github.com/sells-group/health-dataset-builder/internal/resilience"
)

// checkHTMLCompliance requires the URL's host to be allow-listed and its
// robots.txt to permit the configured user agent. It makes no request when
// the host is not allow-listed.
func (c *HTTPConnector) checkHTMLCompliance(ctx context.Context, rawURL string, allowlist []string, timeout time.Duration) error {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return eris.Wrapf(err, "connector: parse url %s", rawURL)
	}
	domain := strings.ToLower(u.Host)
	if !hostAllowed(domain, allowlist) {
		return complianceErrorf("html source domain not allowlisted: %s", domain)
	}

	robots, err := c.fetchRobots(ctx, u.Scheme+"://"+domain+"/robots.txt", timeout)
	if err != nil {
		return err
	}
	if !robots.TestAgent(u.RequestURI(), c.opts.UserAgent) {
		return complianceErrorf("robots.txt disallows access for %s", rawURL)
	}
	return nil
}

func hostAllowed(host string, allowlist []string) bool {
	for _, h := range allowlist {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (c *HTTPConnector) fetchRobots(ctx context.Context, robotsURL string, timeout time.Duration) (*robotstxt.RobotsData, error) {
	policy := resilience.FixedPolicy(c.opts.Attempts, c.opts.Backoff)
	policy.OnRetry = resilience.RetryLogger("connector", "GET "+robotsURL)

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*robotstxt.RobotsData, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "connector: rate limiter wait")
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "connector: build robots request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "connector: GET %s", robotsURL), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "connector: read robots.txt"), resp.StatusCode)
		}
		data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
		if err != nil {
			return nil, eris.Wrapf(err, "connector: parse %s", robotsURL)
		}
		return data, nil
	})
}
