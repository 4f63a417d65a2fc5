package connector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-dataset-builder/internal/config"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

func TestFactory_New(t *testing.T) {
	f := NewFactory(Options{CacheRoot: t.TempDir()})

	tests := []struct {
		kind string
		want string
	}{
		{KindHTTP, KindHTTP},
		{KindHTTPAlias, KindHTTP},
		{KindLocal, KindLocal},
		{KindFTP, KindFTP},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			c, err := f.New(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Kind())
		})
	}

	_, err := f.New("gopher")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown connector kind")
}

func TestFactory_CacheDirAndPurge(t *testing.T) {
	root := t.TempDir()
	f := NewFactory(Options{CacheRoot: root})
	assert.Equal(t, filepath.Join(root, KindHTTP), f.CacheDir(KindHTTPAlias))

	cache := NewCache(f.CacheDir(KindHTTP))
	require.NoError(t, cache.Store("https://a.example/x", []byte("x")))
	require.NoError(t, cache.WriteMeta("https://a.example/x", CacheMeta{ETag: "e"}))

	require.NoError(t, f.Purge(KindHTTP))
	entries, err := os.ReadDir(cache.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Purging a kind that never cached anything is fine.
	assert.NoError(t, f.Purge(KindFTP))
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig("/cache", config.FetchConfig{
		UserAgent:          "ua",
		RequestTimeoutSecs: 10,
		MaxAttempts:        4,
		RetryBackoffMillis: 250,
		RatePerSec:         2,
	})
	assert.Equal(t, "/cache", opts.CacheRoot)
	assert.Equal(t, "ua", opts.UserAgent)
	assert.Equal(t, 10*time.Second, opts.Timeout)
	assert.Equal(t, 4, opts.Attempts)
	assert.Equal(t, 250*time.Millisecond, opts.Backoff)
}

func TestCache_KeyAndMeta(t *testing.T) {
	c := NewCache(t.TempDir())
	url := "https://example.org/data.csv"
	assert.Len(t, Key(url), 64)

	m, err := c.ReadMeta(url)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, metaPath := c.Paths(url)
	require.NoError(t, os.MkdirAll(filepath.Dir(metaPath), 0o755))
	require.NoError(t, os.WriteFile(metaPath, []byte("{not json"), 0o644))
	m, err = c.ReadMeta(url)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, c.WriteMeta(url, CacheMeta{ETag: `"e"`, ContentType: "text/csv"}))
	m, err = c.ReadMeta(url)
	require.NoError(t, err)
	assert.Equal(t, `"e"`, m.ETag)

	require.NoError(t, c.Invalidate(url))
	m, err = c.ReadMeta(url)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, c.Invalidate(url))
}

func TestCache_FilesWorldReadable(t *testing.T) {
	c := NewCache(t.TempDir())
	url := "https://example.org/data.csv"
	require.NoError(t, c.Store(url, []byte("a,b\n1,2\n")))
	require.NoError(t, c.WriteMeta(url, CacheMeta{ETag: `"e"`}))

	dataPath, metaPath := c.Paths(url)
	for _, p := range []string{dataPath, metaPath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm(), p)
	}
}

func TestLocalFetch(t *testing.T) {
	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "tb_merged.csv")
	require.NoError(t, os.WriteFile(path, []byte("country,state\nIndia,Kerala\n"), 0o644))

	c := NewLocalConnector(Options{})
	runDir := filepath.Join(t.TempDir(), "run")
	res, err := c.Fetch(context.Background(), registry.Source{Connector: KindLocal, Params: map[string]any{"path": path}}, runDir, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(runDir, "tb_merged.csv"), res.LocalPath)
	assert.Equal(t, path, res.SourceURL)
	assert.Equal(t, OutcomeFetched, res.Outcome)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "country,state\nIndia,Kerala\n", string(data))
}

func TestLocalFetch_MissingPath(t *testing.T) {
	c := NewLocalConnector(Options{})
	src := registry.Source{Connector: KindLocal, Params: map[string]any{"path": filepath.Join(t.TempDir(), "nope.csv")}}
	_, err := c.Fetch(context.Background(), src, t.TempDir(), nil)

	var ce *ComplianceError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "local source path does not exist")
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{"default port", "ftp://ftp.cdc.gov/pub/data.csv", "ftp.cdc.gov:21", "/pub/data.csv", false},
		{"explicit port", "ftp://ftp.cdc.gov:2121/pub/data.csv", "ftp.cdc.gov:2121", "/pub/data.csv", false},
		{"wrong scheme", "http://ftp.cdc.gov/pub/data.csv", "", "", true},
		{"empty path", "ftp://ftp.cdc.gov", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, p, err := parseFTPURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, p)
		})
	}
}

func TestFTPFetch_DialFailure(t *testing.T) {
	c := NewFTPConnector(Options{Attempts: 2, Backoff: time.Millisecond, Timeout: 200 * time.Millisecond})
	src := registry.Source{Connector: KindFTP, Params: map[string]any{"url": "ftp://127.0.0.1:1/pub/x.csv"}}
	_, err := c.Fetch(context.Background(), src, t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp dial")
}

func TestComplianceError_Message(t *testing.T) {
	err := complianceErrorf("html source domain not allowlisted: %s", "evil.example")
	assert.Equal(t, "compliance: html source domain not allowlisted: evil.example", err.Error())
}

func TestHostAllowed(t *testing.T) {
	allow := []string{"OurWorldInData.org", "who.int"}
	assert.True(t, hostAllowed("ourworldindata.org", allow))
	assert.True(t, hostAllowed("WHO.int", allow))
	assert.False(t, hostAllowed("evil.example", allow))
	assert.False(t, hostAllowed("ourworldindata.org", nil))
}
