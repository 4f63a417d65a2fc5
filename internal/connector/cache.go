package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// CacheMeta is the conditional-request sidecar stored next to cached bytes.
type CacheMeta struct {
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
	ContentType  string `json:"content_type"`
}

// Cache is a per-connector store of response bodies keyed by URL digest.
// Entries are overwritten whole, so concurrent writers of the same URL race
// benignly.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Key is the hex SHA-256 of the source URL.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Paths returns the body and sidecar paths for url.
func (c *Cache) Paths(url string) (data, meta string) {
	k := Key(url)
	return filepath.Join(c.dir, k+".bin"), filepath.Join(c.dir, k+".meta.json")
}

// ReadMeta returns the sidecar for url, or nil when there is none.
func (c *Cache) ReadMeta(url string) (*CacheMeta, error) {
	_, metaPath := c.Paths(url)
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "connector: read cache meta %s", metaPath)
	}
	var m CacheMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		// A corrupt sidecar only costs a conditional request.
		return nil, nil
	}
	return &m, nil
}

// WriteMeta replaces the sidecar for url.
func (c *Cache) WriteMeta(url string, m CacheMeta) error {
	_, metaPath := c.Paths(url)
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "connector: marshal cache meta")
	}
	return writeAtomic(metaPath, raw)
}

// Store replaces the cached body for url.
func (c *Cache) Store(url string, body []byte) error {
	dataPath, _ := c.Paths(url)
	return writeAtomic(dataPath, body)
}

// Body returns the cached body path for url when one exists.
func (c *Cache) Body(url string) (string, bool) {
	dataPath, _ := c.Paths(url)
	info, err := os.Stat(dataPath)
	if err != nil || info.IsDir() {
		return "", false
	}
	return dataPath, true
}

// Invalidate drops the sidecar for url so the next request is unconditional.
func (c *Cache) Invalidate(url string) error {
	_, metaPath := c.Paths(url)
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "connector: remove %s", metaPath)
	}
	return nil
}

// Purge deletes every entry in the cache directory.
func (c *Cache) Purge() error {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "connector: list cache %s", c.dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "connector: purge %s", e.Name())
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "connector: create temp file")
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return eris.Wrapf(err, "connector: chmod %s", path)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return eris.Wrapf(err, "connector: write %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return eris.Wrapf(err, "connector: close %s", path)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return eris.Wrapf(err, "connector: rename %s", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return eris.Wrapf(err, "connector: read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return eris.Wrapf(err, "connector: write %s", dst)
	}
	return nil
}
