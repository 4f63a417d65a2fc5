package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

const (
	chunkSize     = 64 * 1024
	digestWorkers = 4
)

// Digest hashes each file in fixed-size chunks. Output order matches paths.
func Digest(ctx context.Context, paths []string) ([]FileDigest, error) {
	out := make([]FileDigest, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(digestWorkers)

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := SHA256File(p)
			if err != nil {
				return err
			}
			out[i] = FileDigest{Path: p, SHA256: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SHA256File returns the hex SHA-256 of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "manifest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", eris.Wrapf(err, "manifest: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Mismatch describes an artifact whose current digest differs from the manifest.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Verify recomputes every digest listed in m. Missing files report an empty Actual.
func Verify(ctx context.Context, m *Manifest) ([]Mismatch, error) {
	var mismatches []Mismatch
	for _, d := range m.Hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(d.Path); os.IsNotExist(err) {
			mismatches = append(mismatches, Mismatch{Path: d.Path, Expected: d.SHA256})
			continue
		}
		sum, err := SHA256File(d.Path)
		if err != nil {
			return nil, err
		}
		if sum != d.SHA256 {
			mismatches = append(mismatches, Mismatch{Path: d.Path, Expected: d.SHA256, Actual: sum})
		}
	}
	return mismatches, nil
}
