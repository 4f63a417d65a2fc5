package connector

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/registry"
)

// LocalConnector copies a file already on disk into the run directory.
type LocalConnector struct {
	opts Options
}

// NewLocalConnector creates a LocalConnector.
func NewLocalConnector(opts Options) *LocalConnector {
	return &LocalConnector{opts: opts.withDefaults()}
}

// Kind implements Connector.
func (c *LocalConnector) Kind() string { return KindLocal }

// Fetch implements Connector. The allow-list does not apply to local files.
func (c *LocalConnector) Fetch(ctx context.Context, src registry.Source, runDir string, _ []string) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := src.String("path", "")
	if path == "" {
		return nil, eris.New("connector: local_file source requires params.path")
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, complianceErrorf("local source path does not exist: %s", path)
	}

	if err := ensureDir(runDir); err != nil {
		return nil, err
	}
	dst := filepath.Join(runDir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return nil, err
	}

	zap.L().Debug("local source copied", zap.String("component", "connector"), zap.String("path", path))
	return &FetchResult{
		LocalPath: dst,
		SourceURL: path,
		FetchedAt: c.opts.Now().UTC(),
		Outcome:   OutcomeFetched,
	}, nil
}
