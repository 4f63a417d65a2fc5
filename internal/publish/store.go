package publish

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/health-dataset-builder/internal/config"
)

// ErrMissingCredentials is returned before any upload when the catalog
// endpoint or keys are not configured.
var ErrMissingCredentials = eris.New("publish: endpoint, access_key and secret_key are required")

// Objects is the subset of an S3-compatible client used for uploads.
type Objects interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path string) error
}

// MinioObjects adapts a minio client to Objects.
type MinioObjects struct {
	client *minio.Client
	region string
}

// NewMinioObjects creates a minio-backed client from cfg.
func NewMinioObjects(cfg config.PublishConfig) (*MinioObjects, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrMissingCredentials
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "publish: create minio client")
	}
	return &MinioObjects{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates bucket if it does not exist.
func (m *MinioObjects) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return eris.Wrapf(err, "publish: check bucket %s", bucket)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return eris.Wrapf(err, "publish: make bucket %s", bucket)
	}
	return nil
}

// PutFile uploads the file at path to bucket/key.
func (m *MinioObjects) PutFile(ctx context.Context, bucket, key, path string) error {
	_, err := m.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType(path),
	})
	if err != nil {
		return eris.Wrapf(err, "publish: put %s", key)
	}
	return nil
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}

// Result describes one published bundle.
type Result struct {
	DatasetID string   `json:"dataset_id"`
	Timestamp string   `json:"timestamp"`
	Bucket    string   `json:"bucket"`
	Prefix    string   `json:"prefix"`
	Objects   []string `json:"objects"`
	License   string   `json:"license"`
}

// Publisher bundles a dataset and uploads the bundle.
type Publisher struct {
	objects     Objects
	bucket      string
	prefix      string
	concurrency int
	cacheDir    string
	manifests   string
}

// NewPublisher creates a Publisher writing bundles under paths.CacheDir.
func NewPublisher(objects Objects, cfg config.PublishConfig, paths config.PathsConfig) *Publisher {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}
	return &Publisher{
		objects:     objects,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		concurrency: concurrency,
		cacheDir:    paths.CacheDir,
		manifests:   paths.ManifestDir,
	}
}

// Target names the bundle directory used for object-store publishes.
const Target = "s3"

// Publish bundles the latest build of datasetID and uploads every bundle
// file under <prefix>/<datasetID>/<timestamp>/.
func (p *Publisher) Publish(ctx context.Context, datasetID string) (*Result, error) {
	if p.bucket == "" {
		return nil, eris.New("publish: bucket is required")
	}
	dir, m, err := Bundle(p.cacheDir, p.manifests, datasetID, Target)
	if err != nil {
		return nil, err
	}

	keyPrefix := path.Join(p.prefix, datasetID, m.Timestamp)
	keys, err := p.Upload(ctx, dir, keyPrefix)
	if err != nil {
		return nil, err
	}

	zap.L().Info("publish: bundle uploaded",
		zap.String("dataset_id", datasetID),
		zap.String("bucket", p.bucket),
		zap.String("prefix", keyPrefix),
		zap.Int("objects", len(keys)),
	)
	return &Result{
		DatasetID: datasetID,
		Timestamp: m.Timestamp,
		Bucket:    p.bucket,
		Prefix:    keyPrefix,
		Objects:   keys,
		License:   m.License.Name,
	}, nil
}

// Upload puts every regular file in dir under keyPrefix and returns the
// object keys in directory order.
func (p *Publisher) Upload(ctx context.Context, dir, keyPrefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "publish: list %s", dir)
	}
	if err := p.objects.EnsureBucket(ctx, p.bucket); err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, name := range files {
		key := path.Join(keyPrefix, name)
		keys[i] = key
		src := filepath.Join(dir, name)
		g.Go(func() error {
			return p.objects.PutFile(gctx, p.bucket, key, src)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}
