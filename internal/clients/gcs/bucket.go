package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// BucketService is a read-only view of the vendor's export bucket. The
// stress-app vendor delivers recordings as daily dumps keyed by
// <dump_date>/<subject_hash>/..., so listing and downloading by prefix is
// all the pipeline needs.
type BucketService interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	DownloadPrefix(ctx context.Context, prefix, destDir string) (int, error)
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewBucketService(ctx context.Context, log *logger.Logger) (BucketService, error) {
	bucket := os.Getenv("VTT_GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var VTT_GCS_BUCKET_NAME")
	}
	opts := clientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &bucketService{
		log:    log.With("service", "BucketService"),
		client: client,
		bucket: bucket,
	}, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	opts := []option.ClientOption{}
	if creds == "" {
		return opts
	}
	if strings.HasPrefix(creds, "{") {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}

func (bs *bucketService) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	it := bs.client.Bucket(bs.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

// Download streams one object. The cancel is attached to the reader's
// Close; canceling before the caller reads would truncate the stream.
func (bs *bucketService) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	rc, err := bs.client.Bucket(bs.bucket).Object(key).NewReader(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open GCS object %q: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: rc, cancel: cancel}, nil
}

// DownloadPrefix mirrors every object under prefix into destDir, keeping
// the key layout below the prefix. Returns the number of files written.
func (bs *bucketService) DownloadPrefix(ctx context.Context, prefix, destDir string) (int, error) {
	keys, err := bs.ListKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		if rel == "" {
			continue
		}
		dest := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := bs.downloadTo(ctx, key, dest); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (bs *bucketService) downloadTo(ctx context.Context, key, dest string) error {
	rc, err := bs.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %q: %w", dest, err)
	}
	return f.Close()
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
