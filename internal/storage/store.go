// Package storage opens the blob buckets that hold persisted documents such
// as order templates.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS or S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // "templates/" (path prefix within bucket or local dir)
}

// OpenBucket opens the configured bucket. When Prefix is set the returned
// bucket only sees keys beneath it.
func OpenBucket(ctx context.Context, cfg Config) (*blob.Bucket, error) {
	var (
		bucket *blob.Bucket
		err    error
	)

	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		bucket, err = fileblob.OpenBucket(cfg.LocalDir, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("open local bucket %s: %w", cfg.LocalDir, err)
		}
	case "mem":
		bucket = memblob.OpenBucket(nil)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		bucket, err = blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", cfg.Bucket))
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
		}
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		bucket, err = blob.OpenBucket(ctx, s3URL(cfg.Bucket, cfg.S3Endpoint, cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
		}
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}

	if cfg.Prefix != "" {
		bucket = blob.PrefixedBucket(bucket, cfg.Prefix)
	}
	return bucket, nil
}

// s3URL builds the gocloud.dev URL for an S3-compatible bucket.
func s3URL(bucketName, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

// URI returns the canonical URI for key under the configured backend.
// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
func URI(cfg Config, key string) string {
	switch cfg.Backend {
	case "gcs":
		return fmt.Sprintf("gs://%s/%s%s", cfg.Bucket, cfg.Prefix, key)
	case "s3":
		return fmt.Sprintf("s3://%s/%s%s", cfg.Bucket, cfg.Prefix, key)
	case "mem":
		return fmt.Sprintf("mem://%s%s", cfg.Prefix, key)
	default:
		abs, err := filepath.Abs(filepath.Join(cfg.LocalDir, cfg.Prefix, key))
		if err != nil {
			abs = filepath.Join(cfg.LocalDir, cfg.Prefix, key)
		}
		return "file://" + abs
	}
}

// ListKeys returns the sorted keys directly under the bucket root that end in
// suffix. Directories are skipped.
func ListKeys(ctx context.Context, bucket *blob.Bucket, suffix string) ([]string, error) {
	var keys []string

	iter := bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, suffix) {
			continue
		}
		keys = append(keys, obj.Key)
	}

	sort.Strings(keys)
	return keys, nil
}

// WriteAll writes data under key. The object only becomes visible once the
// writer closes without error.
func WriteAll(ctx context.Context, bucket *blob.Bucket, key, contentType string, data []byte) error {
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}
