// Package storage keeps job sources and results in an S3 compatible bucket.
//
// Sources are uploaded by clients through presigned PUT URLs to
// uploads/<job>/source; results are written to outputs/<job>/result.<format>
// and handed back as presigned GET URLs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const (
	uploadPrefix = "uploads"
	outputPrefix = "outputs"

	defaultMaxObjectBytes = 64 << 20
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object too large")
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxObjectBytes caps what ReadObject loads into memory. Zero uses 64 MiB.
	MaxObjectBytes int64
}

type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	maxBytes := cfg.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxObjectBytes
	}
	return &Client{
		minio:    mc,
		bucket:   cfg.Bucket,
		maxBytes: maxBytes,
	}, nil
}

// SourceKey is where a presigned upload for jobID lands.
func SourceKey(jobID string) string {
	return path.Join(uploadPrefix, jobID, "source")
}

// OutputKey is where the processed image of jobID is written.
func OutputKey(jobID, format string) string {
	return path.Join(outputPrefix, jobID, "result."+format)
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.Wrap(err, "check bucket existence")
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return errors.Wrapf(err, "create bucket %s", c.bucket)
	}

	return nil
}

func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", errors.Wrap(err, "presign put object")
	}
	return u.String(), nil
}

// PresignedGetURL signs a download of objectKey that saves under the key's
// base name.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, params)
	if err != nil {
		return "", errors.Wrap(err, "presign get object")
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, errors.Wrapf(err, "stat object %s", objectKey)
	}
}

// ReadObject loads objectKey into memory. Objects over the configured limit
// fail with ErrObjectTooLarge before any data is transferred.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrObjectNotFound, objectKey)
		}
		return nil, errors.Wrapf(err, "stat object %s", objectKey)
	}
	if info.Size > c.maxBytes {
		return nil, errors.Wrapf(ErrObjectTooLarge, "%s is %d bytes, limit %d", objectKey, info.Size, c.maxBytes)
	}

	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", objectKey)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, c.maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read object %s", objectKey)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, errors.Wrapf(ErrObjectTooLarge, "%s grew past %d bytes", objectKey, c.maxBytes)
	}
	return data, nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}

// WriteObject stores data under objectKey. Results are immutable once
// written, so they are marked cacheable.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "private, max-age=86400, immutable",
	})
	if err != nil {
		return errors.Wrapf(err, "put object %s", objectKey)
	}
	return nil
}
