// Package storage keeps asset content in an S3 compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the bucket that holds asset files. An asset filename maps
// to the object key Prefix/filename.
type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	Prefix   string
	UseSSL   bool
}

// Client implements asset.Content on top of minio. Missing objects are
// reported as fs.ErrNotExist, like the local content store.
type Client struct {
	minio  *minio.Client
	bucket string
	prefix string
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
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{
		minio:  mc,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket unless it exists. Losing a creation race
// to another worker is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		if exists, checkErr := c.minio.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// ObjectKey maps an asset filename to its key in the bucket.
func (c *Client) ObjectKey(filename string) (string, error) {
	name := strings.TrimPrefix(filename, "/")
	if name == "" {
		return "", errors.New("object key is empty")
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("object key %q escapes the content prefix", filename)
	}
	if c.prefix == "" {
		return clean, nil
	}
	return c.prefix + "/" + clean, nil
}

func (c *Client) ReadObject(ctx context.Context, filename string) ([]byte, error) {
	key, err := c.ObjectKey(filename)
	if err != nil {
		return nil, err
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.objectErr("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.objectErr("read", key, err)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, filename string, data []byte, contentType string) error {
	key, err := c.ObjectKey(filename)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = c.minio.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return c.objectErr("put", key, err)
	}
	return nil
}

// RemoveObject deletes the object for filename. A missing object is not an
// error.
func (c *Client) RemoveObject(ctx context.Context, filename string) error {
	key, err := c.ObjectKey(filename)
	if err != nil {
		return err
	}
	err = c.minio.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	if err == nil || isNotFound(err) {
		return nil
	}
	return c.objectErr("remove", key, err)
}

func (c *Client) objectErr(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s object %s/%s: %w", op, c.bucket, key, fs.ErrNotExist)
	}
	return fmt.Errorf("%s object %s/%s: %w", op, c.bucket, key, err)
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NoSuchBucket":
		return true
	}
	return false
}
