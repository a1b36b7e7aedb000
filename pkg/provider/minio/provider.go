// Package minio implements the provider interface on top of minio-go for
// S3-compatible object stores (MinIO, Ceph RGW, Wasabi).
package minio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3leaps/feedstore/pkg/provider"
)

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

type Config struct {
	// Endpoint is host[:port] without scheme (required).
	Endpoint string

	Bucket string
	Region string

	// Profile selects a section of the shared AWS credentials file.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL selects https.
	UseSSL bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("minio endpoint must not include a scheme: %s", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("minio bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("minio access key and secret key must be provided together")
	}
	return nil
}

// Provider implements provider.Provider with a minio client.
type Provider struct {
	client *minio.Client
	bucket string
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.Backend      = (*Provider)(nil)
	_ provider.ObjectCopier = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  resolveCredentials(cfg),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &Provider{client: client, bucket: strings.TrimSpace(cfg.Bucket)}, nil
}

func resolveCredentials(cfg Config) *credentials.Credentials {
	switch {
	case cfg.AccessKeyID != "":
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	case cfg.Profile != "":
		return credentials.NewFileAWSCredentials("", cfg.Profile)
	default:
		return credentials.NewEnvAWS()
	}
}

func (p *Provider) Close() error { return nil }

// List returns a page of objects. The continuation token is the last key of
// the previous page (StartAfter semantics).
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make([]provider.ObjectSummary, 0, maxKeys)
	truncated := false
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.ContinuationToken,
	}) {
		if obj.Err != nil {
			return nil, p.wrapError("List", opts.Prefix, obj.Err)
		}
		if obj.Key == "" {
			continue
		}
		if len(objects) == maxKeys {
			truncated = true
			break
		}
		objects = append(objects, provider.ObjectSummary{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, "\""),
			LastModified: obj.LastModified,
		})
	}

	res := &provider.ListResult{Objects: objects, IsTruncated: truncated}
	if truncated {
		res.ContinuationToken = objects[len(objects)-1].Key
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         info.Size,
			ETag:         strings.Trim(info.ETag, "\""),
			LastModified: info.LastModified,
		},
		ContentType: info.ContentType,
		Metadata:    info.UserMetadata,
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return obj, info.Size, nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.client.PutObject(ctx, p.bucket, key, body, contentLength, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := p.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: p.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: p.bucket, Object: srcKey},
	)
	if err != nil {
		return p.wrapError("CopyObject", srcKey, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		wrapped := p.wrapError("DeleteObject", key, err)
		if provider.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	return classifyError(&provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderMinio,
		Bucket:   p.bucket,
		Key:      key,
		Err:      err,
	})
}

func classifyError(wrapped *provider.ProviderError) error {
	resp := minio.ToErrorResponse(wrapped.Err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case "NoSuchBucket":
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	case "AccessDenied":
		wrapped.Err = provider.ErrAccessDenied
		return wrapped
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		wrapped.Err = provider.ErrInvalidCredentials
		return wrapped
	case "SlowDown", "SlowDownRead", "SlowDownWrite":
		wrapped.Err = provider.ErrThrottled
		return wrapped
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		wrapped.Err = provider.ErrNotFound
	case http.StatusForbidden:
		wrapped.Err = provider.ErrAccessDenied
	case http.StatusTooManyRequests:
		wrapped.Err = provider.ErrThrottled
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		wrapped.Err = provider.ErrProviderUnavailable
	}
	return wrapped
}
