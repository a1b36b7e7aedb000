// Package provider defines the backend adapter contract for artifact storage.
//
// A provider speaks to exactly one physical medium: the local filesystem or a
// remote object store. The core Provider interface is deliberately small
// (listing and metadata); data movement is exposed through the optional
// capability interfaces in capabilities.go. Authentication uses SDK default
// credential chains unless a caller supplies explicit credentials.
package provider

import (
	"context"
	"time"
)

// Provider abstracts storage listing and metadata operations.
//
// Implementations should:
//   - Report missing objects as ErrNotFound (wrapped in *ProviderError)
//   - Support pagination via continuation tokens
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) relative to the provider root.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag when the medium provides one.
	ETag string

	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage medium.
type ProviderType string

const (
	// ProviderFile is the local filesystem.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage via the AWS SDK.
	ProviderS3 ProviderType = "s3"

	// ProviderMinio represents S3-compatible storage via minio-go.
	ProviderMinio ProviderType = "minio"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// Exists reports whether key exists in p.
//
// ErrNotFound maps to (false, nil); any other Head failure is returned.
func Exists(ctx context.Context, p Provider, key string) (bool, error) {
	if _, err := p.Head(ctx, key); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListAll drains every page of a List call for prefix.
//
// Objects collected before a failing page, plus any partial page the provider
// returned with its error, are returned together with the error so callers
// can decide whether a partial listing is good enough.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		out   []ObjectSummary
		token string
	)
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			if res != nil {
				out = append(out, res.Objects...)
			}
			return out, err
		}
		out = append(out, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			return out, nil
		}
		token = res.ContinuationToken
	}
}
