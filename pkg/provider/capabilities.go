package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces.
//
// Callers detect these with type assertions. The artifact store requires
// getter, putter and deleter; copier is needed only for remote latest-alias
// maintenance and falls back to get+put when absent.

// ObjectGetter can download objects as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter can create or overwrite objects.
//
// contentLength may be -1 when unknown; remote providers generally need it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete objects.
//
// Deleting a key that does not exist is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectCopier can copy an object to another key within the same provider
// without streaming it through the caller.
type ObjectCopier interface {
	CopyObject(ctx context.Context, srcKey, dstKey string) error
}

// Backend is the full set of capabilities the artifact store drives.
type Backend interface {
	Provider
	ObjectGetter
	ObjectPutter
	ObjectDeleter
}

// AsBackend returns p as a Backend when it implements every required
// capability.
func AsBackend(p Provider) (Backend, bool) {
	b, ok := p.(Backend)
	return b, ok
}
