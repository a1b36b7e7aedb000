package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/feedstore/pkg/provider"
)

// memBackend is an in-memory remote backend for store tests.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time

	putErr  error
	copyErr error
	getErr  error
	copies  int
}

var _ provider.Backend = (*memBackend)(nil)

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}, mtimes: map[string]time.Time{}}
}

func (m *memBackend) wrap(op, key string, err error) error {
	return &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Bucket: "test", Key: key, Err: err}
}

func (m *memBackend) List(_ context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	res := &provider.ListResult{}
	for _, k := range keys {
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, Size: int64(len(m.objects[k])), LastModified: m.mtimes[k]})
	}
	return res, nil
}

func (m *memBackend) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, m.wrap("Head", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{ObjectSummary: provider.ObjectSummary{Key: key, Size: int64(len(data)), LastModified: m.mtimes[key]}}, nil
}

func (m *memBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, 0, m.wrap("GetObject", key, m.getErr)
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, m.wrap("GetObject", key, provider.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memBackend) PutObject(_ context.Context, key string, body io.Reader, contentLength int64) error {
	if m.putErr != nil {
		return m.wrap("PutObject", key, m.putErr)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return m.wrap("PutObject", key, err)
	}
	if contentLength >= 0 && int64(len(data)) != contentLength {
		return m.wrap("PutObject", key, errors.New("content length mismatch"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.mtimes[key] = time.Now()
	return nil
}

func (m *memBackend) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// copyingBackend adds server-side copy to memBackend.
type copyingBackend struct {
	*memBackend
}

func (c copyingBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copies++
	if c.copyErr != nil {
		return c.wrap("CopyObject", srcKey, c.copyErr)
	}
	data, ok := c.objects[srcKey]
	if !ok {
		return c.wrap("CopyObject", srcKey, provider.ErrNotFound)
	}
	c.objects[dstKey] = append([]byte(nil), data...)
	c.mtimes[dstKey] = time.Now()
	return nil
}
