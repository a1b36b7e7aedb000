// Package file implements the provider interface on a local directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/feedstore/pkg/provider"
)

// TempPrefix marks in-flight writes; names with this prefix are never listed.
const TempPrefix = ".feedstore-put-"

// Provider implements provider.Provider for a local directory.
//
// Keys are relative paths under BaseDir. A key that cleans to a location
// outside BaseDir is rejected with provider.ErrInvalidKey before any
// filesystem call is made.
type Provider struct {
	baseDir string

	// fsys is the read view of baseDir used for listing.
	fsys fs.FS
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.Backend       = (*Provider)(nil)
	_ provider.ObjectCopier  = (*Provider)(nil)
	_ provider.ObjectGetter  = (*Provider)(nil)
	_ provider.ObjectPutter  = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
)

type Config struct {
	BaseDir string

	// Create makes BaseDir (and parents) when it does not exist.
	Create bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if cfg.Create {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
	}
	st, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("not a directory or not found: %s: %w", base, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("not a directory or not found: %s", base)
	}
	return &Provider{baseDir: base, fsys: os.DirFS(base)}, nil
}

// BaseDir returns the absolute root directory.
func (p *Provider) BaseDir() string { return p.baseDir }

// Path resolves key to an absolute path inside BaseDir.
func (p *Provider) Path(key string) (string, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return "", p.wrapError("Path", key, err)
	}
	return full, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	_ = ctx
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	// A failed walk still yields the keys it reached; they are returned
	// together with the error.
	keys, walkErr := p.collectKeys(strings.TrimPrefix(opts.Prefix, "/"))
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}

	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]provider.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		st, err := os.Stat(filepath.Join(p.baseDir, filepath.FromSlash(k)))
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &provider.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	if walkErr != nil {
		return res, p.wrapError("List", opts.Prefix, walkErr)
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, provider.ErrNotFound)
	}

	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, provider.ErrNotFound)
	}
	return f, st.Size(), nil
}

// PutObject writes body to key atomically: readers see either the previous
// content or the complete new content, never a partial file.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = ctx
	_ = contentLength
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), TempPrefix+"*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// CopyObject copies srcKey over dstKey, preserving the source modification
// time.
func (p *Provider) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src, _, err := p.GetObject(ctx, srcKey)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	st, err := src.(*os.File).Stat()
	if err != nil {
		return p.wrapError("CopyObject", srcKey, err)
	}
	if err := p.PutObject(ctx, dstKey, src, st.Size()); err != nil {
		return err
	}

	dst, err := p.fullPath(dstKey)
	if err != nil {
		return p.wrapError("CopyObject", dstKey, err)
	}
	if err := os.Chtimes(dst, st.ModTime(), st.ModTime()); err != nil {
		return p.wrapError("CopyObject", dstKey, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsRune(key, 0) {
		return "", provider.ErrInvalidKey
	}
	key = strings.TrimPrefix(filepath.ToSlash(key), "/")
	// Prevent path traversal.
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", provider.ErrInvalidKey
		}
	}
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", provider.ErrInvalidKey
	}
	full := filepath.Join(p.baseDir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(p.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", provider.ErrInvalidKey
	}
	return full, nil
}

func (p *Provider) collectKeys(prefix string) ([]string, error) {
	if _, err := os.Stat(p.baseDir); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var (
		keys []string
		errs []error
	)
	walkErr := fs.WalkDir(p.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Keep walking the rest of the tree; the failure is reported.
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), TempPrefix) {
			return nil
		}
		if strings.HasPrefix(path, prefix) {
			keys = append(keys, path)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return keys, errors.Join(errs...)
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if errors.Is(err, fs.ErrNotExist) {
		wrapped.Err = provider.ErrNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
