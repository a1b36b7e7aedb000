// Package artifact implements the feed artifact store.
//
// A Store routes id-keyed operations to one backend: the local directory
// under Root, or a remote object store when one is configured. New artifacts
// are always written locally first (the local copy is authoritative for
// immediate reads); Upload pushes a stream to the remote backend with
// progress tracking. Both paths maintain a best-effort "latest" alias named
// <sourceId>.zip.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/provider"
	"github.com/3leaps/feedstore/pkg/provider/file"
)

// DefaultPrefix is the remote key prefix for feed artifacts.
const DefaultPrefix = "gtfs/"

// Config configures a Store.
//
// Only Root is required. Prefix defaults to DefaultPrefix and ProgressEvery
// to DefaultProgressEvery.
type Config struct {
	// Root is the local base directory (required).
	Root string

	// Subdir scopes the store to a namespace under Root (e.g. "gtfsplus").
	Subdir string

	// Prefix is prepended to ids to form remote object keys.
	Prefix string

	// StagingDir holds staged temp files. Defaults to the system temp dir.
	StagingDir string

	// ProgressEvery is the number of transfer events between progress ticks.
	ProgressEvery int
}

// Validate checks that Root is set and that Subdir is a single valid id.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("store root is required")
	}
	if c.Subdir != "" {
		if err := ValidateID(c.Subdir); err != nil {
			return fmt.Errorf("store subdir: %w", err)
		}
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithRemote makes b the active backend. The store keeps using its local
// root for Create.
func WithRemote(b provider.Backend) Option {
	return func(s *Store) { s.remote = b }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is safe for concurrent use.
type Store struct {
	cfg     Config
	local   *file.Provider
	remote  provider.Backend
	staging *Stager
	logger  *zap.Logger
}

// New creates a Store rooted at cfg.Root, creating the local directory when
// missing. Without WithRemote the local directory is the active backend.
// Call Close to remove staged files.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}

	local, err := file.New(file.Config{BaseDir: filepath.Join(cfg.Root, cfg.Subdir), Create: true})
	if err != nil {
		return nil, err
	}
	staging, err := newStager(cfg.StagingDir)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, local: local, staging: staging, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute local directory of the store namespace.
func (s *Store) Root() string { return s.local.BaseDir() }

// Remote reports whether a remote backend is active.
func (s *Store) Remote() bool { return s.remote != nil }

// Staging exposes the staged-file registry.
func (s *Store) Staging() *Stager { return s.staging }

// Close removes staged files that were never released.
func (s *Store) Close() error {
	n := s.staging.Len()
	if err := s.staging.Close(); err != nil {
		return fmt.Errorf("clean staging: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Removed staged files", zap.Int("count", n))
	}
	return nil
}

// Release removes a staged file returned by Get or Upload. Paths that are not
// staged (local artifacts) are left alone.
func (s *Store) Release(path string) error {
	return s.staging.Release(path)
}

func (s *Store) backend() provider.Backend {
	if s.remote != nil {
		return s.remote
	}
	return s.local
}

func (s *Store) key(id string) string {
	if s.remote != nil {
		return s.cfg.Prefix + id
	}
	return id
}

// IDs lists every artifact id in the active backend, sorted.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	prefix := ""
	if s.remote != nil {
		prefix = s.cfg.Prefix
	}

	objects, err := provider.ListAll(ctx, s.backend(), prefix)
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		id := strings.TrimPrefix(obj.Key, prefix)
		// Nested keys belong to other namespaces.
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err != nil {
		s.logger.Warn("Artifact listing incomplete", zap.Int("listed", len(ids)), zap.Error(err))
		return ids, fmt.Errorf("list artifacts: %w", err)
	}
	return ids, nil
}

// Match lists ids matching a doublestar glob such as "*.zip".
func (s *Store) Match(ctx context.Context, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pattern)
	}
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if ok, _ := doublestar.Match(pattern, id); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) head(ctx context.Context, id string) (*provider.ObjectMeta, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}
	meta, err := s.backend().Head(ctx, s.key(id))
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, &TransferError{Op: "head", ID: id, Local: s.remote == nil, Err: err}
	}
	return meta, true, nil
}

// Info describes a stored artifact.
type Info struct {
	ID           string    `json:"id" yaml:"id"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"lastModified" yaml:"last_modified"`
}

// Stat returns size and modification time of id in one lookup; ok is false
// when the artifact does not exist.
func (s *Store) Stat(ctx context.Context, id string) (Info, bool, error) {
	meta, ok, err := s.head(ctx, id)
	if !ok {
		return Info{}, false, err
	}
	return Info{ID: id, Size: meta.Size, LastModified: meta.LastModified}, true, nil
}

// Exists reports whether id is present in the active backend.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.head(ctx, id)
	return ok, err
}

// LastModified returns the modification time of id; ok is false when the
// artifact does not exist.
func (s *Store) LastModified(ctx context.Context, id string) (t time.Time, ok bool, err error) {
	meta, ok, err := s.head(ctx, id)
	if !ok {
		return time.Time{}, false, err
	}
	return meta.LastModified, true, nil
}

// Size returns the byte size of id; ok is false when the artifact does not
// exist.
func (s *Store) Size(ctx context.Context, id string) (size int64, ok bool, err error) {
	meta, ok, err := s.head(ctx, id)
	if !ok {
		return 0, false, err
	}
	return meta.Size, true, nil
}

// Delete removes id. Deleting a missing artifact is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.backend().DeleteObject(ctx, s.key(id)); err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return &TransferError{Op: "delete", ID: id, Local: s.remote == nil, Err: err}
	}
	s.logger.Debug("Deleted artifact", zap.String("artifact_id", id))
	return nil
}

// Get returns a local path holding the content of id; ok is false when the
// artifact does not exist.
//
// With a local backend the path is the artifact itself. With a remote backend
// the object is downloaded to a staged file named after id; the caller should
// Release it when done (Close removes it otherwise).
func (s *Store) Get(ctx context.Context, id string) (path string, ok bool, err error) {
	if err := ValidateID(id); err != nil {
		return "", false, err
	}
	if s.remote == nil {
		return s.getLocal(ctx, id)
	}
	return s.download(ctx, id)
}

func (s *Store) getLocal(ctx context.Context, id string) (string, bool, error) {
	if _, ok, err := s.head(ctx, id); !ok {
		return "", false, err
	}
	path, err := s.local.Path(id)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return path, true, nil
}

func (s *Store) download(ctx context.Context, id string) (string, bool, error) {
	s.logger.Info("Downloading artifact", zap.String("artifact_id", id))

	body, _, err := s.remote.GetObject(ctx, s.key(id))
	if err != nil {
		if provider.IsNotFound(err) {
			return "", false, nil
		}
		s.logger.Error("Artifact download failed", zap.String("artifact_id", id), zap.Error(err))
		return "", false, &TransferError{Op: "get", ID: id, Err: err}
	}
	defer func() { _ = body.Close() }()

	staged, err := s.staging.Create(id)
	if err != nil {
		return "", false, &TransferError{Op: "get", ID: id, Local: true, Err: err}
	}
	path := staged.Name()

	_, copyErr := io.Copy(staged, body)
	closeErr := staged.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.staging.Release(path)
		s.logger.Error("Artifact download failed", zap.String("artifact_id", id), zap.Error(err))
		// A copy error here may come from either side of the stream.
		return "", false, &TransferError{Op: "get", ID: id, Local: copyErr == nil, Err: err}
	}
	return path, true, nil
}

// Create writes r to the local artifact id and returns its path.
//
// The write goes to local disk regardless of backend. When sourceID is set
// the new artifact is then copied over the source's latest alias; a failed
// alias copy is logged and does not fail Create.
func (s *Store) Create(ctx context.Context, id string, r io.Reader, sourceID string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}

	s.logger.Info("Writing artifact", zap.String("artifact_id", id), zap.String("root", s.Root()))
	if err := s.local.PutObject(ctx, id, r, -1); err != nil {
		return "", &TransferError{Op: "create", ID: id, Local: true, Err: err}
	}
	path, err := s.local.Path(id)
	if err != nil {
		return "", err
	}

	if sourceID != "" {
		s.updateLocalAlias(ctx, id, sourceID)
	}
	return path, nil
}

func (s *Store) updateLocalAlias(ctx context.Context, id, sourceID string) {
	alias := AliasID(sourceID)
	log := s.logger.With(zap.String("artifact_id", id), zap.String("source_id", sourceID))
	if err := ValidateID(alias); err != nil {
		log.Error("Unable to save latest", zap.Error(err))
		return
	}
	if err := s.local.CopyObject(ctx, id, alias); err != nil {
		log.Error("Unable to save latest", zap.Error(err))
		return
	}
	log.Info("Copied version to latest", zap.String("alias", alias))
}

// UploadOption configures a single Upload call.
type UploadOption func(*uploadOptions)

type uploadOptions struct {
	progress ProgressFunc
}

// WithProgress registers an observer for every transfer event. Observers
// registered by several options are called in order.
func WithProgress(fn ProgressFunc) UploadOption {
	return func(o *uploadOptions) {
		prev := o.progress
		if prev == nil {
			o.progress = fn
			return
		}
		o.progress = func(sent, total int64) {
			prev(sent, total)
			fn(sent, total)
		}
	}
}

// Upload buffers r to a staged file, uploads it to the remote backend under
// <prefix><id>, and returns the staged path.
//
// The transfer runs on its own goroutine; Upload blocks until it finishes.
// On failure the staged file is removed and a *TransferError is returned. On
// success with a sourceID, the remote latest alias is refreshed best-effort.
// The caller owns the returned file and should Release it.
func (s *Store) Upload(ctx context.Context, r io.Reader, id, sourceID string, opts ...UploadOption) (string, error) {
	if s.remote == nil {
		return "", ErrNoRemote
	}
	if err := ValidateID(id); err != nil {
		return "", err
	}
	var o uploadOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := s.logger.With(zap.String("artifact_id", id))

	log.Info("Creating temp file")
	staged, err := s.staging.Create(id)
	if err != nil {
		return "", &TransferError{Op: "upload", ID: id, Local: true, Err: err}
	}
	path := staged.Name()
	fail := func(local bool, err error) (string, error) {
		_ = staged.Close()
		_ = s.staging.Release(path)
		log.Error("Upload failed", zap.Bool("local", local), zap.Error(err))
		return "", &TransferError{Op: "upload", ID: id, Local: local, Err: err}
	}

	size, err := io.Copy(staged, r)
	if err != nil {
		return fail(true, err)
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return fail(true, err)
	}

	log.Info("Uploading artifact from temp file", zap.String("size", humanize.Bytes(uint64(size))))
	tracker := newProgressTracker(id, size, s.cfg.ProgressEvery, log, o.progress)
	body := &progressReader{f: staged, track: tracker}

	done := make(chan error, 1)
	go func() {
		done <- s.remote.PutObject(ctx, s.key(id), body, size)
	}()
	if err := <-done; err != nil {
		return fail(false, err)
	}
	if err := staged.Close(); err != nil {
		log.Warn("Close staged file", zap.Error(err))
	}
	log.Info("Upload complete", zap.Int64("events", tracker.events.Load()))

	if sourceID != "" {
		s.updateRemoteAlias(ctx, id, sourceID, path)
	}
	return path, nil
}

func (s *Store) updateRemoteAlias(ctx context.Context, id, sourceID, stagedPath string) {
	alias := AliasID(sourceID)
	log := s.logger.With(zap.String("artifact_id", id), zap.String("source_id", sourceID))
	if err := ValidateID(alias); err != nil {
		log.Error("Unable to copy remote latest", zap.Error(err))
		return
	}

	var err error
	if copier, ok := s.remote.(provider.ObjectCopier); ok {
		err = copier.CopyObject(ctx, s.key(id), s.key(alias))
	} else {
		err = s.putFile(ctx, stagedPath, s.key(alias))
	}
	if err != nil {
		log.Error("Unable to copy remote latest", zap.Error(err))
		return
	}
	log.Info("Copied remote version to latest", zap.String("alias", s.key(alias)))
}

func (s *Store) putFile(ctx context.Context, path, key string) error {
	src, size, err := openSized(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	return s.remote.PutObject(ctx, key, src, size)
}

// OpenLocal opens the local copy of id for reading, regardless of the active
// backend; ok is false when there is no local copy.
func (s *Store) OpenLocal(ctx context.Context, id string) (rc io.ReadCloser, size int64, ok bool, err error) {
	if err := ValidateID(id); err != nil {
		return nil, 0, false, err
	}
	rc, size, err = s.local.GetObject(ctx, id)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, 0, false, nil
		}
		return nil, 0, false, &TransferError{Op: "open", ID: id, Local: true, Err: err}
	}
	return rc, size, true, nil
}

func openSized(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
