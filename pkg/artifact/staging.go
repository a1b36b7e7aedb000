package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Stager owns the staged temp files a store creates.
//
// Every staged file lives in its own directory under root, so two concurrent
// operations on the same id never share a file. Each file is removed when its
// owner calls Release; Close removes whatever is left.
type Stager struct {
	mu    sync.Mutex
	root  string
	files map[string]struct{}
}

func newStager(base string) (*Stager, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create staging base: %w", err)
	}
	root, err := os.MkdirTemp(base, "feedstore-staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{root: root, files: make(map[string]struct{})}, nil
}

// Root returns the staging directory.
func (s *Stager) Root() string { return s.root }

// Create opens a new staged file named name.
func (s *Stager) Create(name string) (*os.File, error) {
	dir, err := os.MkdirTemp(s.root, "stage-*")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s.mu.Lock()
	s.files[path] = struct{}{}
	s.mu.Unlock()
	return f, nil
}

// Release removes a staged file. Paths the stager does not own are ignored.
func (s *Stager) Release(path string) error {
	s.mu.Lock()
	_, ok := s.files[path]
	delete(s.files, path)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(filepath.Dir(path))
}

// Owns reports whether path is a live staged file.
func (s *Stager) Owns(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

// Len returns the number of staged files not yet released.
func (s *Stager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Close removes every staged file and the staging directory.
func (s *Stager) Close() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	s.files = make(map[string]struct{})
	s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := os.RemoveAll(filepath.Dir(p)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.root); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
