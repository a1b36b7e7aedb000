package artifact

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3leaps/feedstore/pkg/provider/file"
)

var (
	// ErrInvalidID indicates an artifact id that is empty, malformed, or
	// would resolve outside the store root.
	ErrInvalidID = errors.New("invalid artifact id")

	// ErrNoRemote indicates a remote-only operation on a local-only store.
	ErrNoRemote = errors.New("store has no remote backend")
)

// TransferError reports a failed data movement for one artifact.
//
// Local is true when the failure happened while reading or writing local disk
// (the store root or a staged temp file) and false when the remote backend
// failed.
type TransferError struct {
	Op    string
	ID    string
	Local bool
	Err   error
}

func (e *TransferError) Error() string {
	where := "remote"
	if e.Local {
		where = "local"
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.ID, where, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsTransferError reports whether err is (or wraps) a *TransferError.
func IsTransferError(err error) bool {
	var te *TransferError
	return errors.As(err, &te)
}

// ValidateID rejects ids that are not a single plain name.
//
// Ids are flat within their namespace: no path separators, no "." or ".."
// components, no NUL bytes, no leading or trailing whitespace. Names
// reserved for in-flight local writes are rejected as well, since they would
// never be listed.
func ValidateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: traversal sequence in %q", ErrInvalidID, id)
	case filepath.IsAbs(id) || filepath.VolumeName(id) != "":
		return fmt.Errorf("%w: absolute path %q", ErrInvalidID, id)
	case strings.HasPrefix(id, file.TempPrefix):
		return fmt.Errorf("%w: reserved prefix in %q", ErrInvalidID, id)
	}
	return nil
}

// AliasID returns the latest-alias artifact id for a source.
func AliasID(sourceID string) string {
	return sourceID + ".zip"
}
