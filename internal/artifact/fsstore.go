// Package artifact produces and removes per-loan circulation copies on
// the local filesystem.
package artifact

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNilRoot          = errors.New("artifact root must not be empty")
	ErrRefOutsideRoot   = errors.New("artifact reference resolves outside the storage root")
	ErrEmptyRef         = errors.New("artifact reference must not be empty")
	ErrGenerateArtifact = errors.New("failed to write circulation copy")
)

// FSStore stores circulation copies under a single root directory.
// References handed out by the generator are paths relative to the root.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore creates the store and its root directory.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if root == "" {
		return nil, ErrNilRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{root: abs, logger: logger}, nil
}

// Delete removes the referenced copy. A reference that escapes the root
// is rejected; a reference to a file already gone is not an error.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// resolve turns a relative reference into an absolute path inside the
// root, refusing anything that would traverse out of it.
func (s *FSStore) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrEmptyRef
	}
	if filepath.IsAbs(ref) {
		return "", ErrRefOutsideRoot
	}
	path := filepath.Join(s.root, ref)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrRefOutsideRoot
	}
	return path, nil
}
