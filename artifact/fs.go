package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// FSStore writes artifacts to the local filesystem under a base directory.
type FSStore struct {
	dir string
}

// NewFSStore creates a filesystem artifact store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create artifact directory")
	}
	return &FSStore{dir: dir}, nil
}

// Put writes the artifact to <dir>/<execution_id>/step_<n>.out and returns
// a fs:// reference.
func (s *FSStore) Put(_ context.Context, executionID string, stepNumber int, body io.Reader) (string, error) {
	rel := filepath.Join(executionID, fmt.Sprintf("step_%d.out", stepNumber))
	path := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create artifact subdirectory")
	}

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create artifact file")
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", errors.Wrap(err, "failed to write artifact")
	}
	return "fs://" + filepath.ToSlash(rel), nil
}

// Get opens an fs:// artifact reference.
func (s *FSStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	rel, ok := strings.CutPrefix(ref, "fs://")
	if !ok {
		return nil, errors.NewValidationError("not a filesystem artifact reference: " + ref)
	}

	path := filepath.Join(s.dir, filepath.FromSlash(rel))
	// Refuse references that escape the base directory.
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(s.dir)+string(os.PathSeparator)) {
		return nil, errors.NewValidationError("artifact reference escapes store root")
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("artifact " + ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	return f, nil
}
