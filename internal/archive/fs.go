package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// FSStore keeps one <id>.json file per event in a directory. Files are
// created exclusively, so the first writer wins and later writes for the
// same id fail with core.ErrAlreadyExists.
type FSStore struct {
	dir string
}

var _ core.ArchiveStore = (*FSStore)(nil)

func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid archive id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FSStore) Exists(_ context.Context, id string) (bool, error) {
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, types.Transient("archive.exists", err)
	}
}

func (s *FSStore) Write(_ context.Context, id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	// Write to a temp file and hard-link it into place: the link fails if
	// the target exists and readers never observe a partial file.
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+id+"-*")
	if err != nil {
		return types.Transient("archive.write", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.Transient("archive.write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.Transient("archive.write", err)
	}
	if err := tmp.Close(); err != nil {
		return types.Transient("archive.write", err)
	}

	if err := os.Link(tmp.Name(), p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return core.ErrAlreadyExists
		}
		return types.Transient("archive.write", err)
	}
	return nil
}

func (s *FSStore) Read(_ context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, types.Transient("archive.read", err)
	}
	return data, nil
}

func (s *FSStore) Close() error { return nil }
