package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// FSStore is a directory outbox with the same key layout as the bucket.
// Keys are flat file names.
type FSStore struct {
	dir string
}

var _ core.ObjectStore = (*FSStore)(nil)

func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("outbox directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasPrefix(key, ".tmp-") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, types.Transient("objectstore.list", err)
	}

	var out []core.ObjectInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, core.ObjectInfo{Key: name, Size: info.Size(), LastModified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, types.Transient("objectstore.get", err)
	}
	return data, nil
}

// Put replaces key atomically so pollers never list a half-written object.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return types.Transient("objectstore.put", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.Transient("objectstore.put", err)
	}
	if err := tmp.Close(); err != nil {
		return types.Transient("objectstore.put", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return types.Transient("objectstore.put", err)
	}
	return nil
}

func (s *FSStore) Close() error { return nil }
