package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/fault"
)

// LocalStore persists blobs on the local filesystem under a root directory.
// Layout mirrors the key: <root>/ws_<workspace>/sha256_<hex>.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "create blob root %s", root)
	}
	log.Info().Str("root", root).Msg("Local blob store initialized")
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes the bytes and fsyncs before returning, so a successful Put is
// durable. Identical content maps to the same key and is written once.
func (s *LocalStore) Put(_ context.Context, workspaceID string, data []byte, _ string) (string, error) {
	key := Key(workspaceID, data)
	path := s.path(key)

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fault.Wrap(err, fault.Unavailable, "create blob dir")
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fault.Wrap(err, fault.Unavailable, "open blob %s", key)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fault.Wrap(err, fault.Unavailable, "write blob %s", key)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fault.Wrap(err, fault.Unavailable, "sync blob %s", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fault.Wrap(err, fault.Unavailable, "close blob %s", key)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fault.Wrap(err, fault.Unavailable, "commit blob %s", key)
	}
	return key, nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.NotFound, "blob %s", key)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "read blob %s", key)
	}
	return data, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(err, fault.Unavailable, "delete blob %s", key)
	}
	return nil
}
