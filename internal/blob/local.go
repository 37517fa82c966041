package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "rag-chatbot/internal/errors"
)

var _ Store = (*LocalStore)(nil)

// LocalStore keeps files under a directory on disk.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, apperrors.Configuration("blob.local_dir is required", nil)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, apperrors.Configuration("create blob directory", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) resolve(key string) (string, string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	return cleaned, filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes to a temporary file first so readers never see a partial upload.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", apperrors.Persistence("store blob", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", apperrors.Persistence("store blob", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", apperrors.Persistence("store blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.Persistence("store blob", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", apperrors.Persistence("store blob", err)
	}
	return "local://" + cleaned, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound(fmt.Sprintf("blob %s", key))
	}
	if err != nil {
		return nil, apperrors.Persistence("read blob", err)
	}
	return data, nil
}

// Delete is idempotent.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Persistence("delete blob", err)
	}
	return nil
}
