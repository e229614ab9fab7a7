// Package storage holds the filesystem-backed sinks: a blob store for
// product images and a JSON progress file for batch runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maltedev/amazon-product-importer/internal/media"
)

var ErrInvalidKey = errors.New("invalid blob key")

// FileBlobStore writes image bytes below a root directory and returns the
// public URL the files are served under.
type FileBlobStore struct {
	root          string
	publicBaseURL string
	logger        *slog.Logger
}

func NewFileBlobStore(root, publicBaseURL string, logger *slog.Logger) (*FileBlobStore, error) {
	if root == "" {
		return nil, errors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBlobStore{
		root:          root,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.With("component", "blob_store"),
	}, nil
}

// Put stores one image under {code}/{position}{ext}. An existing blob at
// the same key is replaced.
func (s *FileBlobStore) Put(ctx context.Context, code string, position int, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := media.StorageKey(code, position, contentType, "")
	if err := s.write(key, data); err != nil {
		return "", err
	}

	s.logger.Debug("blob stored", "key", key, "bytes", len(data))
	return s.URL(key), nil
}

// URL returns the public address of key.
func (s *FileBlobStore) URL(key string) string {
	if s.publicBaseURL == "" {
		return "/" + key
	}
	return s.publicBaseURL + "/" + key
}

// Root is the directory blobs are written to.
func (s *FileBlobStore) Root() string {
	return s.root
}

func (s *FileBlobStore) write(key string, data []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	// Write to temp file first so readers never see a partial image
	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename blob %s: %w", key, err)
	}
	return nil
}

func (s *FileBlobStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, clean), nil
}
