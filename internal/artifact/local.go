package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/foresight-io/foresight/internal/model"
)

// uploadTempPrefix marks in-flight uploads so List never reports them.
const uploadTempPrefix = ".upload-"

// LocalStore stores artifacts on the local filesystem under a root directory.
//
// Uploads are atomic: content is written to a temp file in the target
// directory and renamed into place, so a crashed upload never leaves a
// partial artifact behind a valid key.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithLocalLogger sets the structured logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(s *LocalStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewLocalStore creates the root directory if needed and returns the store.
func NewLocalStore(root string, opts ...LocalOption) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: artifact root directory cannot be empty", model.ErrValidation)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}

	s := &LocalStore{
		root:   abs,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Upload writes the artifact and returns its file:// URI.
func (s *LocalStore) Upload(_ context.Context, key string, r io.Reader) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	target := s.path(key)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), uploadTempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("close artifact %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("finalize artifact %s: %w", key, err)
	}

	s.logger.Debug("artifact stored", "key", key, "path", target)

	return "file://" + target, nil
}

// Download opens the artifact for reading.
func (s *LocalStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifact %s", model.ErrNotFound, key)
		}

		return nil, fmt.Errorf("open artifact %s: %w", key, err)
	}

	return f, nil
}

// Exists reports whether the artifact file is present.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	_, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat artifact %s: %w", key, err)
	}

	return true, nil
}

// Delete removes the artifact file. Missing files are not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}

	return nil
}

// List walks the store and returns keys under prefix in lexical order.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), uploadTempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	sort.Strings(keys)

	return keys, nil
}

// path maps a validated key to its filesystem location.
func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
