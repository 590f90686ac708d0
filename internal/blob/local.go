package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStore implements AudioStore on the local filesystem. Keys map to
// paths under the root directory. PresignGet returns a file:// URL since
// there is no signing authority locally.
type LocalStore struct {
	root string
}

var _ AudioStore = (*LocalStore)(nil)

// NewLocalStore creates a filesystem audio store rooted at dir, creating
// the directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// keyPath resolves key inside the root, rejecting path traversal.
func (l *LocalStore) keyPath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *LocalStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write audio: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	log.Debug().Str("key", key).Str("path", path).Msg("Audio stored locally")
	return nil
}

func (l *LocalStore) DownloadToTempFile(ctx context.Context, key string) (string, func(), error) {
	path, err := l.keyPath(key)
	if err != nil {
		return "", nil, err
	}

	src, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open audio %s: %w", key, err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "audio-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmpFile, src); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("copy audio: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}

	cleanup := func() { os.Remove(tmpFile.Name()) }
	return tmpFile.Name(), cleanup, nil
}

func (l *LocalStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat audio %s: %w", key, err)
	}
	return "file://" + filepath.ToSlash(path), nil
}
