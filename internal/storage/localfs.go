package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/common/errors"
	"asisaid.cn/filestore/internal/common/logger"
)

const (
	tempDirName       = ".temp"
	maxRenameAttempts = 5
)

// LocalFSBackend implements Backend using the local file system.
// Objects live at root/key; uploads are staged in root/.temp and renamed into place.
type LocalFSBackend struct {
	basePath string
	tempPath string
	logger   *zap.Logger
}

// NewLocalFSBackend creates a new LocalFSBackend.
func NewLocalFSBackend(basePath string) (*LocalFSBackend, error) {
	if basePath == "" {
		return nil, errors.E("storage.NewLocalFSBackend", errors.ErrConfiguration, nil, "root directory is required")
	}
	basePath = filepath.Clean(basePath)

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.E("storage.NewLocalFSBackend", errors.ErrConfiguration,
			fmt.Errorf("failed to create base directory: %w", err))
	}

	tempPath := filepath.Join(basePath, tempDirName)
	if err := os.MkdirAll(tempPath, 0755); err != nil {
		return nil, errors.E("storage.NewLocalFSBackend", errors.ErrConfiguration,
			fmt.Errorf("failed to create temp directory: %w", err))
	}

	return &LocalFSBackend{
		basePath: basePath,
		tempPath: tempPath,
		logger:   logger.WithComponent("LocalFSBackend"),
	}, nil
}

// Put stores a file, overwriting any existing one.
func (b *LocalFSBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	const op = "LocalFSBackend.Put"

	if err := b.validateKey(key); err != nil {
		return "", errors.Wrap(op, err)
	}
	if err := ctx.Err(); err != nil {
		return "", errors.E(op, errors.ErrBackend, err)
	}

	filePath := b.keyToPath(key)

	// Write to temp file first
	tempFile, err := os.CreateTemp(b.tempPath, "upload-*")
	if err != nil {
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to create temp file: %w", err))
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath) // no-op once renamed

	written, err := io.Copy(tempFile, reader)
	if err != nil {
		tempFile.Close()
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to write data: %w", err))
	}
	if err := tempFile.Close(); err != nil {
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to flush data: %w", err))
	}

	if size > 0 && written != size {
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("size mismatch: expected %d, got %d", size, written))
	}

	if err := b.moveIntoPlace(tempPath, filePath); err != nil {
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to move file: %w", err))
	}

	b.logger.Debug("object stored", zap.String("key", key), zap.Int64("size", written))
	return key, nil
}

// moveIntoPlace renames src to dst, creating dst's directory as needed. A
// concurrent Delete or DeleteAll may prune that directory between MkdirAll and
// Rename, so both are retried.
func (b *LocalFSBackend) moveIntoPlace(src, dst string) error {
	var err error
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		if err = os.Rename(src, dst); err == nil || !os.IsNotExist(err) {
			return err
		}
		if _, serr := os.Stat(src); serr != nil {
			return err // the temp file itself is gone
		}
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0755); mkErr != nil {
			err = mkErr
		}
	}
	return err
}

// List walks the whole tree under root and returns slash-separated keys.
func (b *LocalFSBackend) List(ctx context.Context) ([]*ObjectInfo, error) {
	var result []*ObjectInfo

	err := filepath.WalkDir(b.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path == b.tempPath {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil // removed while walking
			}
			return err
		}

		key, err := b.pathToKey(path)
		if err != nil {
			return nil
		}

		result = append(result, &ObjectInfo{
			Key:     key,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.E("LocalFSBackend.List", errors.ErrBackend, err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Get retrieves a file. The local backend does not keep content types.
func (b *LocalFSBackend) Get(ctx context.Context, key string) (*Object, error) {
	const op = "LocalFSBackend.Get"

	if err := b.validateKey(key); err != nil {
		return nil, errors.Wrap(op, err)
	}

	file, err := os.Open(b.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.ErrNotFound, nil, key)
		}
		return nil, errors.E(op, errors.ErrBackend, fmt.Errorf("failed to open file: %w", err))
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.E(op, errors.ErrBackend, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, errors.E(op, errors.ErrNotFound, nil, key)
	}

	return &Object{
		Body:        file,
		ContentType: DefaultContentType,
		Size:        info.Size(),
	}, nil
}

// Delete removes a file and prunes directories it leaves empty.
func (b *LocalFSBackend) Delete(ctx context.Context, key string) error {
	const op = "LocalFSBackend.Delete"

	if err := b.validateKey(key); err != nil {
		return errors.Wrap(op, err)
	}

	filePath := b.keyToPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.E(op, errors.ErrNotFound, nil, key)
		}
		return errors.E(op, errors.ErrBackend, err)
	}
	if info.IsDir() {
		return errors.E(op, errors.ErrNotFound, nil, key)
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return errors.E(op, errors.ErrNotFound, nil, key)
		}
		return errors.E(op, errors.ErrBackend, fmt.Errorf("failed to delete file: %w", err))
	}

	b.cleanupEmptyDirs(filePath)
	return nil
}

// DeleteAll removes everything under root except the temp directory.
func (b *LocalFSBackend) DeleteAll(ctx context.Context) error {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return errors.E("LocalFSBackend.DeleteAll", errors.ErrBackend, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errors.E("LocalFSBackend.DeleteAll", errors.ErrBackend, err)
		}
		if entry.Name() == tempDirName {
			continue
		}
		if err := removeAll(filepath.Join(b.basePath, entry.Name())); err != nil {
			return errors.E("LocalFSBackend.DeleteAll", errors.ErrBackend, err)
		}
	}

	b.logger.Info("all objects deleted", zap.Int("top_level_entries", len(entries)))
	return nil
}

// removeAll retries os.RemoveAll while concurrent uploads keep adding entries.
func removeAll(path string) error {
	var err error
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		if err = os.RemoveAll(path); err == nil {
			return nil
		}
	}
	return err
}

// Ping checks that the root directory is still there.
func (b *LocalFSBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return errors.E("LocalFSBackend.Ping", errors.ErrBackend, err)
	}
	if !info.IsDir() {
		return errors.E("LocalFSBackend.Ping", errors.ErrBackend, nil, "root is not a directory")
	}
	return nil
}

// Close closes the backend.
func (b *LocalFSBackend) Close() error {
	return nil // Nothing to close for local filesystem
}

// Root returns the directory objects are stored under.
func (b *LocalFSBackend) Root() string {
	return b.basePath
}

func (b *LocalFSBackend) validateKey(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if key == tempDirName || strings.HasPrefix(key, tempDirName+"/") {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "reserved key prefix")
	}
	return nil
}

// keyToPath converts a storage key to a file path.
func (b *LocalFSBackend) keyToPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

// pathToKey converts a file path back to a storage key.
func (b *LocalFSBackend) pathToKey(path string) (string, error) {
	rel, err := filepath.Rel(b.basePath, path)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q is outside the storage root", path)
	}
	return filepath.ToSlash(rel), nil
}

// cleanupEmptyDirs walks up from path removing empty directories until root.
func (b *LocalFSBackend) cleanupEmptyDirs(path string) {
	parent := filepath.Dir(path)
	for parent != b.basePath && strings.HasPrefix(parent, b.basePath) {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(parent); err != nil {
			return
		}
		parent = filepath.Dir(parent)
	}
}
