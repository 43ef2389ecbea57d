// Package storage provides file storage backend implementations.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"asisaid.cn/filestore/internal/common/config"
	"asisaid.cn/filestore/internal/common/errors"
)

// DefaultContentType is reported for objects whose type the backend does not keep.
const DefaultContentType = "application/octet-stream"

const maxKeyLength = 1024

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Object is the content of a stored object. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Backend defines the interface for file storage backends.
type Backend interface {
	// Put stores r under key, replacing any existing object, and returns the key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// List returns every stored object.
	List(ctx context.Context) ([]*ObjectInfo, error)

	// Get retrieves an object.
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes an object.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every stored object.
	DeleteAll(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Stager is implemented by remote backends that can copy an object to local disk.
type Stager interface {
	// Stage downloads key to local disk and returns the local path.
	Stage(ctx context.Context, key string) (string, error)
}

// Pinger is implemented by backends that can report their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewBackend creates the backend selected by cfg.Provider. An unknown provider
// fails with errors.ErrConfiguration before anything is constructed.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", config.ProviderLocal:
		backend, err := NewLocalFSBackend(cfg.Local.Root)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.ProviderS3:
		backend, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, errors.E("storage.NewBackend", errors.ErrConfiguration, nil,
			fmt.Sprintf("unsupported storage provider %q", cfg.Provider))
	}
}

// ValidateKey rejects keys that could escape the backend root or that the
// object store would normalise differently.
func ValidateKey(key string) error {
	if key == "" {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "key cannot be empty")
	}

	if len(key) > maxKeyLength {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "key too long")
	}

	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "absolute keys are not allowed")
	}

	if strings.ContainsAny(key, "\x00\\") {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "key contains invalid characters")
	}

	if strings.HasSuffix(key, "/") || strings.Contains(key, "//") {
		return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "empty key segment")
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return errors.E("storage.ValidateKey", errors.ErrInvalidInput, nil, "path traversal detected")
		}
	}

	return nil
}
