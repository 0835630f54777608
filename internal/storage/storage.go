package storage

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ErrObjectNotFound is returned by Download when the key has never been written.
var ErrObjectNotFound = errors.New("storage: object not found")

const (
	BackendGCS   = "gcs"
	BackendLocal = "local"

	MetaLastWrite = "last_write"
)

type ObjectInfo struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated"`
}

type Uploader interface {
	Upload(ctx context.Context, key string, contentType string, r io.Reader, metadata map[string]string) (location string, err error)
}

// Backend is a flat key/value object store. Keys are forward-slash paths.
type Backend interface {
	Uploader
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	EnsureContainer(ctx context.Context) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Name() string
	Close() error
}
