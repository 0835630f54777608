package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/yoockh/careertalk/internal/utils"
)

// LocalBackend mirrors the object store on the filesystem: key segments become sanitized
// directory and file names under root.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) Name() string { return BackendLocal }

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) path(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, p := range parts {
		parts[i] = utils.SafeSegment(p)
	}
	return filepath.Join(append([]string{b.root}, parts...)...)
}

func (b *LocalBackend) EnsureContainer(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return errors.Wrapf(err, "local: mkdir %s", b.root)
	}
	return nil
}

// Upload writes to a temp file beside the target and renames it into place, so readers
// never see a partial document. Metadata is not kept; the file mtime serves as last-write.
func (b *LocalBackend) Upload(ctx context.Context, key string, contentType string, r io.Reader, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errors.Wrapf(err, "local: mkdir for %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "local: temp for %s", key)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "local: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "local: close %s", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "local: rename %s", key)
	}
	return p, nil
}

func (b *LocalBackend) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "local: read %s", key)
	}
	return data, nil
}

func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "local: stat %s", key)
}

// List walks the tree and returns keys (relative, slash separated) that start with prefix.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	out := []ObjectInfo{}
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), Updated: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "local: list %s", prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
