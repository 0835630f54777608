package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSBackend struct {
	client    *gcs.Client
	bucket    string
	projectID string
}

func NewGCSBackend(ctx context.Context, bucket, projectID, credentialsFile string) (*GCSBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "gcs: new client")
	}
	return &GCSBackend{client: c, bucket: bucket, projectID: projectID}, nil
}

func (b *GCSBackend) Name() string { return BackendGCS }

func (b *GCSBackend) Close() error { return b.client.Close() }

func (b *GCSBackend) Upload(ctx context.Context, key string, contentType string, r io.Reader, metadata map[string]string) (string, error) {
	obj := b.client.Bucket(b.bucket).Object(key)

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache"
	w.Metadata = metadata

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", errors.Wrapf(err, "gcs: write %s", key)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "gcs: close %s", key)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucket, key), nil
}

func (b *GCSBackend) Download(ctx context.Context, key string) ([]byte, error) {
	rd, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "gcs: open %s", key)
	}
	defer rd.Close()

	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrapf(err, "gcs: read %s", key)
	}
	return data, nil
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Bucket(b.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "gcs: attrs %s", key)
}

// EnsureContainer creates the bucket when it is missing and a project id is known.
func (b *GCSBackend) EnsureContainer(ctx context.Context) error {
	bkt := b.client.Bucket(b.bucket)
	_, err := bkt.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcs.ErrBucketNotExist) {
		return errors.Wrapf(err, "gcs: bucket attrs %s", b.bucket)
	}
	if b.projectID == "" {
		return errors.Errorf("gcs: bucket %s does not exist and no project id is set", b.bucket)
	}
	if err := bkt.Create(ctx, b.projectID, nil); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			return nil
		}
		return errors.Wrapf(err, "gcs: create bucket %s", b.bucket)
	}
	return nil
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	out := []ObjectInfo{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "gcs: list %s", prefix)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size, Updated: attrs.Updated})
	}
	return out, nil
}
