package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
	LocalDir        string
	InitTimeout     time.Duration
	ReadRetry       RetryPolicy
}

// New picks the remote backend when a bucket is configured and reachable, and the local
// filesystem otherwise. It never fails outright: a broken remote degrades to local.
func New(ctx context.Context, opts Options, log *logrus.Logger) *Store {
	if opts.Bucket != "" {
		b, err := openGCS(ctx, opts)
		if err == nil {
			log.WithFields(logrus.Fields{"backend": BackendGCS, "bucket": opts.Bucket}).Info("object store ready")
			return NewStore(b, opts.ReadRetry, log)
		}
		log.WithError(err).WithField("bucket", opts.Bucket).Warn("object store unavailable, using local filesystem")
	}

	local := NewLocalBackend(opts.LocalDir)
	if err := local.EnsureContainer(ctx); err != nil {
		log.WithError(err).WithField("dir", opts.LocalDir).Error("local storage dir not writable")
	}
	log.WithFields(logrus.Fields{"backend": BackendLocal, "dir": opts.LocalDir}).Info("object store ready")
	return NewStore(local, opts.ReadRetry, log)
}

func openGCS(ctx context.Context, opts Options) (*GCSBackend, error) {
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	b, err := NewGCSBackend(ctx, opts.Bucket, opts.ProjectID, opts.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if err := b.EnsureContainer(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
