package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const ContentTypeJSON = "application/json; charset=utf-8"

// DocumentStore persists structured documents as JSON under object keys.
type DocumentStore interface {
	// PutDocument overwrites key and returns the object's location.
	PutDocument(ctx context.Context, key string, doc any, contentType string) (string, error)
	// GetDocument decodes key into dst. found is false, with a nil error, when key is absent.
	GetDocument(ctx context.Context, key string, dst any) (found bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Backend() string
	Close() error
}

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // slept Backoff*attempt after each failed attempt
}

var DefaultReadRetry = RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond}

type Store struct {
	backend Backend
	retry   RetryPolicy
	log     *logrus.Logger
	now     func() time.Time
}

func NewStore(backend Backend, retry RetryPolicy, log *logrus.Logger) *Store {
	if retry.Attempts <= 0 {
		retry = DefaultReadRetry
	}
	return &Store{backend: backend, retry: retry, log: log, now: time.Now}
}

func (s *Store) Backend() string { return s.backend.Name() }

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) PutDocument(ctx context.Context, key string, doc any, contentType string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", errors.Wrapf(err, "encode %s", key)
	}
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	meta := map[string]string{MetaLastWrite: s.now().UTC().Format(time.RFC3339Nano)}
	return s.backend.Upload(ctx, key, contentType, &buf, meta)
}

// GetDocument retries transient failures with linear backoff. A missing key and a
// document that fails to decode are not retried.
func (s *Store) GetDocument(ctx context.Context, key string, dst any) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		data, err := s.backend.Download(ctx, key)
		if err == nil {
			if err := json.Unmarshal(data, dst); err != nil {
				return false, errors.Wrapf(err, "decode %s", key)
			}
			return true, nil
		}
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.log.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt,
			"backend": s.backend.Name(),
		}).WithError(err).Warn("storage read failed")

		if attempt == s.retry.Attempts {
			break
		}
		t := time.NewTimer(s.retry.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return false, errors.Wrapf(ctx.Err(), "read %s", key)
		case <-t.C:
		}
	}
	return false, errors.Wrapf(lastErr, "read %s after %d attempts", key, s.retry.Attempts)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return s.backend.List(ctx, prefix)
}
