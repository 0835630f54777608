package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBackend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failReads int
	reads     int
}

func (f *flakyBackend) Upload(ctx context.Context, key, contentType string, r io.Reader, metadata map[string]string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return "mem://" + key, nil
}

func (f *flakyBackend) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failReads > 0 {
		f.failReads--
		return nil, errors.New("connection reset")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return bytes.Clone(data), nil
}

func (f *flakyBackend) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *flakyBackend) EnsureContainer(ctx context.Context) error { return nil }

func (f *flakyBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return nil, nil
}

func (f *flakyBackend) Name() string { return "fake" }

func (f *flakyBackend) Close() error { return nil }

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestStore_GetDocumentRetriesTransientErrors(t *testing.T) {
	fb := &flakyBackend{}
	s := NewStore(fb, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quietLogger())
	ctx := context.Background()

	_, err := s.PutDocument(ctx, "session/a.json", doc{Name: "a", Count: 2}, "")
	require.NoError(t, err)

	fb.failReads = 2
	var got doc
	found, err := s.GetDocument(ctx, "session/a.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Name: "a", Count: 2}, got)
	assert.Equal(t, 3, fb.reads)
}

func TestStore_GetDocumentGivesUpAfterAttempts(t *testing.T) {
	fb := &flakyBackend{failReads: 10}
	s := NewStore(fb, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quietLogger())

	var got doc
	found, err := s.GetDocument(context.Background(), "session/a.json", &got)
	require.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, 3, fb.reads)
}

func TestStore_GetDocumentMissingIsNotAnError(t *testing.T) {
	fb := &flakyBackend{}
	s := NewStore(fb, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quietLogger())

	var got doc
	found, err := s.GetDocument(context.Background(), "session/none.json", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, fb.reads)
}

func TestStore_GetDocumentStopsOnCancel(t *testing.T) {
	fb := &flakyBackend{failReads: 10}
	s := NewStore(fb, RetryPolicy{Attempts: 3, Backoff: time.Hour}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var got doc
	_, err := s.GetDocument(ctx, "session/a.json", &got)
	require.Error(t, err)
	assert.Equal(t, 1, fb.reads)
}

func TestStore_PutDocumentKeepsHTMLCharacters(t *testing.T) {
	fb := &flakyBackend{}
	s := NewStore(fb, DefaultReadRetry, quietLogger())

	_, err := s.PutDocument(context.Background(), "k.json", doc{Name: "<b>&"}, "")
	require.NoError(t, err)
	assert.Contains(t, string(fb.objects["k.json"]), "<b>&")
}

func TestLocalBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(t.TempDir())
	require.NoError(t, b.EnsureContainer(ctx))
	s := NewStore(b, DefaultReadRetry, quietLogger())

	loc, err := s.PutDocument(ctx, "session/a_at_x_com_20240101_120000.json", doc{Name: "a", Count: 1}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, loc)

	ok, err := s.Exists(ctx, "session/a_at_x_com_20240101_120000.json")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.PutDocument(ctx, "session/a_at_x_com_20240101_120000.json", doc{Name: "a", Count: 5}, "")
	require.NoError(t, err)

	var got doc
	found, err := s.GetDocument(ctx, "session/a_at_x_com_20240101_120000.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, got.Count)

	found, err = s.GetDocument(ctx, "session/missing.json", &got)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = s.Exists(ctx, "session/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBackend_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(t.TempDir())
	s := NewStore(b, DefaultReadRetry, quietLogger())

	for _, k := range []string{
		"summary/a_at_x_com_20240101_120000_summary.json",
		"summary/a_at_x_com_20240102_120000_summary.json",
		"summary/b_at_x_com_20240101_120000_summary.json",
		"session/a_at_x_com_20240101_120000.json",
	} {
		_, err := s.PutDocument(ctx, k, doc{Name: k}, "")
		require.NoError(t, err)
	}

	got, err := s.List(ctx, "summary/a_at_x_com_")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "summary/a_at_x_com_20240101_120000_summary.json", got[0].Key)
	assert.Equal(t, "summary/a_at_x_com_20240102_120000_summary.json", got[1].Key)
}

func TestLocalBackend_ListEmptyRoot(t *testing.T) {
	b := NewLocalBackend(t.TempDir() + "/never-created")
	got, err := b.List(context.Background(), "summary/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalBackend_SanitizesKeySegments(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBackend(root)
	loc, err := b.Upload(context.Background(), "../../etc/passwd", "text/plain", bytes.NewBufferString("x"), nil)
	require.NoError(t, err)
	assert.Contains(t, loc, root)
}

func TestNew_FallsBackToLocalWithoutBucket(t *testing.T) {
	dir := t.TempDir()
	s := New(context.Background(), Options{LocalDir: dir}, quietLogger())
	assert.Equal(t, BackendLocal, s.Backend())
}
