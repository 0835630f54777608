package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/workers"
)

type env struct {
	log   *logrus.Logger
	hook  *test.Hook
	store storage.DocumentStore
	pool  *workers.Pool
	docs  *cache.WriteBehind
}

func newEnv(t *testing.T, store storage.DocumentStore, batchSize int) *env {
	t.Helper()
	log, hook := test.NewNullLogger()
	if store == nil {
		store = storage.NewStore(storage.NewLocalBackend(t.TempDir()), storage.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, log)
	}
	pool := workers.NewPool(4, 2*time.Second, log)
	docs := cache.NewWriteBehind(store, pool, log, cache.Options{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		TTL:           time.Minute,
	})
	return &env{log: log, hook: hook, store: store, pool: pool, docs: docs}
}

func (e *env) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.docs.Close(ctx))
}

func (e *env) sessionDoc(t *testing.T, key string) *models.SessionDocument {
	t.Helper()
	var d models.SessionDocument
	found, err := e.store.GetDocument(context.Background(), key, &d)
	require.NoError(t, err)
	require.True(t, found, "no document at %s", key)
	return &d
}

func (e *env) summaryDoc(t *testing.T, key string) *models.SummaryDocument {
	t.Helper()
	var d models.SummaryDocument
	found, err := e.store.GetDocument(context.Background(), key, &d)
	require.NoError(t, err)
	require.True(t, found, "no document at %s", key)
	return &d
}

// gatedStore holds every PutDocument until gate is closed.
type gatedStore struct {
	storage.DocumentStore
	gate chan struct{}
}

func (g *gatedStore) PutDocument(ctx context.Context, key string, doc any, contentType string) (string, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.DocumentStore.PutDocument(ctx, key, doc, contentType)
}

// unreachableStore fails every existence check.
type unreachableStore struct {
	storage.DocumentStore
}

func (u *unreachableStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, errors.New("store unreachable")
}

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) Create(ctx context.Context, s *models.SessionRecord) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	args := m.Called(ctx, sessionID)
	rec, _ := args.Get(0).(*models.SessionRecord)
	return rec, args.Error(1)
}

func (m *mockSessionRepo) End(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int64, totalMessages int) error {
	return m.Called(ctx, sessionID, endedAt, durationSeconds, totalMessages).Error(0)
}

func (m *mockSessionRepo) ListByEmail(ctx context.Context, email string, limit int64) ([]models.SessionRecord, error) {
	args := m.Called(ctx, email, limit)
	rows, _ := args.Get(0).([]models.SessionRecord)
	return rows, args.Error(1)
}

type mockSummaryRepo struct {
	mock.Mock
}

func (m *mockSummaryRepo) Insert(ctx context.Context, rec *models.SummaryRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockSummaryRepo) GetByCareerSessionID(ctx context.Context, id string) (*models.SummaryRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*models.SummaryRecord)
	return rec, args.Error(1)
}

func (m *mockSummaryRepo) ListByEmail(ctx context.Context, email string, limit int) ([]models.SummaryRecord, error) {
	args := m.Called(ctx, email, limit)
	rows, _ := args.Get(0).([]models.SummaryRecord)
	return rows, args.Error(1)
}

// steppingClock returns t, t+step, t+2*step, ...
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		out := cur
		cur = cur.Add(step)
		return out
	}
}
