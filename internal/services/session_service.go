package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/models"
	mongorepo "github.com/yoockh/careertalk/internal/repositories/mongo"
	"github.com/yoockh/careertalk/internal/utils"
	"github.com/yoockh/careertalk/internal/workers"
)

// SessionService is the registry of active conversation-logging sessions.
type SessionService interface {
	Create(ctx context.Context, name, email string) (*models.Session, error)
	// Log never fails the caller: unknown ids are logged and ignored.
	Log(ctx context.Context, sessionID, role, content string)
	// End is a no-op returning nil for unknown ids.
	End(ctx context.Context, sessionID string) *models.Session
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Transcript(ctx context.Context, sessionID string) (*models.SessionDocument, error)
	ActiveCount() int
	EndAll(ctx context.Context) int
}

type SessionLimits struct {
	MaxMessageChars int
	TailCap         int
	TailKeep        int
}

type sessionService struct {
	docs    *cache.WriteBehind
	pool    *workers.Pool
	catalog mongorepo.SessionRepository // nil when mongo is not configured
	log     *logrus.Logger
	limits  SessionLimits
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.Session
	keys     map[string]string // storage key -> session id
}

func NewSessionService(docs *cache.WriteBehind, pool *workers.Pool, catalog mongorepo.SessionRepository, log *logrus.Logger, limits SessionLimits) SessionService {
	if limits.MaxMessageChars <= 0 {
		limits.MaxMessageChars = 1000
	}
	if limits.TailCap <= 0 {
		limits.TailCap = 1000
	}
	if limits.TailKeep <= 0 || limits.TailKeep > limits.TailCap {
		limits.TailKeep = limits.TailCap / 2
	}
	return &sessionService{
		docs:     docs,
		pool:     pool,
		catalog:  catalog,
		log:      log,
		limits:   limits,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: map[string]*models.Session{},
		keys:     map[string]string{},
	}
}

func (s *sessionService) Create(ctx context.Context, name, email string) (*models.Session, error) {
	const op = "SessionService.Create"

	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || !strings.Contains(email, "@") {
		return nil, utils.E(utils.CodeInvalidArgument, op, "name and a valid email are required", nil)
	}

	now := s.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Owner:     models.Owner{Name: name, Email: email},
		StartTime: now,
		Messages:  []models.Message{},
	}

	key, err := s.claimKey(ctx, email, now, sess.ID)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "could not reserve a transcript key", err)
	}
	sess.StorageKey = key

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.docs.Put(sess.StorageKey, models.NewSessionDocument(sess))

	if s.catalog != nil {
		rec := &models.SessionRecord{
			SessionID:  sess.ID,
			Email:      email,
			Name:       name,
			StorageKey: sess.StorageKey,
			Status:     models.SessionStatusActive,
			CreatedAt:  now,
		}
		s.pool.Go("catalog create "+sess.ID, func(ctx context.Context) error {
			return s.catalog.Create(ctx, rec)
		})
	}

	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"key":        sess.StorageKey,
	}).Info("session created")
	return sess.Clone(), nil
}

// claimKey reserves the first key for email and now that no active session holds and that
// was not written before, so an ended transcript is never overwritten by a new session.
func (s *sessionService) claimKey(ctx context.Context, email string, now time.Time, sessionID string) (string, error) {
	for attempt := 1; attempt <= 100; attempt++ {
		key := models.SessionKey(email, now, attempt)

		s.mu.Lock()
		_, taken := s.keys[key]
		if !taken {
			s.keys[key] = sessionID
		}
		s.mu.Unlock()
		if taken {
			continue
		}

		used, err := s.docs.Exists(ctx, key)
		if err == nil && !used {
			return key, nil
		}
		s.mu.Lock()
		delete(s.keys, key)
		s.mu.Unlock()
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("no free session key")
}

func (s *sessionService) Log(ctx context.Context, sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		s.log.WithField("session_id", sessionID).Warn("log for unknown session ignored")
		return
	}

	m := models.Message{
		Timestamp: s.now(),
		Role:      models.NormalizeRole(role),
		Content:   utils.Truncate(content, s.limits.MaxMessageChars),
	}
	sess.Messages = append(sess.Messages, m)
	if len(sess.Messages) > s.limits.TailCap {
		keep := make([]models.Message, s.limits.TailKeep)
		copy(keep, sess.Messages[len(sess.Messages)-s.limits.TailKeep:])
		sess.Messages = keep
	}

	// Enqueue while still holding the registry lock so queue order matches call order
	// and End cannot slip in between.
	s.docs.EnqueueMessage(sess.StorageKey, m)
}

func (s *sessionService) End(ctx context.Context, sessionID string) *models.Session {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		delete(s.keys, sess.StorageKey)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	end := s.now()
	sess.EndTime = &end
	dur := sess.Duration(end)
	key := sess.StorageKey

	s.docs.Flush(key)
	s.docs.Update(key, func(doc models.Document) error {
		sd, ok := doc.(*models.SessionDocument)
		if !ok {
			return utils.E(utils.CodeInternal, "SessionService.End", "unexpected document kind", nil)
		}
		sd.Finalize(end, dur)
		if s.catalog != nil {
			total := *sd.TotalMessages
			s.pool.Go("catalog end "+sessionID, func(ctx context.Context) error {
				return s.catalog.End(ctx, sessionID, end, int64(dur/time.Second), total)
			})
		}
		return nil
	})
	s.docs.Invalidate(key)

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"key":        key,
		"duration":   dur.Round(time.Second).String(),
	}).Info("session ended")
	return sess
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", nil)
	}
	return sess.Clone(), nil
}

// Transcript reads the persisted document through the cache. Messages still queued for
// the next flush are not included.
func (s *sessionService) Transcript(ctx context.Context, sessionID string) (*models.SessionDocument, error) {
	const op = "SessionService.Transcript"

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.Read(ctx, sess.StorageKey)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read transcript", err)
	}
	sd, ok := doc.(*models.SessionDocument)
	if !ok {
		return nil, utils.E(utils.CodeInternal, op, "unexpected document kind", nil)
	}
	return sd, nil
}

func (s *sessionService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EndAll finalizes every active session; used on shutdown before the cache drains.
func (s *sessionService) EndAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.End(ctx, id)
	}
	return len(ids)
}
