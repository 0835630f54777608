package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/models"
	pgrepo "github.com/yoockh/careertalk/internal/repositories/postgres"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/utils"
	"github.com/yoockh/careertalk/internal/workers"
)

// CareerService runs counseling surveys. A run lives in exactly one of two registries,
// active or paused, until its summary is saved.
type CareerService interface {
	Start(ctx context.Context, ownerRef, name, email string) (*models.CareerSession, error)
	RecordResponse(ctx context.Context, id, questionID, response, emotion string) (int, error)
	Pause(ctx context.Context, id, currentQuestion, reason string) (*models.CareerSession, error)
	// Resume with an empty id picks the caller's most recently paused run.
	Resume(ctx context.Context, id, ownerEmail string) (*models.CareerSession, error)
	SaveSummary(ctx context.Context, id string, analysis models.CareerAnalysis, recommendations []string) (string, error)
	Progress(ctx context.Context, id string) (*models.Progress, error)
	Get(ctx context.Context, id string) (*models.CareerSession, error)
	Stats() CareerStats
	ListSummaries(ctx context.Context, email string) ([]models.SummaryListing, error)
}

type CareerStats struct {
	Active int `json:"active_career_sessions"`
	Paused int `json:"paused_career_sessions"`
}

type CareerOptions struct {
	MaxResponseChars int
	SummaryTimeout   time.Duration
	ListTTL          time.Duration
}

type careerService struct {
	docs     *cache.WriteBehind
	store    storage.DocumentStore
	pool     *workers.Pool
	catalog  pgrepo.SummaryRepository // nil when postgres is not configured
	listings cache.Cache
	log      *logrus.Logger
	opts     CareerOptions
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*models.CareerSession
	paused   map[string]*models.CareerSession
	saving   map[string]struct{}
	reserved map[string]struct{} // summary keys claimed by in-progress saves
}

func NewCareerService(docs *cache.WriteBehind, store storage.DocumentStore, pool *workers.Pool, catalog pgrepo.SummaryRepository, listings cache.Cache, log *logrus.Logger, opts CareerOptions) CareerService {
	if opts.MaxResponseChars <= 0 {
		opts.MaxResponseChars = 500
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = 15 * time.Second
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = time.Minute
	}
	if listings == nil {
		listings = cache.NewMemoryCache()
	}
	return &careerService{
		docs:     docs,
		store:    store,
		pool:     pool,
		catalog:  catalog,
		listings: listings,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		active:   map[string]*models.CareerSession{},
		paused:   map[string]*models.CareerSession{},
		saving:   map[string]struct{}{},
		reserved: map[string]struct{}{},
	}
}

func (s *careerService) Start(ctx context.Context, ownerRef, name, email string) (*models.CareerSession, error) {
	const op = "CareerService.Start"

	email = strings.ToLower(strings.TrimSpace(email))
	if ownerRef == "" || email == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "register before starting a career session", nil)
	}

	cs := models.NewCareerSession(ownerRef, models.Owner{Name: strings.TrimSpace(name), Email: email}, s.now())

	s.mu.Lock()
	s.active[cs.ID] = cs
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"career_session_id": cs.ID,
		"session_id":        ownerRef,
	}).Info("career session started")
	return cs.Clone(), nil
}

func (s *careerService) RecordResponse(ctx context.Context, id, questionID, response, emotion string) (int, error) {
	const op = "CareerService.RecordResponse"

	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return 0, utils.E(utils.CodeInvalidArgument, op, "question_id is required", nil)
	}
	tag, hasEmotion := models.ParseEmotion(emotion)
	text := utils.Truncate(response, s.opts.MaxResponseChars)

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.active[id]
	if !ok {
		return 0, utils.E(utils.CodeNotFound, op, "no active career session", nil)
	}
	if _, busy := s.saving[id]; busy {
		return 0, utils.E(utils.CodeConflict, op, "summary save in progress", nil)
	}
	cs.Record(questionID, text, tag, hasEmotion, s.now())

	if hasEmotion && !tag.Known() {
		s.log.WithFields(logrus.Fields{
			"career_session_id": id,
			"emotion":           tag,
		}).Debug("unrecognized emotion tag kept")
	}
	return len(cs.CompletedQuestions), nil
}

func (s *careerService) Pause(ctx context.Context, id, currentQuestion, reason string) (*models.CareerSession, error) {
	const op = "CareerService.Pause"

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.active[id]
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "no active career session", nil)
	}
	if _, busy := s.saving[id]; busy {
		return nil, utils.E(utils.CodeConflict, op, "summary save in progress", nil)
	}

	now := s.now()
	cs.State = models.CareerPaused
	cs.CurrentQuestion = strings.TrimSpace(currentQuestion)
	cs.PauseReason = strings.TrimSpace(reason)
	cs.PausedAt = &now
	cs.PauseCount++

	delete(s.active, id)
	s.paused[id] = cs

	s.log.WithFields(logrus.Fields{
		"career_session_id": id,
		"current_question":  cs.CurrentQuestion,
	}).Info("career session paused")
	return cs.Clone(), nil
}

func (s *careerService) Resume(ctx context.Context, id, ownerEmail string) (*models.CareerSession, error) {
	const op = "CareerService.Resume"

	ownerEmail = strings.ToLower(strings.TrimSpace(ownerEmail))

	s.mu.Lock()
	defer s.mu.Unlock()

	var cs *models.CareerSession
	if id != "" {
		cs = s.paused[id]
		if cs != nil && ownerEmail != "" && cs.User.Email != ownerEmail {
			cs = nil
		}
	} else if ownerEmail != "" {
		for _, p := range s.paused {
			if p.User.Email != ownerEmail {
				continue
			}
			if cs == nil || p.PausedAt.After(*cs.PausedAt) || (p.PausedAt.Equal(*cs.PausedAt) && p.ID > cs.ID) {
				cs = p
			}
		}
	}
	if cs == nil {
		return nil, utils.E(utils.CodeNotFound, op, "no paused career session", nil)
	}

	now := s.now()
	cs.State = models.CareerActive
	cs.ResumedAt = &now

	delete(s.paused, cs.ID)
	s.active[cs.ID] = cs

	out := cs.Clone()
	cs.CurrentQuestion = ""
	cs.PauseReason = ""

	s.log.WithFields(logrus.Fields{
		"career_session_id": cs.ID,
		"current_question":  out.CurrentQuestion,
	}).Info("career session resumed")
	return out, nil
}

// SaveSummary is the one synchronous write: it returns only after the store confirms the
// summary or the summary timeout elapses. On failure the run stays active for a retry.
func (s *careerService) SaveSummary(ctx context.Context, id string, analysis models.CareerAnalysis, recommendations []string) (string, error) {
	const op = "CareerService.SaveSummary"

	s.mu.Lock()
	cs, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return "", utils.E(utils.CodeNotFound, op, "no active career session", nil)
	}
	if _, busy := s.saving[id]; busy {
		s.mu.Unlock()
		return "", utils.E(utils.CodeConflict, op, "summary save already in progress", nil)
	}
	s.saving[id] = struct{}{}
	snap := cs.Clone()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.SummaryTimeout)
	defer cancel()

	end := s.now()
	doc := models.NewSummaryDocument(snap, analysis, recommendations, end)

	key, err := s.claimSummaryKey(ctx, snap.User.Email, end)
	if err != nil {
		s.release(id, "")
		return "", s.saveError(op, err)
	}

	loc, err := s.docs.Put(key, doc).Wait(ctx)
	if err != nil {
		s.release(id, key)
		s.log.WithError(err).WithFields(logrus.Fields{
			"career_session_id": id,
			"key":               key,
		}).Error("summary save failed")
		return "", s.saveError(op, err)
	}

	s.mu.Lock()
	delete(s.active, id)
	delete(s.saving, id)
	delete(s.reserved, key)
	s.mu.Unlock()
	s.docs.Invalidate(key)

	_ = s.listings.Del(ctx, cache.SummaryListKey(snap.User.Email))
	if s.catalog != nil {
		rec := summaryRecord(doc, snap.OwnerRef, key, loc)
		s.pool.Go("catalog summary "+id, func(ctx context.Context) error {
			return s.catalog.Insert(ctx, rec)
		})
	}

	s.log.WithFields(logrus.Fields{
		"career_session_id": id,
		"key":               key,
		"questions":         doc.QuestionsAnswered,
	}).Info("career summary saved")
	return loc, nil
}

// claimSummaryKey picks a key no other summary uses, suffixing _2, _3... on collision.
func (s *careerService) claimSummaryKey(ctx context.Context, email string, at time.Time) (string, error) {
	for attempt := 1; attempt <= 100; attempt++ {
		key := models.SummaryKey(email, at, attempt)

		s.mu.Lock()
		_, taken := s.reserved[key]
		if !taken {
			s.reserved[key] = struct{}{}
		}
		s.mu.Unlock()
		if taken {
			continue
		}

		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			s.mu.Lock()
			delete(s.reserved, key)
			s.mu.Unlock()
			return "", err
		}
		if !exists {
			return key, nil
		}
		s.mu.Lock()
		delete(s.reserved, key)
		s.mu.Unlock()
	}
	return "", errors.New("no free summary key")
}

func (s *careerService) release(id, key string) {
	s.mu.Lock()
	delete(s.saving, id)
	if key != "" {
		delete(s.reserved, key)
	}
	s.mu.Unlock()
}

func (s *careerService) saveError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return utils.E(utils.CodeTimeout, op, "summary save timed out", err)
	}
	return utils.E(utils.CodeUnavailable, op, "failed to save summary", err)
}

func summaryRecord(doc *models.SummaryDocument, ownerRef, key, loc string) *models.SummaryRecord {
	responses, _ := json.Marshal(doc.Responses)
	analysis, _ := json.Marshal(doc.Analysis)
	return &models.SummaryRecord{
		ID:                 uuid.NewString(),
		CareerSessionID:    doc.SessionID,
		UserID:             ownerRef,
		Email:              doc.User.Email,
		Name:               doc.User.Name,
		Location:           loc,
		StorageKey:         key,
		CompletedQuestions: append([]string(nil), doc.CompletedQuestions...),
		QuestionsAnswered:  doc.QuestionsAnswered,
		Responses:          datatypes.JSON(responses),
		Analysis:           datatypes.JSON(analysis),
		Recommendations:    append([]string(nil), doc.Recommendations...),
		DurationMinutes:    doc.Timing.DurationMinutes,
		CreatedAt:          doc.Timing.End,
	}
}

func (s *careerService) lookup(id string) (*models.CareerSession, bool) {
	if cs, ok := s.active[id]; ok {
		return cs, true
	}
	cs, ok := s.paused[id]
	return cs, ok
}

func (s *careerService) Progress(ctx context.Context, id string) (*models.Progress, error) {
	const op = "CareerService.Progress"

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.lookup(id)
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "career session not found", nil)
	}
	p := cs.Progress()
	return &p, nil
}

func (s *careerService) Get(ctx context.Context, id string) (*models.CareerSession, error) {
	const op = "CareerService.Get"

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.lookup(id)
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "career session not found", nil)
	}
	return cs.Clone(), nil
}

func (s *careerService) Stats() CareerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CareerStats{Active: len(s.active), Paused: len(s.paused)}
}

// ListSummaries reads the postgres catalog when configured and the object store listing
// otherwise. Results are cached briefly per email.
func (s *careerService) ListSummaries(ctx context.Context, email string) ([]models.SummaryListing, error) {
	const op = "CareerService.ListSummaries"

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "email is required", nil)
	}

	var out []models.SummaryListing
	if hit, err := s.listings.GetJSON(ctx, cache.SummaryListKey(email), &out); err == nil && hit {
		return out, nil
	}

	out = []models.SummaryListing{}
	if s.catalog != nil {
		rows, err := s.catalog.ListByEmail(ctx, email, 100)
		if err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "failed to list summaries", err)
		}
		for _, r := range rows {
			out = append(out, models.SummaryListing{
				CareerSessionID:   r.CareerSessionID,
				StorageKey:        r.StorageKey,
				Location:          r.Location,
				QuestionsAnswered: r.QuestionsAnswered,
				SavedAt:           r.CreatedAt,
			})
		}
	} else {
		objs, err := s.store.List(ctx, models.SummaryKeyPrefix(email))
		if err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "failed to list summaries", err)
		}
		for _, o := range objs {
			if !models.IsSummaryKeyFor(email, o.Key) {
				continue
			}
			out = append(out, models.SummaryListing{
				StorageKey: o.Key,
				SavedAt:    o.Updated,
				Size:       o.Size,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].StorageKey > out[j].StorageKey })
	}

	if err := s.listings.SetJSON(ctx, cache.SummaryListKey(email), out, s.opts.ListTTL); err != nil {
		s.log.WithError(err).Warn("summary listing cache write failed")
	}
	return out, nil
}
