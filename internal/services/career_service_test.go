package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/utils"
)

func newCareer(e *env, catalog *mockSummaryRepo, opts CareerOptions) *careerService {
	var svc CareerService
	if catalog != nil {
		svc = NewCareerService(e.docs, e.store, e.pool, catalog, cache.NewMemoryCache(), e.log, opts)
	} else {
		svc = NewCareerService(e.docs, e.store, e.pool, nil, cache.NewMemoryCache(), e.log, opts)
	}
	return svc.(*careerService)
}

func TestCareerService_PauseResumeScenario(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cs.ID, "career_"))

	n, err := svc.RecordResponse(ctx, cs.ID, "q1", "I like design", "hopeful")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Pause(ctx, cs.ID, "q2", "")
	require.NoError(t, err)

	resumed, err := svc.Resume(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, cs.ID, resumed.ID)
	assert.Equal(t, "q2", resumed.CurrentQuestion)
	assert.Equal(t, 1, resumed.PauseCount)
	assert.NotNil(t, resumed.ResumedAt)

	n, err = svc.RecordResponse(ctx, cs.ID, "q2", "math", "neutral")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	loc, err := svc.SaveSummary(ctx, cs.ID, models.ParseAnalysis(json.RawMessage(`{"career_interests":["design"]}`)), []string{"take a UX course"})
	require.NoError(t, err)
	assert.NotEmpty(t, loc)

	_, err = svc.Get(ctx, cs.ID)
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	assert.Equal(t, CareerStats{}, svc.Stats())
	e.close(t)

	list, err := svc.ListSummaries(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, list, 1)

	doc := e.summaryDoc(t, list[0].StorageKey)
	assert.Equal(t, []string{"q1", "q2"}, doc.CompletedQuestions)
	assert.Equal(t, models.EmotionHopeful, doc.Responses["q1"].Emotion)
	assert.Equal(t, "math", doc.Responses["q2"].Response)
	assert.Equal(t, 2, doc.QuestionsAnswered)
	assert.Len(t, doc.EmotionalTrajectory, 2)
	assert.Equal(t, []string{"design"}, doc.Analysis.CareerInterests)
	assert.Equal(t, []string{"take a UX course"}, doc.Recommendations)
	assert.Equal(t, "a@x.com", doc.User.Email)
}

func TestCareerService_RecordResponseIsIdempotent(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.RecordResponse(ctx, cs.ID, "interests", "art", "excited")
	require.NoError(t, err)
	n, err := svc.RecordResponse(ctx, cs.ID, "interests", "music", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"interests"}, got.CompletedQuestions)
	assert.Equal(t, "music", got.Responses["interests"].Response)
	assert.Equal(t, models.EmotionNeutral, got.Responses["interests"].Emotion)
	assert.Len(t, got.EmotionalTrajectory, 1)
}

func TestCareerService_ResponseIsCapped(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{MaxResponseChars: 4})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.RecordResponse(ctx, cs.ID, "skills", "drawing", "HOPEFUL")
	require.NoError(t, err)

	got, err := svc.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "draw", got.Responses["skills"].Response)
	assert.Equal(t, models.EmotionHopeful, got.Responses["skills"].Emotion)
}

func TestCareerService_RegistriesStayDisjoint(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, CareerStats{Active: 1}, svc.Stats())

	_, err = svc.Pause(ctx, cs.ID, "skills", "break")
	require.NoError(t, err)
	assert.Equal(t, CareerStats{Paused: 1}, svc.Stats())

	_, err = svc.Pause(ctx, cs.ID, "skills", "")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	_, err = svc.RecordResponse(ctx, cs.ID, "skills", "x", "")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	_, err = svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, nil)
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	assert.Equal(t, CareerStats{Paused: 1}, svc.Stats())

	p, err := svc.Progress(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CareerPaused, p.State)
	assert.Equal(t, "skills", p.CurrentQuestion)

	_, err = svc.Resume(ctx, cs.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, CareerStats{Active: 1}, svc.Stats())

	_, err = svc.Resume(ctx, cs.ID, "a@x.com")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}

func TestCareerService_UnknownIDCreatesNothing(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	_, err := svc.RecordResponse(ctx, "career_0_deadbeef", "q1", "x", "")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	_, err = svc.Progress(ctx, "career_0_deadbeef")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	_, err = svc.Resume(ctx, "career_0_deadbeef", "")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	assert.Equal(t, CareerStats{}, svc.Stats())
}

func TestCareerService_StartRequiresIdentity(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})

	_, err := svc.Start(context.Background(), "", "A", "a@x.com")
	assert.True(t, utils.IsCode(err, utils.CodeUnauthorized))
	_, err = svc.Start(context.Background(), "sess-1", "A", "")
	assert.True(t, utils.IsCode(err, utils.CodeUnauthorized))
	assert.Equal(t, CareerStats{}, svc.Stats())
}

func TestCareerService_SummaryTimeoutKeepsSession(t *testing.T) {
	log, _ := test.NewNullLogger()
	base := storage.NewStore(storage.NewLocalBackend(t.TempDir()), storage.DefaultReadRetry, log)
	gated := &gatedStore{DocumentStore: base, gate: make(chan struct{})}
	e := newEnv(t, gated, 25)
	svc := newCareer(e, nil, CareerOptions{SummaryTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.RecordResponse(ctx, cs.ID, "intro", "hi", "")
	require.NoError(t, err)

	_, err = svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, nil)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeTimeout))

	assert.Equal(t, CareerStats{Active: 1}, svc.Stats())
	got, err := svc.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"intro"}, got.CompletedQuestions)

	close(gated.gate)
	e.close(t)

	// retry after the store recovers
	loc, err := svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, loc)
	assert.Equal(t, CareerStats{}, svc.Stats())
}

func TestCareerService_ResponsesRejectedWhileSummarySaves(t *testing.T) {
	log, _ := test.NewNullLogger()
	base := storage.NewStore(storage.NewLocalBackend(t.TempDir()), storage.DefaultReadRetry, log)
	gated := &gatedStore{DocumentStore: base, gate: make(chan struct{})}
	e := newEnv(t, gated, 25)
	svc := newCareer(e, nil, CareerOptions{SummaryTimeout: 5 * time.Second})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.RecordResponse(ctx, cs.ID, "intro", "hi", "")
	require.NoError(t, err)

	saved := make(chan error, 1)
	go func() {
		_, err := svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, nil)
		saved <- err
	}()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, busy := svc.saving[cs.ID]
		return busy
	}, time.Second, 5*time.Millisecond)

	_, err = svc.RecordResponse(ctx, cs.ID, "interests", "late answer", "")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeConflict))

	close(gated.gate)
	require.NoError(t, <-saved)
	e.close(t)

	objs, err := e.store.List(ctx, models.SummaryKeyPrefix("a@x.com"))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	doc := e.summaryDoc(t, objs[0].Key)
	assert.Equal(t, []string{"intro"}, doc.CompletedQuestions)
}

func TestCareerService_ListingIgnoresLookalikeEmails(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	for _, email := range []string{"a@x.com", "a@x.com.au"} {
		cs, err := svc.Start(ctx, "sess-"+email, "A", email)
		require.NoError(t, err)
		_, err = svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, nil)
		require.NoError(t, err)
	}
	e.close(t)

	mine, err := svc.ListSummaries(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Regexp(t, `^summary/a_at_x_com_\d{8}_\d{6}_summary\.json$`, mine[0].StorageKey)

	theirs, err := svc.ListSummaries(ctx, "a@x.com.au")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Regexp(t, `^summary/a_at_x_com_au_`, theirs[0].StorageKey)
}

func TestCareerService_ResumeWithoutIDPicksLatestPause(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	svc.now = steppingClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()

	first, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	second, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	other, err := svc.Start(ctx, "sess-2", "B", "b@x.com")
	require.NoError(t, err)

	_, err = svc.Pause(ctx, first.ID, "intro", "")
	require.NoError(t, err)
	_, err = svc.Pause(ctx, second.ID, "skills", "")
	require.NoError(t, err)
	_, err = svc.Pause(ctx, other.ID, "timeline", "")
	require.NoError(t, err)

	got, err := svc.Resume(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "skills", got.CurrentQuestion)

	got, err = svc.Resume(ctx, "", "A@X.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = svc.Resume(ctx, "", "a@x.com")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}

func TestCareerService_ResumeRejectsOtherOwner(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.Pause(ctx, cs.ID, "", "")
	require.NoError(t, err)

	_, err = svc.Resume(ctx, cs.ID, "b@x.com")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
	assert.Equal(t, CareerStats{Paused: 1}, svc.Stats())
}

func TestCareerService_ProgressAgainstQuestionBank(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	for _, q := range []string{"intro", "academic_status", "role_models"} {
		_, err = svc.RecordResponse(ctx, cs.ID, q, "answer", "")
		require.NoError(t, err)
	}

	p, err := svc.Progress(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.QuestionsCompleted)
	assert.Len(t, p.RequiredRemaining, 10)
	assert.Equal(t, "career_confusion", p.RequiredRemaining[0])
	assert.InDelta(t, 16.7, p.CompletionPercentage, 0.001)
}

func TestCareerService_SameSecondSummariesDoNotCollide(t *testing.T) {
	e := newEnv(t, nil, 25)
	svc := newCareer(e, nil, CareerOptions{})
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	b, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)

	_, err = svc.SaveSummary(ctx, a.ID, models.CareerAnalysis{}, nil)
	require.NoError(t, err)
	_, err = svc.SaveSummary(ctx, b.ID, models.CareerAnalysis{}, nil)
	require.NoError(t, err)
	e.close(t)

	objs, err := e.store.List(ctx, models.SummaryKeyPrefix("a@x.com"))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "summary/a_at_x_com_20240501_100000_2_summary.json", objs[0].Key)
	assert.Equal(t, "summary/a_at_x_com_20240501_100000_summary.json", objs[1].Key)
}

func TestCareerService_CatalogRecordsAndLists(t *testing.T) {
	e := newEnv(t, nil, 25)
	repo := &mockSummaryRepo{}
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *models.SummaryRecord) bool {
		return r.Email == "a@x.com" && r.QuestionsAnswered == 1 && len(r.CompletedQuestions) == 1
	})).Return(nil).Once()
	repo.On("ListByEmail", mock.Anything, "a@x.com", 100).Return([]models.SummaryRecord{
		{CareerSessionID: "career_1_abcdef12", StorageKey: "summary/a_at_x_com_20240501_100000_summary.json", QuestionsAnswered: 1},
	}, nil).Once()

	svc := newCareer(e, repo, CareerOptions{})
	ctx := context.Background()

	cs, err := svc.Start(ctx, "sess-1", "A", "a@x.com")
	require.NoError(t, err)
	_, err = svc.RecordResponse(ctx, cs.ID, "intro", "hi", "anxious")
	require.NoError(t, err)
	_, err = svc.SaveSummary(ctx, cs.ID, models.CareerAnalysis{}, []string{"rest"})
	require.NoError(t, err)
	e.close(t)

	list, err := svc.ListSummaries(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "career_1_abcdef12", list[0].CareerSessionID)

	// second call is served from the listing cache
	_, err = svc.ListSummaries(ctx, "a@x.com")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}
