package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/careertalk/internal/api/middleware"
	"github.com/yoockh/careertalk/internal/broadcast"
	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/providers/realtime"
	"github.com/yoockh/careertalk/internal/services"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/workers"
)

const testSecret = "handler-secret"

type fakeProvider struct {
	key    *realtime.EphemeralKey
	keyErr error
	answer string
	sdpErr error

	gotKey   string
	gotOffer string
}

func (f *fakeProvider) NewEphemeralKey(ctx context.Context) (*realtime.EphemeralKey, error) {
	return f.key, f.keyErr
}

func (f *fakeProvider) ExchangeSDP(ctx context.Context, ephemeralKey, offer string) (string, error) {
	f.gotKey, f.gotOffer = ephemeralKey, offer
	return f.answer, f.sdpErr
}

func (f *fakeProvider) Endpoint() realtime.PublicConfig {
	return realtime.PublicConfig{WebRTCURL: "https://rtc.example/v1", Deployment: "gpt-realtime", Voice: "alloy"}
}

type server struct {
	t        *testing.T
	log      *logrus.Logger
	store    *storage.Store
	docs     *cache.WriteBehind
	sessions services.SessionService
	careers  services.CareerService
	bc       *broadcast.MemoryBroadcaster
	provider *fakeProvider
	ws       *WSHandler
	engine   *gin.Engine
}

func newServer(t *testing.T, grace time.Duration) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := test.NewNullLogger()
	store := storage.NewStore(storage.NewLocalBackend(t.TempDir()), storage.RetryPolicy{Attempts: 1, Backoff: time.Millisecond}, log)
	pool := workers.NewPool(4, 2*time.Second, log)
	docs := cache.NewWriteBehind(store, pool, log, cache.Options{BatchSize: 25, FlushInterval: time.Hour, TTL: time.Minute})

	s := &server{
		t:        t,
		log:      log,
		store:    store,
		docs:     docs,
		sessions: services.NewSessionService(docs, pool, nil, log, services.SessionLimits{}),
		careers:  services.NewCareerService(docs, store, pool, nil, nil, log, services.CareerOptions{SummaryTimeout: 2 * time.Second}),
		bc:       broadcast.NewMemoryBroadcaster(),
		provider: &fakeProvider{},
	}
	s.ws = NewWSHandler(s.sessions, s.careers, s.bc, log, []string{"https://app.example"}, grace)

	sess := NewSessionHandler(s.sessions, testSecret, time.Hour, s.ws.Forget)
	rt := NewRealtimeHandler(s.provider, log)
	career := NewCareerHandler(s.careers)
	health := NewHealthHandler(s.sessions, s.careers, store.Backend())

	r := gin.New()
	r.GET("/health", health.Health)
	r.GET("/ping", health.Ping)
	r.GET("/api/config", rt.Config)
	r.POST("/api/register", sess.Register)
	auth := r.Group("/api", middleware.JWTAuth(testSecret))
	auth.POST("/logout", sess.Logout)
	auth.GET("/session/transcript", sess.Transcript)
	auth.POST("/realtime/session", rt.Session)
	auth.POST("/realtime/sdp", rt.SDP)
	auth.GET("/career/summaries", career.Summaries)
	auth.GET("/career/:career_session_id/progress", career.Progress)
	r.GET("/ws", middleware.JWTAuth(testSecret), s.ws.SessionWS)
	s.engine = r

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = docs.Close(ctx)
	})
	return s
}

func (s *server) do(method, path, token, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *server) register(name, email string) RegisterResponse {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/register", "", `{"name":"`+name+`","email":"`+email+`"}`)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var out RegisterResponse
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
