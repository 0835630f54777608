package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/careertalk/internal/broadcast"
	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/services"
	"github.com/yoockh/careertalk/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 64 << 10
)

type WSHandler struct {
	sessions services.SessionService
	careers  services.CareerService
	bc       broadcast.Broadcaster
	log      *logrus.Logger
	upgrader websocket.Upgrader
	grace    time.Duration

	mu       sync.Mutex
	current  map[string]string // logging session id -> career session id
	presence map[string]*presence
}

type presence struct {
	conns int
	timer *time.Timer
}

// NewWSHandler builds the event channel. A negative grace keeps sessions open after the
// last connection closes; zero ends them immediately.
func NewWSHandler(sessions services.SessionService, careers services.CareerService, bc broadcast.Broadcaster, log *logrus.Logger, allowedOrigins []string, grace time.Duration) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		careers:  careers,
		bc:       bc,
		log:      log,
		grace:    grace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		current:  map[string]string{},
		presence: map[string]*presence{},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := map[string]struct{}{}
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

type wsInbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsOutbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) send(msg wsOutbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.writeText(b)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (h *WSHandler) SessionWS(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	if _, err := h.sessions.Get(c.Request.Context(), id.SessionID); err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.attach(id.SessionID)
	defer h.detach(id.SessionID)

	var events <-chan []byte
	sub, err := h.bc.Subscribe(ctx, id.SessionID)
	if err != nil {
		h.log.WithError(err).WithField("session_id", id.SessionID).Warn("broadcast subscribe failed")
	} else {
		defer sub.Close()
		events = sub.C()
	}

	if err := wc.send(wsOutbound{Type: "connected", Data: gin.H{
		"status":     "Connected to server",
		"session_id": id.SessionID,
	}}); err != nil {
		return
	}

	// reader: client events -> registries
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})

		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}

			var msg wsInbound
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = wc.send(wsOutbound{Type: "error", Data: gin.H{"code": utils.CodeInvalidArgument, "message": "invalid json"}})
				continue
			}
			for _, out := range h.dispatch(ctx, id, msg) {
				if err := wc.send(out); err != nil {
					return
				}
			}
		}
	}()

	// writer: broadcast events + keepalive -> client
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-readDone:
			return
		case payload, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := wc.writeText(payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

// dispatch handles one client event and returns the replies for the sender.
func (h *WSHandler) dispatch(ctx context.Context, id identity, msg wsInbound) []wsOutbound {
	switch msg.Type {
	case "conversation_update":
		var d struct {
			Role    string `json:"role"`
			Message string `json:"message"`
			State   string `json:"state"`
		}
		if !decode(msg.Data, &d) {
			return badPayload(msg.Type)
		}
		h.sessions.Log(ctx, id.SessionID, d.Role, d.Message)
		if d.State != "" && d.State != "idle" {
			return []wsOutbound{{Type: "state_change", Data: gin.H{"state": d.State}}}
		}
		return nil

	case "state_change":
		var d struct {
			State string `json:"state"`
		}
		if !decode(msg.Data, &d) {
			return badPayload(msg.Type)
		}
		if d.State == "" || d.State == "idle" {
			return nil
		}
		out := wsOutbound{Type: "animation_state", Data: gin.H{"state": d.State}}
		b, _ := json.Marshal(out)
		if err := h.bc.Publish(ctx, id.SessionID, b); err != nil {
			h.log.WithError(err).WithField("session_id", id.SessionID).Warn("animation state broadcast failed")
			return []wsOutbound{out}
		}
		return nil

	case "career_start":
		return h.careerStart(ctx, id)
	case "career_response":
		return h.careerResponse(ctx, id, msg.Data)
	case "career_pause":
		return h.careerPause(ctx, id, msg.Data)
	case "career_resume":
		return h.careerResume(ctx, id, msg.Data)
	case "career_summary":
		return h.careerSummary(ctx, id, msg.Data)
	case "career_progress":
		return h.careerProgress(ctx, id)

	default:
		return []wsOutbound{{Type: "error", Data: gin.H{
			"code":    utils.CodeInvalidArgument,
			"message": "unknown message type",
		}}}
	}
}

func (h *WSHandler) careerStart(ctx context.Context, id identity) []wsOutbound {
	cs, err := h.careers.Start(ctx, id.SessionID, id.Name, id.Email)
	if err != nil {
		return careerError("User not authenticated", err)
	}
	h.setCurrent(id.SessionID, cs.ID)
	h.sessions.Log(ctx, id.SessionID, "System", "Started career counseling session")

	return []wsOutbound{{Type: "career_started", Data: gin.H{
		"success":           true,
		"career_session_id": cs.ID,
		"message":           "Career counseling session initialized",
	}}}
}

func (h *WSHandler) careerResponse(ctx context.Context, id identity, raw json.RawMessage) []wsOutbound {
	var d struct {
		QuestionID string `json:"question_id"`
		Response   string `json:"response"`
		Emotion    string `json:"emotion"`
	}
	if !decode(raw, &d) {
		return badPayload("career_response")
	}
	careerID := h.currentOf(id.SessionID)
	if careerID == "" {
		return careerError("No active career counseling session", utils.E(utils.CodeNotFound, "WSHandler.careerResponse", "no career session", nil))
	}

	n, err := h.careers.RecordResponse(ctx, careerID, d.QuestionID, d.Response, d.Emotion)
	if err != nil {
		if utils.IsCode(err, utils.CodeNotFound) {
			return careerError("No active career counseling session", err)
		}
		return careerError("Failed to save response", err)
	}
	h.sessions.Log(ctx, id.SessionID, "Career Response",
		fmt.Sprintf("Q:%s - A:%s...", d.QuestionID, utils.Truncate(d.Response, 100)))

	return []wsOutbound{{Type: "career_response_saved", Data: gin.H{
		"success":             true,
		"question_id":         d.QuestionID,
		"questions_completed": n,
	}}}
}

func (h *WSHandler) careerPause(ctx context.Context, id identity, raw json.RawMessage) []wsOutbound {
	var d struct {
		CurrentQuestion string `json:"current_question"`
		Reason          string `json:"reason"`
	}
	if !decode(raw, &d) {
		return badPayload("career_pause")
	}
	careerID := h.currentOf(id.SessionID)
	if careerID == "" {
		return careerError("No active career counseling session", utils.E(utils.CodeNotFound, "WSHandler.careerPause", "no career session", nil))
	}

	cs, err := h.careers.Pause(ctx, careerID, d.CurrentQuestion, d.Reason)
	if err != nil {
		return careerError("Failed to pause session", err)
	}
	return []wsOutbound{{Type: "career_paused", Data: gin.H{
		"success":           true,
		"career_session_id": cs.ID,
		"current_question":  cs.CurrentQuestion,
		"message":           "Session paused. You can resume anytime.",
	}}}
}

func (h *WSHandler) careerResume(ctx context.Context, id identity, raw json.RawMessage) []wsOutbound {
	var d struct {
		CareerSessionID string `json:"career_session_id"`
	}
	if !decode(raw, &d) {
		return badPayload("career_resume")
	}

	cs, err := h.careers.Resume(ctx, strings.TrimSpace(d.CareerSessionID), id.Email)
	if err != nil {
		if utils.IsCode(err, utils.CodeNotFound) {
			return careerError("No paused session found", err)
		}
		return careerError("Failed to resume session", err)
	}
	h.setCurrent(id.SessionID, cs.ID)

	return []wsOutbound{{Type: "career_resumed", Data: gin.H{
		"success":             true,
		"career_session_id":   cs.ID,
		"current_question":    cs.CurrentQuestion,
		"completed_questions": cs.CompletedQuestions,
		"message":             "Session resumed successfully",
	}}}
}

func (h *WSHandler) careerSummary(ctx context.Context, id identity, raw json.RawMessage) []wsOutbound {
	var d struct {
		SessionID              string          `json:"session_id"`
		SessionData            json.RawMessage `json:"session_data"`
		Recommendations        []string        `json:"recommendations"`
		TotalQuestionsAnswered int             `json:"total_questions_answered"`
	}
	if !decode(raw, &d) {
		return badPayload("career_summary")
	}

	careerID := h.currentOf(id.SessionID)
	if careerID == "" {
		careerID = strings.TrimSpace(d.SessionID)
	}
	notActive := careerError("No active career counseling session", utils.E(utils.CodeNotFound, "WSHandler.careerSummary", "no career session", nil))
	if careerID == "" {
		return notActive
	}
	cs, err := h.careers.Get(ctx, careerID)
	if err != nil || cs.User.Email != id.Email {
		return notActive
	}

	loc, err := h.careers.SaveSummary(ctx, careerID, models.ParseAnalysis(d.SessionData), d.Recommendations)
	if err != nil {
		if utils.IsCode(err, utils.CodeNotFound) {
			return notActive
		}
		return careerError("Failed to save summary", err)
	}

	total := d.TotalQuestionsAnswered
	if total == 0 {
		total = len(cs.CompletedQuestions)
	}
	h.sessions.Log(ctx, id.SessionID, "Career Summary",
		fmt.Sprintf("Completed career counseling with %d questions answered", total))
	h.clearCurrent(id.SessionID, careerID)

	return []wsOutbound{{Type: "summary_saved", Data: gin.H{
		"success":  true,
		"location": loc,
		"message":  "Career counseling summary saved successfully",
	}}}
}

func (h *WSHandler) careerProgress(ctx context.Context, id identity) []wsOutbound {
	stats := h.careers.Stats()

	careerID := h.currentOf(id.SessionID)
	var cs *models.CareerSession
	if careerID != "" {
		if got, err := h.careers.Get(ctx, careerID); err == nil && got.State == models.CareerActive {
			cs = got
		}
	}
	if cs == nil {
		return []wsOutbound{{Type: "career_progress", Data: gin.H{
			"active":                 false,
			"questions_completed":    0,
			"responses":              gin.H{},
			"active_career_sessions": stats.Active,
			"paused_career_sessions": stats.Paused,
		}}}
	}

	p := cs.Progress()
	return []wsOutbound{{Type: "career_progress", Data: gin.H{
		"active":                 true,
		"career_session_id":      cs.ID,
		"questions_completed":    p.QuestionsCompleted,
		"completed_questions":    p.CompletedQuestions,
		"required_remaining":     p.RequiredRemaining,
		"completion_percentage":  p.CompletionPercentage,
		"emotional_trajectory":   cs.EmotionalTrajectory,
		"active_career_sessions": stats.Active,
		"paused_career_sessions": stats.Paused,
	}}}
}

func decode(raw json.RawMessage, dst any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	return json.Unmarshal(raw, dst) == nil
}

func badPayload(event string) []wsOutbound {
	return []wsOutbound{{Type: "error", Data: gin.H{
		"code":    utils.CodeInvalidArgument,
		"message": "invalid payload for " + event,
	}}}
}

func careerError(msg string, err error) []wsOutbound {
	return []wsOutbound{{Type: "career_error", Data: gin.H{
		"error": msg,
		"code":  utils.CodeOf(err),
	}}}
}

func (h *WSHandler) currentOf(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current[sessionID]
}

func (h *WSHandler) setCurrent(sessionID, careerID string) {
	h.mu.Lock()
	h.current[sessionID] = careerID
	h.mu.Unlock()
}

func (h *WSHandler) clearCurrent(sessionID, careerID string) {
	h.mu.Lock()
	if h.current[sessionID] == careerID {
		delete(h.current, sessionID)
	}
	h.mu.Unlock()
}

// Forget drops connection-scoped state for a session that ended elsewhere (logout).
func (h *WSHandler) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.current, sessionID)
	if p, ok := h.presence[sessionID]; ok {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		if p.conns <= 0 {
			delete(h.presence, sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *WSHandler) attach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.presence[sessionID]
	if !ok {
		p = &presence{}
		h.presence[sessionID] = p
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.conns++
}

func (h *WSHandler) detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.presence[sessionID]
	if !ok {
		return
	}
	p.conns--
	if p.conns > 0 {
		return
	}
	if h.grace < 0 {
		delete(h.presence, sessionID)
		return
	}

	var t *time.Timer
	t = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		cur, ok := h.presence[sessionID]
		if !ok || cur.conns > 0 || cur.timer != t {
			h.mu.Unlock()
			return
		}
		delete(h.presence, sessionID)
		delete(h.current, sessionID)
		h.mu.Unlock()

		if ended := h.sessions.End(context.Background(), sessionID); ended != nil {
			h.log.WithField("session_id", sessionID).Info("session ended after disconnect")
		}
	})
	p.timer = t
}
