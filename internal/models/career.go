package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CareerState string

const (
	CareerActive CareerState = "active"
	CareerPaused CareerState = "paused"
)

type Emotion string

const (
	EmotionNeutral     Emotion = "neutral"
	EmotionAnxious     Emotion = "anxious"
	EmotionConfused    Emotion = "confused"
	EmotionFrustrated  Emotion = "frustrated"
	EmotionHopeful     Emotion = "hopeful"
	EmotionExcited     Emotion = "excited"
	EmotionOverwhelmed Emotion = "overwhelmed"
)

var knownEmotions = map[Emotion]struct{}{
	EmotionNeutral: {}, EmotionAnxious: {}, EmotionConfused: {}, EmotionFrustrated: {},
	EmotionHopeful: {}, EmotionExcited: {}, EmotionOverwhelmed: {},
}

// ParseEmotion lower-cases a tag. Unrecognized tags are kept as sent; the model decides the
// vocabulary, not us.
func ParseEmotion(tag string) (Emotion, bool) {
	e := Emotion(strings.ToLower(strings.TrimSpace(tag)))
	if e == "" {
		return "", false
	}
	return e, true
}

func (e Emotion) Known() bool {
	_, ok := knownEmotions[e]
	return ok
}

type Response struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   Emotion   `json:"emotion"`
}

type TrajectoryPoint struct {
	Question  string    `json:"question"`
	Emotion   Emotion   `json:"emotion"`
	Timestamp time.Time `json:"timestamp"`
}

// CareerSession is one counseling survey run.
type CareerSession struct {
	ID        string
	OwnerRef  string // id of the logging session that started this run
	User      Owner
	StartTime time.Time
	State     CareerState

	CompletedQuestions  []string
	Responses           map[string]Response
	EmotionalTrajectory []TrajectoryPoint

	CurrentQuestion string
	PauseReason     string
	PausedAt        *time.Time
	ResumedAt       *time.Time
	PauseCount      int
}

// NewCareerID returns career_<unix>_<8 hex>.
func NewCareerID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("career_%d_%s", now.Unix(), hex[:8])
}

func NewCareerSession(ownerRef string, owner Owner, now time.Time) *CareerSession {
	return &CareerSession{
		ID:                  NewCareerID(now),
		OwnerRef:            ownerRef,
		User:                owner,
		StartTime:           now,
		State:               CareerActive,
		CompletedQuestions:  []string{},
		Responses:           map[string]Response{},
		EmotionalTrajectory: []TrajectoryPoint{},
	}
}

// Record stores a response. A repeated question id overwrites the response and keeps its
// original position in CompletedQuestions.
func (c *CareerSession) Record(questionID, response string, emotion Emotion, hasEmotion bool, now time.Time) {
	if !c.HasCompleted(questionID) {
		c.CompletedQuestions = append(c.CompletedQuestions, questionID)
	}
	tag := EmotionNeutral
	if hasEmotion {
		tag = emotion
	}
	c.Responses[questionID] = Response{Response: response, Timestamp: now, Emotion: tag}
	if hasEmotion {
		c.EmotionalTrajectory = append(c.EmotionalTrajectory, TrajectoryPoint{
			Question:  questionID,
			Emotion:   emotion,
			Timestamp: now,
		})
	}
}

func (c *CareerSession) HasCompleted(questionID string) bool {
	for _, q := range c.CompletedQuestions {
		if q == questionID {
			return true
		}
	}
	return false
}

func (c *CareerSession) Clone() *CareerSession {
	out := *c
	out.CompletedQuestions = append([]string(nil), c.CompletedQuestions...)
	out.EmotionalTrajectory = append([]TrajectoryPoint(nil), c.EmotionalTrajectory...)
	out.Responses = make(map[string]Response, len(c.Responses))
	for k, v := range c.Responses {
		out.Responses[k] = v
	}
	if c.PausedAt != nil {
		t := *c.PausedAt
		out.PausedAt = &t
	}
	if c.ResumedAt != nil {
		t := *c.ResumedAt
		out.ResumedAt = &t
	}
	return &out
}

// Progress is a read-only view of one career session against the question bank.
type Progress struct {
	CareerSessionID      string      `json:"career_session_id"`
	State                CareerState `json:"state"`
	QuestionsCompleted   int         `json:"questions_completed"`
	CompletedQuestions   []string    `json:"completed_questions"`
	RequiredRemaining    []string    `json:"required_remaining"`
	CompletionPercentage float64     `json:"completion_percentage"`
	CurrentQuestion      string      `json:"current_question,omitempty"`
}

func (c *CareerSession) Progress() Progress {
	remaining := RequiredRemaining(c.CompletedQuestions)
	return Progress{
		CareerSessionID:      c.ID,
		State:                c.State,
		QuestionsCompleted:   len(c.CompletedQuestions),
		CompletedQuestions:   append([]string(nil), c.CompletedQuestions...),
		RequiredRemaining:    remaining,
		CompletionPercentage: CompletionPercentage(c.CompletedQuestions),
		CurrentQuestion:      c.CurrentQuestion,
	}
}
