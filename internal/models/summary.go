package models

import (
	"encoding/json"
	"time"
)

const SummarySchemaVersion = 1

type Timing struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes float64   `json:"duration_minutes"`
}

// CareerAnalysis is what the voice agent reports about the session. Known fields are typed;
// anything else the client sends is kept in Extra.
type CareerAnalysis struct {
	CareerInterests []string        `json:"career_interests,omitempty"`
	Strengths       []string        `json:"strengths,omitempty"`
	Concerns        []string        `json:"concerns,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

// ParseAnalysis accepts any JSON object from the client and lifts the known fields out.
func ParseAnalysis(raw json.RawMessage) CareerAnalysis {
	var a CareerAnalysis
	if len(raw) == 0 || string(raw) == "null" {
		return a
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		a = CareerAnalysis{}
	}
	a.Extra = append(json.RawMessage(nil), raw...)
	return a
}

// SummaryDocument is persisted at summary/<safe-email>_<timestamp>_summary.json.
type SummaryDocument struct {
	SchemaVersion       int                 `json:"schema_version"`
	SessionID           string              `json:"session_id"`
	User                Owner               `json:"user"`
	Timing              Timing              `json:"timing"`
	QuestionsAnswered   int                 `json:"questions_answered"`
	CompletedQuestions  []string            `json:"completed_questions"`
	Responses           map[string]Response `json:"responses"`
	EmotionalTrajectory []TrajectoryPoint   `json:"emotional_trajectory"`
	Analysis            CareerAnalysis      `json:"analysis"`
	Recommendations     []string            `json:"recommendations"`
}

func NewSummaryDocument(c *CareerSession, analysis CareerAnalysis, recommendations []string, end time.Time) *SummaryDocument {
	snap := c.Clone()
	if recommendations == nil {
		recommendations = []string{}
	}
	minutes := end.Sub(snap.StartTime).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return &SummaryDocument{
		SchemaVersion: SummarySchemaVersion,
		SessionID:     snap.ID,
		User:          snap.User,
		Timing: Timing{
			Start:           snap.StartTime,
			End:             end,
			DurationMinutes: minutes,
		},
		QuestionsAnswered:   len(snap.CompletedQuestions),
		CompletedQuestions:  snap.CompletedQuestions,
		Responses:           snap.Responses,
		EmotionalTrajectory: snap.EmotionalTrajectory,
		Analysis:            analysis,
		Recommendations:     append([]string(nil), recommendations...),
	}
}

func (d *SummaryDocument) Kind() DocumentKind { return KindSummary }

func (d *SummaryDocument) Clone() Document {
	out := *d
	out.CompletedQuestions = append([]string(nil), d.CompletedQuestions...)
	out.EmotionalTrajectory = append([]TrajectoryPoint(nil), d.EmotionalTrajectory...)
	out.Recommendations = append([]string(nil), d.Recommendations...)
	out.Responses = make(map[string]Response, len(d.Responses))
	for k, v := range d.Responses {
		out.Responses[k] = v
	}
	out.Analysis.Extra = append(json.RawMessage(nil), d.Analysis.Extra...)
	return &out
}
