package models

import "math"

type Question struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

// QuestionBank is the counseling survey, in the order the voice agent asks it.
var QuestionBank = []Question{
	{ID: "intro", Required: true},
	{ID: "academic_status", Required: true},
	{ID: "career_confusion", Required: true},
	{ID: "interests", Required: true},
	{ID: "skills", Required: true},
	{ID: "ai_fears", Required: true},
	{ID: "industry_preference", Required: true},
	{ID: "work_values", Required: true},
	{ID: "learning_style", Required: true},
	{ID: "role_models", Required: false},
	{ID: "obstacles", Required: true},
	{ID: "timeline", Required: true},
	{ID: "experience", Required: false},
	{ID: "support", Required: false},
	{ID: "immediate_need", Required: true},
}

func LookupQuestion(id string) (Question, bool) {
	for _, q := range QuestionBank {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// RequiredRemaining lists required questions not yet answered, in bank order.
func RequiredRemaining(completed []string) []string {
	done := make(map[string]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}
	out := []string{}
	for _, q := range QuestionBank {
		if !q.Required {
			continue
		}
		if _, ok := done[q.ID]; !ok {
			out = append(out, q.ID)
		}
	}
	return out
}

// CompletionPercentage is answered required / total required, rounded to one decimal.
func CompletionPercentage(completed []string) float64 {
	total := 0
	for _, q := range QuestionBank {
		if q.Required {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	answered := total - len(RequiredRemaining(completed))
	return math.Round(float64(answered)*1000/float64(total)) / 10
}
