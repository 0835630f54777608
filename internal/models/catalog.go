package models

import (
	"time"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/datatypes"
)

// SessionRecord is the mongo catalog row for one logging session. The transcript itself
// lives in the object store under StorageKey.
type SessionRecord struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID  string             `bson:"session_id" json:"session_id"`
	Email      string             `bson:"email" json:"email"`
	Name       string             `bson:"name" json:"name"`
	StorageKey string             `bson:"storage_key" json:"storage_key"`
	Status     string             `bson:"status" json:"status"` // active|ended

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	DurationSeconds int64 `bson:"duration_seconds" json:"duration_seconds"`
	TotalMessages   int   `bson:"total_messages" json:"total_messages"`
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// SummaryRecord is the postgres catalog row for one saved counseling summary.
type SummaryRecord struct {
	ID              string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	CareerSessionID string `gorm:"column:career_session_id;type:text;uniqueIndex" json:"career_session_id"`
	UserID          string `gorm:"column:user_id;type:text;index" json:"user_id"`
	Email           string `gorm:"column:email;type:text;index" json:"email"`
	Name            string `gorm:"column:name;type:text" json:"name"`
	Location        string `gorm:"column:location;type:text" json:"location"`
	StorageKey      string `gorm:"column:storage_key;type:text" json:"storage_key"`

	CompletedQuestions pq.StringArray `gorm:"column:completed_questions;type:text[]" json:"completed_questions"`
	QuestionsAnswered  int            `gorm:"column:questions_answered;type:integer" json:"questions_answered"`

	Responses       datatypes.JSON `gorm:"column:responses;type:jsonb" json:"responses"`
	Analysis        datatypes.JSON `gorm:"column:analysis;type:jsonb" json:"analysis"`
	Recommendations pq.StringArray `gorm:"column:recommendations;type:text[]" json:"recommendations"`

	DurationMinutes float64   `gorm:"column:duration_minutes;type:double precision" json:"duration_minutes"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;index" json:"created_at"`
}

func (SummaryRecord) TableName() string { return "career_summaries" }

// SummaryListing is the API view of a saved summary, from either catalog source.
type SummaryListing struct {
	CareerSessionID   string    `json:"career_session_id,omitempty"`
	StorageKey        string    `json:"storage_key"`
	Location          string    `json:"location,omitempty"`
	QuestionsAnswered int       `json:"questions_answered,omitempty"`
	SavedAt           time.Time `json:"saved_at"`
	Size              int64     `json:"size,omitempty"`
}
