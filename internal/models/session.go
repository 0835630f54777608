package models

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/yoockh/careertalk/internal/utils"
)

const (
	SessionPrefix = "session"
	SummaryPrefix = "summary"

	SessionSchemaVersion = 1

	keyTimeLayout = "20060102_150405"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps the labels the browser sends ("User", "Career Response", "Assistant", ...)
// onto the three transcript roles.
func NormalizeRole(label string) Role {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "user", "career response":
		return RoleUser
	case "system", "career summary":
		return RoleSystem
	default:
		return RoleAssistant
	}
}

type Owner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
}

// Session is the in-memory record of one conversation-logging session.
type Session struct {
	ID         string
	Owner      Owner
	StorageKey string
	StartTime  time.Time
	EndTime    *time.Time

	// Messages is a bounded tail; the persisted document keeps everything.
	Messages []Message
}

func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	d := end.Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) Clone() *Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

// SessionDocument is persisted at session/<safe-email>_<timestamp>.json.
type SessionDocument struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	User          Owner     `json:"user"`
	StartTime     time.Time `json:"start_time"`
	Messages      []Message `json:"messages"`

	EndTime         *time.Time `json:"end_time,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	TotalMessages   *int       `json:"total_messages,omitempty"`
}

func NewSessionDocument(s *Session) *SessionDocument {
	return &SessionDocument{
		SchemaVersion: SessionSchemaVersion,
		SessionID:     s.ID,
		User:          s.Owner,
		StartTime:     s.StartTime,
		Messages:      []Message{},
	}
}

// EmptySessionDocument is the shape used when a key has nothing persisted yet.
func EmptySessionDocument(key string) *SessionDocument {
	return &SessionDocument{
		SchemaVersion: SessionSchemaVersion,
		SessionID:     strings.TrimSuffix(path.Base(key), ".json"),
		Messages:      []Message{},
	}
}

func (d *SessionDocument) Kind() DocumentKind { return KindSession }

func (d *SessionDocument) Clone() Document {
	out := *d
	out.Messages = append([]Message(nil), d.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if d.EndTime != nil {
		t := *d.EndTime
		out.EndTime = &t
	}
	if d.DurationSeconds != nil {
		v := *d.DurationSeconds
		out.DurationSeconds = &v
	}
	if d.TotalMessages != nil {
		v := *d.TotalMessages
		out.TotalMessages = &v
	}
	return &out
}

func (d *SessionDocument) AppendMessages(msgs ...Message) {
	d.Messages = append(d.Messages, msgs...)
}

func (d *SessionDocument) MessageCount() int { return len(d.Messages) }

// Finalize stamps end metadata.
func (d *SessionDocument) Finalize(end time.Time, dur time.Duration) {
	secs := int64(dur / time.Second)
	total := len(d.Messages)
	d.EndTime = &end
	d.Duration = dur.Round(time.Second).String()
	d.DurationSeconds = &secs
	d.TotalMessages = &total
}

// SessionKey derives the transcript key from email and creation time. attempt > 1 appends a
// numeric suffix to break same-second collisions.
func SessionKey(email string, created time.Time, attempt int) string {
	base := utils.SafeEmail(email) + "_" + created.UTC().Format(keyTimeLayout)
	if attempt > 1 {
		base = fmt.Sprintf("%s_%d", base, attempt)
	}
	return SessionPrefix + "/" + base + ".json"
}

// SummaryKey derives the counseling summary key.
func SummaryKey(email string, saved time.Time, attempt int) string {
	base := utils.SafeEmail(email) + "_" + saved.UTC().Format(keyTimeLayout)
	if attempt > 1 {
		base = fmt.Sprintf("%s_%d", base, attempt)
	}
	return SummaryPrefix + "/" + base + "_summary.json"
}

// summaryKeyTail is what follows SummaryKeyPrefix in a key written by SummaryKey.
var summaryKeyTail = regexp.MustCompile(`^\d{8}_\d{6}(_\d+)?_summary\.json$`)

// IsSummaryKeyFor reports whether key is a summary key of email. A prefix match alone is
// not enough: a_at_x_com_ is also a prefix of a_at_x_com_au_.
func IsSummaryKeyFor(email, key string) bool {
	tail, ok := strings.CutPrefix(key, SummaryKeyPrefix(email))
	return ok && summaryKeyTail.MatchString(tail)
}

// SummaryKeyPrefix is the listing prefix for every summary of one email. Filter listings
// through IsSummaryKeyFor.
func SummaryKeyPrefix(email string) string {
	return SummaryPrefix + "/" + utils.SafeEmail(email) + "_"
}
