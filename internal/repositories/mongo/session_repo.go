package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/utils"
)

const SessionsCollection = "sessions"

// SessionRepository catalogs logging sessions. Transcripts stay in the object store.
type SessionRepository interface {
	Create(ctx context.Context, s *models.SessionRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	End(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int64, totalMessages int) error
	ListByEmail(ctx context.Context, email string, limit int64) ([]models.SessionRecord, error)
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepository {
	return &sessionRepo{col: db.Collection(SessionsCollection)}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.SessionRecord) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = models.SessionStatusActive
	}
	_, err := r.col.InsertOne(ctx, s)
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	var s models.SessionRecord
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) End(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int64, totalMessages int) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{
			"status":           models.SessionStatusEnded,
			"ended_at":         endedAt.UTC(),
			"duration_seconds": durationSeconds,
			"total_messages":   totalMessages,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListByEmail(ctx context.Context, email string, limit int64) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := r.col.Find(ctx, bson.M{"email": email}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []models.SessionRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
