package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/utils"
)

// SummaryRepository catalogs saved counseling summaries for listing and lookup.
type SummaryRepository interface {
	Insert(ctx context.Context, rec *models.SummaryRecord) error
	GetByCareerSessionID(ctx context.Context, careerSessionID string) (*models.SummaryRecord, error)
	ListByEmail(ctx context.Context, email string, limit int) ([]models.SummaryRecord, error)
}

type summaryRepo struct {
	db *gorm.DB
}

func NewSummaryRepo(db *gorm.DB) SummaryRepository {
	return &summaryRepo{db: db}
}

// Insert is idempotent per career session: a retried save replaces the earlier row.
func (r *summaryRepo) Insert(ctx context.Context, rec *models.SummaryRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "career_session_id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

func (r *summaryRepo) GetByCareerSessionID(ctx context.Context, careerSessionID string) (*models.SummaryRecord, error) {
	var row models.SummaryRecord
	err := r.db.WithContext(ctx).
		Where("career_session_id = ?", careerSessionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *summaryRepo) ListByEmail(ctx context.Context, email string, limit int) ([]models.SummaryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := []models.SummaryRecord{}
	err := r.db.WithContext(ctx).
		Where("email = ?", email).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Migrate creates or updates the catalog table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.SummaryRecord{})
}
