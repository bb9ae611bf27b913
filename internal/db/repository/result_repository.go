package repository

import (
	"context"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultRepository is the history sink for calculation results
type ResultRepository interface {
	Repository
	Upsert(ctx context.Context, results []models.CalculationResult) error
	History(ctx context.Context, tagID string, start, end time.Time, limit int) ([]models.CalculationResult, error)
	Latest(ctx context.Context) ([]models.CalculationResult, error)
	Window(ctx context.Context, tagIDs []string, since, until time.Time) ([]float64, error)
}

// resultRepository implements ResultRepository
type resultRepository struct {
	BaseRepository
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *gorm.DB, timeout time.Duration) ResultRepository {
	return &resultRepository{
		BaseRepository: NewBaseRepository(db, timeout),
	}
}

// Upsert appends results, overwriting any row with the same time and tag
func (r *resultRepository) Upsert(ctx context.Context, results []models.CalculationResult) error {
	if len(results) == 0 {
		return nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "time"}, {Name: "virtual_tag_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "label", "quality", "error_message", "duration_ms"}),
	}).CreateInBatches(&results, 100).Error
	return r.handleError(err)
}

// History retrieves results of one tag in [start, end], newest first
func (r *resultRepository) History(ctx context.Context, tagID string, start, end time.Time, limit int) ([]models.CalculationResult, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	query := db.Where("virtual_tag_id = ? AND time >= ? AND time <= ?", tagID, start.UTC(), end.UTC())
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []models.CalculationResult
	if err := query.Order("time desc").Find(&results).Error; err != nil {
		return nil, r.handleError(err)
	}
	return results, nil
}

// Latest returns the newest result of every tag that has one
func (r *resultRepository) Latest(ctx context.Context) ([]models.CalculationResult, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	newest := db.Model(&models.CalculationResult{}).
		Select("virtual_tag_id, MAX(time) AS max_time").
		Group("virtual_tag_id")

	var results []models.CalculationResult
	err := db.Table("virtual_tag_results AS r").
		Select("r.*").
		Joins("JOIN (?) AS m ON r.virtual_tag_id = m.virtual_tag_id AND r.time = m.max_time", newest).
		Order("r.virtual_tag_id asc").
		Find(&results).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return results, nil
}

// Window returns every non-null value of the given tags newer than since
// and, unless until is zero, older than until
func (r *resultRepository) Window(ctx context.Context, tagIDs []string, since, until time.Time) ([]float64, error) {
	values := []float64{}
	if len(tagIDs) == 0 {
		return values, nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	query := db.Model(&models.CalculationResult{}).
		Where("virtual_tag_id IN ? AND time > ? AND value IS NOT NULL", tagIDs, since.UTC())
	if !until.IsZero() {
		query = query.Where("time < ?", until.UTC())
	}
	if err := query.Pluck("value", &values).Error; err != nil {
		return nil, r.handleError(err)
	}
	return values, nil
}
