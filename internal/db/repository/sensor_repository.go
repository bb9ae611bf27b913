package repository

import (
	"context"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SensorRepository reads (and, for ingestion, writes) raw sensor history
type SensorRepository interface {
	Repository
	Insert(ctx context.Context, readings []models.SensorReading) error
	Latest(ctx context.Context, tag string) (*models.SensorReading, error)
	Window(ctx context.Context, tags []string, since time.Time) ([]float64, error)
	Tags(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, tag string) (bool, error)
}

// sensorRepository implements SensorRepository
type sensorRepository struct {
	BaseRepository
}

// NewSensorRepository creates a new sensor repository
func NewSensorRepository(db *gorm.DB, timeout time.Duration) SensorRepository {
	return &sensorRepository{
		BaseRepository: NewBaseRepository(db, timeout),
	}
}

// Insert stores readings; a duplicate (time, tag) overwrites the value
func (r *sensorRepository) Insert(ctx context.Context, readings []models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	for i := range readings {
		readings[i].Time = readings[i].Time.UTC()
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "time"}, {Name: "tag_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "quality"}),
	}).CreateInBatches(&readings, 100).Error
	return r.handleError(err)
}

// Latest returns the newest reading of tag
func (r *sensorRepository) Latest(ctx context.Context, tag string) (*models.SensorReading, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var reading models.SensorReading
	err := db.Where("tag_name = ?", tag).Order("time desc").First(&reading).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &reading, nil
}

// Window returns every value of tags newer than since as one multiset
func (r *sensorRepository) Window(ctx context.Context, tags []string, since time.Time) ([]float64, error) {
	values := []float64{}
	if len(tags) == 0 {
		return values, nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Model(&models.SensorReading{}).
		Where("tag_name IN ? AND time > ?", tags, since.UTC()).
		Pluck("value", &values).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return values, nil
}

// Tags lists the distinct tag names present in the history
func (r *sensorRepository) Tags(ctx context.Context) ([]string, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var tags []string
	err := db.Model(&models.SensorReading{}).Distinct("tag_name").Order("tag_name asc").Pluck("tag_name", &tags).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return tags, nil
}

// Exists reports whether tag has ever reported a value
func (r *sensorRepository) Exists(ctx context.Context, tag string) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var count int64
	err := db.Model(&models.SensorReading{}).Where("tag_name = ?", tag).Limit(1).Count(&count).Error
	if err != nil {
		return false, r.handleError(err)
	}
	return count > 0, nil
}
