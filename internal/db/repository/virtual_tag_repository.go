package repository

import (
	"context"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"gorm.io/gorm"
)

// VirtualTagRepository defines operations for managing virtual tag
// definitions and their dependency edges
type VirtualTagRepository interface {
	Repository
	Create(ctx context.Context, tag *models.VirtualTag, deps []models.TagDependency) error
	Update(ctx context.Context, tag *models.VirtualTag, deps []models.TagDependency) error
	GetByID(ctx context.Context, id string) (*models.VirtualTag, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, offset, limit int) ([]models.VirtualTag, int64, error)
	ListAll(ctx context.Context) ([]models.VirtualTag, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error

	// Dependencies
	Dependencies(ctx context.Context, id string) ([]models.TagDependency, error)
	AllDependencies(ctx context.Context) ([]models.TagDependency, error)
	DependencyCounts(ctx context.Context, ids []string) (map[string]int64, error)
	Dependents(ctx context.Context, sourceTag string) ([]string, error)
}

// virtualTagRepository implements VirtualTagRepository
type virtualTagRepository struct {
	BaseRepository
}

// NewVirtualTagRepository creates a new virtual tag repository
func NewVirtualTagRepository(db *gorm.DB, timeout time.Duration) VirtualTagRepository {
	return &virtualTagRepository{
		BaseRepository: NewBaseRepository(db, timeout),
	}
}

// Create inserts a definition together with its dependency edges
func (r *virtualTagRepository) Create(ctx context.Context, tag *models.VirtualTag, deps []models.TagDependency) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Dependencies").Create(tag).Error; err != nil {
			return err
		}
		if len(deps) == 0 {
			return nil
		}
		return tx.Create(&deps).Error
	})
	return r.handleError(err)
}

// Update saves a definition and replaces its dependency edges in the same
// transaction, so the stored edge set always matches the stored config
func (r *virtualTagRepository) Update(ctx context.Context, tag *models.VirtualTag, deps []models.TagDependency) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.VirtualTag{}).Where("id = ?", tag.ID).Select(
			"name", "description", "unit", "calc_type", "config",
			"min_value", "max_value", "update_interval", "missing_policy", "enabled", "updated_at",
		).Updates(tag)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("virtual_tag_id = ?", tag.ID).Delete(&models.TagDependency{}).Error; err != nil {
			return err
		}
		if len(deps) == 0 {
			return nil
		}
		return tx.Create(&deps).Error
	})
	return r.handleError(err)
}

// GetByID retrieves a definition with its dependencies
func (r *virtualTagRepository) GetByID(ctx context.Context, id string) (*models.VirtualTag, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var tag models.VirtualTag
	err := db.Preload("Dependencies", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("source_tag asc")
	}).Where("id = ?", id).First(&tag).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &tag, nil
}

// Exists reports whether a definition with id exists
func (r *virtualTagRepository) Exists(ctx context.Context, id string) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var count int64
	if err := db.Model(&models.VirtualTag{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, r.handleError(err)
	}
	return count > 0, nil
}

// List retrieves a page of definitions ordered by ID
func (r *virtualTagRepository) List(ctx context.Context, offset, limit int) ([]models.VirtualTag, int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var tags []models.VirtualTag
	var total int64

	if err := db.Model(&models.VirtualTag{}).Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	err := db.Order("id asc").Offset(offset).Limit(limit).Find(&tags).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}
	return tags, total, nil
}

// ListAll retrieves every definition, enabled or not
func (r *virtualTagRepository) ListAll(ctx context.Context) ([]models.VirtualTag, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var tags []models.VirtualTag
	if err := db.Order("id asc").Find(&tags).Error; err != nil {
		return nil, r.handleError(err)
	}
	return tags, nil
}

// SetEnabled flips the enabled flag of a definition
func (r *virtualTagRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	result := db.Model(&models.VirtualTag{}).Where("id = ?", id).Updates(map[string]interface{}{
		"enabled":    enabled,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a definition and its dependency edges. Results are kept.
func (r *virtualTagRepository) Delete(ctx context.Context, id string) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("virtual_tag_id = ?", id).Delete(&models.TagDependency{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.VirtualTag{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return r.handleError(err)
}

// Dependencies lists the edges owned by one definition
func (r *virtualTagRepository) Dependencies(ctx context.Context, id string) ([]models.TagDependency, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var deps []models.TagDependency
	if err := db.Where("virtual_tag_id = ?", id).Order("source_tag asc").Find(&deps).Error; err != nil {
		return nil, r.handleError(err)
	}
	return deps, nil
}

// AllDependencies lists every edge, used to build the dependency graph
func (r *virtualTagRepository) AllDependencies(ctx context.Context) ([]models.TagDependency, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var deps []models.TagDependency
	if err := db.Order("virtual_tag_id asc, source_tag asc").Find(&deps).Error; err != nil {
		return nil, r.handleError(err)
	}
	return deps, nil
}

// DependencyCounts returns the number of edges per definition ID
func (r *virtualTagRepository) DependencyCounts(ctx context.Context, ids []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	var rows []struct {
		VirtualTagID string
		Count        int64
	}
	err := db.Model(&models.TagDependency{}).
		Select("virtual_tag_id, COUNT(*) AS count").
		Where("virtual_tag_id IN ?", ids).
		Group("virtual_tag_id").
		Scan(&rows).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	for _, row := range rows {
		counts[row.VirtualTagID] = row.Count
	}
	return counts, nil
}

// Dependents lists the definitions that read sourceTag
func (r *virtualTagRepository) Dependents(ctx context.Context, sourceTag string) ([]string, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var ids []string
	err := db.Model(&models.TagDependency{}).
		Where("source_tag = ?", sourceTag).
		Order("virtual_tag_id asc").
		Pluck("virtual_tag_id", &ids).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return ids, nil
}
