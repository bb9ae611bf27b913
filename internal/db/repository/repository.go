package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
	ErrDatabase     = errors.New("database error")
)

// defaultCommandTimeout matches the deadline the plant deployment uses
const defaultCommandTimeout = 30 * time.Second

// Repository defines the basic repository interface
type Repository interface {
	// GetDB returns the underlying database connection
	GetDB() *gorm.DB
}

// BaseRepository provides common functionality for repositories
type BaseRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *gorm.DB, timeout time.Duration) BaseRepository {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return BaseRepository{db: db, timeout: timeout}
}

// GetDB returns the underlying database connection
func (r *BaseRepository) GetDB() *gorm.DB {
	return r.db
}

// conn returns a session bound to ctx with the command timeout applied
func (r *BaseRepository) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(ctx), cancel
}

// handleError converts GORM errors to repository errors
func (r *BaseRepository) handleError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	default:
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
}
