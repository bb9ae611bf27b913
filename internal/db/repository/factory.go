package repository

import (
	"time"

	"gorm.io/gorm"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db         *gorm.DB
	timeout    time.Duration
	tagRepo    VirtualTagRepository
	resultRepo ResultRepository
	sensorRepo SensorRepository
}

// NewRepositoryFactory creates a new repository factory. timeout is the
// per-statement deadline; zero uses the default of 30 seconds.
func NewRepositoryFactory(db *gorm.DB, timeout time.Duration) *RepositoryFactory {
	return &RepositoryFactory{
		db:      db,
		timeout: timeout,
	}
}

// VirtualTag returns the virtual tag definition repository
func (f *RepositoryFactory) VirtualTag() VirtualTagRepository {
	if f.tagRepo == nil {
		f.tagRepo = NewVirtualTagRepository(f.db, f.timeout)
	}
	return f.tagRepo
}

// Result returns the calculation result repository
func (f *RepositoryFactory) Result() ResultRepository {
	if f.resultRepo == nil {
		f.resultRepo = NewResultRepository(f.db, f.timeout)
	}
	return f.resultRepo
}

// Sensor returns the raw sensor history repository
func (f *RepositoryFactory) Sensor() SensorRepository {
	if f.sensorRepo == nil {
		f.sensorRepo = NewSensorRepository(f.db, f.timeout)
	}
	return f.sensorRepo
}
