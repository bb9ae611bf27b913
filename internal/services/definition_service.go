package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// History query limits
const (
	DefaultHistoryLimit = 1000
	MaxHistoryLimit     = 10000
	DefaultHistorySpan  = 24 * time.Hour
)

var tagIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// DefinitionObserver is told about definition changes so it can re-arm or
// drop scheduled work
type DefinitionObserver interface {
	DefinitionChanged(tag *models.VirtualTag)
	DefinitionRemoved(id string)
}

// DefinitionInput is the mutable part of a virtual tag definition
type DefinitionInput struct {
	Name            string          `json:"name" binding:"required,max=255"`
	Description     string          `json:"description"`
	Unit            string          `json:"unit" binding:"max=50"`
	CalculationType string          `json:"calculation_type" binding:"required,oneof=expression statistical conditional"`
	Config          json.RawMessage `json:"config" binding:"required"`
	MinValue        *float64        `json:"min_value"`
	MaxValue        *float64        `json:"max_value"`
	UpdateInterval  int             `json:"update_interval" binding:"omitempty,min=1,max=86400"`
	MissingPolicy   string          `json:"missing_policy" binding:"omitempty,oneof=zero strict"`
	Enabled         *bool           `json:"enabled"`
}

// CreateDefinitionInput adds the immutable tag ID
type CreateDefinitionInput struct {
	ID string `json:"id" binding:"required,max=100"`
	DefinitionInput
}

// DefinitionSummary is one row of the definition listing
type DefinitionSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Unit            string     `json:"unit,omitempty"`
	CalculationType string     `json:"calculation_type"`
	UpdateInterval  int        `json:"update_interval"`
	Enabled         bool       `json:"enabled"`
	DependencyCount int64      `json:"dependency_count"`
	LastValue       *float64   `json:"last_value"`
	LastLabel       *string    `json:"last_label,omitempty"`
	LastQuality     *string    `json:"last_quality"`
	LastUpdated     *time.Time `json:"last_updated"`
}

// DefinitionService manages virtual tag definitions and their dependency
// edges. Every save re-validates the config, re-extracts dependencies and
// rejects cycles across the whole definition set.
type DefinitionService struct {
	// saveMu serializes graph checks with the writes they guard
	saveMu sync.Mutex

	tags     repository.VirtualTagRepository
	results  repository.ResultRepository
	sensors  repository.SensorRepository
	cache    *LatestCache
	observer DefinitionObserver
	schemas  *utils.JSONSchemaValidator
	config   *config.EngineConfig
	logger   *utils.Logger
	now      func() time.Time
}

// NewDefinitionService creates the service and compiles the config schemas
func NewDefinitionService(
	repos *repository.RepositoryFactory,
	cache *LatestCache,
	observer DefinitionObserver,
	cfg *config.EngineConfig,
	logger *utils.Logger,
) (*DefinitionService, error) {
	schemas := utils.NewJSONSchemaValidator()
	for kind, schema := range calc.ConfigSchemas {
		if err := schemas.LoadSchema(string(kind), schema); err != nil {
			return nil, err
		}
	}

	return &DefinitionService{
		tags:     repos.VirtualTag(),
		results:  repos.Result(),
		sensors:  repos.Sensor(),
		cache:    cache,
		observer: observer,
		schemas:  schemas,
		config:   cfg,
		logger:   logger.Named("definition_service"),
		now:      time.Now,
	}, nil
}

// Create validates and stores a new definition
func (s *DefinitionService) Create(ctx context.Context, in CreateDefinitionInput) (*models.VirtualTag, error) {
	id := strings.TrimSpace(in.ID)
	if !tagIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: id may only contain letters, digits and _ . : -", utils.ErrValidation)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	exists, err := s.tags.Exists(ctx, id)
	if err != nil {
		return nil, s.storageError("check definition", id, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: virtual tag %s", utils.ErrAlreadyExists, id)
	}

	tag := &models.VirtualTag{ID: id, Enabled: true}
	s.apply(tag, in.DefinitionInput)

	deps, err := s.check(ctx, tag)
	if err != nil {
		return nil, err
	}

	if err := s.tags.Create(ctx, tag, models.NewTagDependencies(id, deps)); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: virtual tag %s", utils.ErrAlreadyExists, id)
		}
		return nil, s.storageError("create definition", id, err)
	}

	s.logger.Info("Virtual tag created",
		zap.String("tag", id),
		zap.String("calculation_type", tag.CalcType),
		zap.Strings("sources", calc.SourceTags(deps)))
	s.notifyChanged(tag)
	return tag, nil
}

// Update replaces the mutable fields of a definition. Dependencies are
// re-extracted and swapped in the same transaction.
func (s *DefinitionService) Update(ctx context.Context, id string, in DefinitionInput) (*models.VirtualTag, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.apply(tag, in)

	deps, err := s.check(ctx, tag)
	if err != nil {
		return nil, err
	}

	rows := models.NewTagDependencies(id, deps)
	if err := s.tags.Update(ctx, tag, rows); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: virtual tag %s", utils.ErrNotFound, id)
		}
		return nil, s.storageError("update definition", id, err)
	}
	tag.Dependencies = rows

	s.logger.Info("Virtual tag updated",
		zap.String("tag", id),
		zap.Strings("sources", calc.SourceTags(deps)))
	s.notifyChanged(tag)
	return tag, nil
}

// Get returns a definition with its dependency edges
func (s *DefinitionService) Get(ctx context.Context, id string) (*models.VirtualTag, error) {
	tag, err := s.tags.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: virtual tag %s", utils.ErrNotFound, id)
		}
		return nil, s.storageError("get definition", id, err)
	}
	return tag, nil
}

// Latest returns the cached newest result of a tag
func (s *DefinitionService) Latest(id string) (*models.CalculationResult, bool) {
	r, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	return &r, true
}

// List returns one page of definitions with their last value and
// dependency count
func (s *DefinitionService) List(ctx context.Context, offset, limit int) ([]DefinitionSummary, int64, error) {
	tags, total, err := s.tags.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, s.storageError("list definitions", "", err)
	}

	ids := make([]string, len(tags))
	for i := range tags {
		ids[i] = tags[i].ID
	}
	counts, err := s.tags.DependencyCounts(ctx, ids)
	if err != nil {
		return nil, 0, s.storageError("count dependencies", "", err)
	}

	summaries := make([]DefinitionSummary, len(tags))
	for i := range tags {
		summary := DefinitionSummary{
			ID:              tags[i].ID,
			Name:            tags[i].Name,
			Unit:            tags[i].Unit,
			CalculationType: tags[i].CalcType,
			UpdateInterval:  tags[i].UpdateInterval,
			Enabled:         tags[i].Enabled,
			DependencyCount: counts[tags[i].ID],
		}
		if last, ok := s.cache.Get(tags[i].ID); ok {
			quality := last.QualityCode().String()
			updated := last.Time
			summary.LastValue = last.Value
			summary.LastLabel = last.Label
			summary.LastQuality = &quality
			summary.LastUpdated = &updated
		}
		summaries[i] = summary
	}
	return summaries, total, nil
}

// SetEnabled enables or disables a definition. Disabled tags keep their
// history and dependencies but are no longer scheduled.
func (s *DefinitionService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.VirtualTag, error) {
	if err := s.tags.SetEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: virtual tag %s", utils.ErrNotFound, id)
		}
		return nil, s.storageError("set enabled", id, err)
	}

	tag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Virtual tag enablement changed", zap.String("tag", id), zap.Bool("enabled", enabled))
	s.notifyChanged(tag)
	return tag, nil
}

// Delete removes a definition and its dependency edges. Stored results are
// kept. A tag still read by another definition cannot be deleted.
func (s *DefinitionService) Delete(ctx context.Context, id string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	dependents, err := s.tags.Dependents(ctx, id)
	if err != nil {
		return s.storageError("list dependents", id, err)
	}
	if len(dependents) > 0 {
		return fmt.Errorf("%w: virtual tag %s is read by %s", utils.ErrConflict, id, strings.Join(dependents, ", "))
	}

	if err := s.tags.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: virtual tag %s", utils.ErrNotFound, id)
		}
		return s.storageError("delete definition", id, err)
	}

	s.logger.Info("Virtual tag deleted", zap.String("tag", id))
	if s.observer != nil {
		s.observer.DefinitionRemoved(id)
	}
	s.cache.Forget(id)
	return nil
}

// Dependencies returns the source tags a definition reads
func (s *DefinitionService) Dependencies(ctx context.Context, id string) ([]models.TagDependency, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	deps, err := s.tags.Dependencies(ctx, id)
	if err != nil {
		return nil, s.storageError("list dependencies", id, err)
	}
	return deps, nil
}

// History returns stored results of a tag, newest first. A zero end means
// now, a zero start means one day before end.
func (s *DefinitionService) History(ctx context.Context, id string, start, end time.Time, limit int) ([]models.CalculationResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-DefaultHistorySpan)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: start must not be after end", utils.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	results, err := s.results.History(ctx, id, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, s.storageError("read history", id, err)
	}
	return results, nil
}

// SensorTags lists the raw tag names present in sensor history
func (s *DefinitionService) SensorTags(ctx context.Context) ([]string, error) {
	tags, err := s.sensors.Tags(ctx)
	if err != nil {
		return nil, s.storageError("list sensor tags", "", err)
	}
	return tags, nil
}

func (s *DefinitionService) apply(tag *models.VirtualTag, in DefinitionInput) {
	tag.Name = strings.TrimSpace(in.Name)
	tag.Description = in.Description
	tag.Unit = in.Unit
	tag.CalcType = strings.ToLower(strings.TrimSpace(in.CalculationType))
	tag.Config = models.JSON(in.Config)
	tag.MinValue = in.MinValue
	tag.MaxValue = in.MaxValue

	tag.UpdateInterval = in.UpdateInterval
	if tag.UpdateInterval <= 0 {
		tag.UpdateInterval = s.config.DefaultUpdateInterval
	}

	tag.MissingPolicy = in.MissingPolicy
	if tag.MissingPolicy == "" {
		tag.MissingPolicy = s.config.MissingPolicy
	}

	if in.Enabled != nil {
		tag.Enabled = *in.Enabled
	}
}

// check validates a definition and returns its dependencies. Authoring
// failures wrap utils.ErrValidation together with the calc error that caused
// them; storage failures pass through unchanged.
func (s *DefinitionService) check(ctx context.Context, tag *models.VirtualTag) ([]calc.Dependency, error) {
	if tag.Name == "" {
		return nil, fmt.Errorf("%w: name is required", utils.ErrValidation)
	}

	kind := calc.Kind(tag.CalcType)
	if !kind.Valid() {
		return nil, rejected(fmt.Errorf("%w: unknown calculation type %q", calc.ErrInvalidConfig, tag.CalcType))
	}
	if err := s.schemas.ValidateJSON(string(kind), tag.Config.Raw()); err != nil {
		return nil, fmt.Errorf("%w: %w", calc.ErrInvalidConfig, err)
	}

	program, err := calc.Compile(tag.Definition())
	if err != nil {
		return nil, rejected(err)
	}
	deps := program.Dependencies()

	if s.config.StrictSources {
		if err := s.checkSources(ctx, tag.ID, deps); err != nil {
			return nil, err
		}
	}

	if err := s.checkCycles(ctx, tag.ID, calc.SourceTags(deps)); err != nil {
		return nil, err
	}
	return deps, nil
}

// checkSources requires every source to be a virtual tag or a tag with
// sensor history
func (s *DefinitionService) checkSources(ctx context.Context, id string, deps []calc.Dependency) error {
	var unknown []string
	for _, d := range deps {
		if d.SourceTag == id {
			continue
		}
		virtual, err := s.tags.Exists(ctx, d.SourceTag)
		if err != nil {
			return s.storageError("check source", d.SourceTag, err)
		}
		if virtual {
			continue
		}
		raw, err := s.sensors.Exists(ctx, d.SourceTag)
		if err != nil {
			return s.storageError("check source", d.SourceTag, err)
		}
		if !raw {
			unknown = append(unknown, d.SourceTag)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return rejected(fmt.Errorf("%w: %s", calc.ErrUnknownSource, strings.Join(unknown, ", ")))
	}
	return nil
}

// checkCycles rebuilds the stored dependency graph with id's new edges
func (s *DefinitionService) checkCycles(ctx context.Context, id string, sources []string) error {
	edges, err := s.tags.AllDependencies(ctx)
	if err != nil {
		return s.storageError("load dependency graph", id, err)
	}

	grouped := make(map[string][]string)
	for _, e := range edges {
		if e.VirtualTagID == id {
			continue
		}
		grouped[e.VirtualTagID] = append(grouped[e.VirtualTagID], e.SourceTag)
	}

	graph := calc.NewGraph()
	for tagID, tagSources := range grouped {
		graph.SetEdges(tagID, tagSources)
	}
	graph.SetEdges(id, sources)

	if err := graph.CheckAcyclic(); err != nil {
		return rejected(err)
	}
	return nil
}

// rejected marks an authoring failure as a validation error
func rejected(err error) error {
	if calc.IsAuthoringError(err) {
		return fmt.Errorf("%w: %w", utils.ErrValidation, err)
	}
	return err
}

func (s *DefinitionService) notifyChanged(tag *models.VirtualTag) {
	if s.observer != nil {
		s.observer.DefinitionChanged(tag)
	}
}

func (s *DefinitionService) storageError(op, id string, err error) error {
	s.logger.Error("Definition storage failure",
		zap.String("operation", op),
		zap.String("tag", id),
		zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}
