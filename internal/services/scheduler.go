package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// ErrBatchInProgress is returned when a batch is requested while another
// one is still running
var ErrBatchInProgress = errors.New("batch already in progress")

// ResultSink persists results, overwriting any row with the same time and tag
type ResultSink interface {
	Upsert(ctx context.Context, results []models.CalculationResult) error
}

// ResultPublisher forwards persisted results downstream
type ResultPublisher interface {
	PublishResults(ctx context.Context, batchID string, results []models.CalculationResult) error
}

// BatchBroadcaster pushes a finished batch to live clients
type BatchBroadcaster interface {
	BroadcastBatch(report *BatchReport)
}

// BatchReport summarizes one scheduler pass
type BatchReport struct {
	ID         string                     `json:"id"`
	Tick       time.Time                  `json:"tick"`
	Evaluated  int                        `json:"evaluated"`
	Qualities  map[string]int             `json:"qualities"`
	DurationMs float64                    `json:"duration_ms"`
	Results    []models.CalculationResult `json:"results"`
}

// scheduledTag is an immutable compiled definition. Changes replace the
// pointer, so running evaluations keep the version they started with.
type scheduledTag struct {
	tag     models.VirtualTag
	program calc.Program
	err     error
}

// Scheduler decides which tags are due, evaluates them on a bounded worker
// pool and persists one result per tag per tick
type Scheduler struct {
	definitions repository.VirtualTagRepository
	sensors     repository.SensorRepository
	results     repository.ResultRepository
	sink        ResultSink
	cache       *LatestCache
	config      *config.EngineConfig
	metrics     *metrics.Collector
	logger      *utils.Logger
	publisher   ResultPublisher
	broadcaster BatchBroadcaster
	compile     func(calc.Definition) (calc.Program, error)
	now         func() time.Time

	mu        sync.RWMutex
	tags      map[string]*scheduledTag
	graph     *calc.Graph
	queue     *DueQueue
	lastBatch *BatchReport

	// batchMu serializes batches; an overlapping trigger is skipped
	batchMu sync.Mutex
}

// NewScheduler creates a scheduler. Call Load before running batches.
func NewScheduler(
	repos *repository.RepositoryFactory,
	cache *LatestCache,
	cfg *config.EngineConfig,
	collector *metrics.Collector,
	logger *utils.Logger,
) *Scheduler {
	return &Scheduler{
		definitions: repos.VirtualTag(),
		sensors:     repos.Sensor(),
		results:     repos.Result(),
		sink:        repos.Result(),
		cache:       cache,
		config:      cfg,
		metrics:     collector,
		logger:      logger.Named("scheduler"),
		compile:     calc.Compile,
		now:         time.Now,
		tags:        make(map[string]*scheduledTag),
		graph:       calc.NewGraph(),
		queue:       NewDueQueue(),
	}
}

// SetPublisher sets where persisted results are forwarded
func (s *Scheduler) SetPublisher(p ResultPublisher) {
	s.publisher = p
}

// SetBroadcaster sets where finished batches are pushed
func (s *Scheduler) SetBroadcaster(b BatchBroadcaster) {
	s.broadcaster = b
}

// Load reads every definition and arms the enabled ones. A tag is due
// immediately when it has no result yet, otherwise at last result + interval.
func (s *Scheduler) Load(ctx context.Context) error {
	tags, err := s.definitions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tags = make(map[string]*scheduledTag, len(tags))
	s.graph = calc.NewGraph()
	s.queue = NewDueQueue()

	for i := range tags {
		var due time.Time
		if last, ok := s.cache.Get(tags[i].ID); ok {
			due = last.Time.Add(tags[i].Interval())
		}
		s.install(tags[i], due)
	}

	s.recordQueued()
	s.logger.Info("Definitions loaded",
		zap.Int("definitions", len(tags)),
		zap.Int("armed", s.queue.Len()))
	return nil
}

// DefinitionChanged installs a created, updated, enabled or disabled
// definition. Enabled tags are armed to run on the next tick.
func (s *Scheduler) DefinitionChanged(tag *models.VirtualTag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.install(*tag, s.now())
	s.recordQueued()
}

// DefinitionRemoved forgets a deleted definition
func (s *Scheduler) DefinitionRemoved(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tags, id)
	s.graph.Remove(id)
	s.queue.Remove(id)
	s.recordQueued()
}

// install must be called with mu held
func (s *Scheduler) install(tag models.VirtualTag, due time.Time) {
	def := tag.Definition()
	if def.MissingPolicy == "" {
		def.MissingPolicy = calc.MissingPolicy(s.config.MissingPolicy)
	}

	entry := &scheduledTag{tag: tag}
	entry.program, entry.err = s.compile(def)
	if entry.err != nil {
		// Stored definitions were valid when saved; keep evaluating so the
		// failure shows up as Error results instead of silence
		s.logger.Warn("Stored definition does not compile",
			zap.String("tag", tag.ID),
			zap.Error(entry.err))
		s.graph.SetEdges(tag.ID, nil)
	} else {
		s.graph.SetEdges(tag.ID, calc.SourceTags(entry.program.Dependencies()))
	}
	s.tags[tag.ID] = entry

	if tag.Enabled {
		s.queue.Schedule(tag.ID, due)
	} else {
		s.queue.Remove(tag.ID)
	}
}

// IsVirtual reports whether id names a known virtual tag
func (s *Scheduler) IsVirtual(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[id]
	return ok
}

// NextDue returns when id will next be evaluated
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.DueAt(id)
}

// LastBatch returns the report of the most recent completed batch
func (s *Scheduler) LastBatch() *BatchReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBatch
}

func (s *Scheduler) newSource() *EngineSource {
	return NewEngineSource(s.sensors, s.results, s.cache, s.IsVirtual, s.now)
}

// RunBatch evaluates every tag due at tick. Each tag is evaluated
// independently; a failing or panicking tag becomes an Error result and the
// rest of the batch continues. Results are written with tick as their time,
// so re-running a tick overwrites instead of duplicating. The latest-value
// cache is updated once, after all results are persisted.
func (s *Scheduler) RunBatch(ctx context.Context, tick time.Time) (*BatchReport, error) {
	if !s.batchMu.TryLock() {
		if s.metrics != nil {
			s.metrics.RecordBatchSkipped()
		}
		return nil, ErrBatchInProgress
	}
	defer s.batchMu.Unlock()

	started := time.Now()
	tick = tick.UTC()
	report := &BatchReport{
		ID:        uuid.NewString(),
		Tick:      tick,
		Qualities: make(map[string]int),
	}
	logger := s.logger.With(zap.String("batch_id", report.ID), zap.Time("tick", tick))

	s.mu.Lock()
	ids := s.queue.PopDue(tick)
	jobs := make(map[string]*scheduledTag, len(ids))
	for _, id := range ids {
		if entry, ok := s.tags[id]; ok && entry.tag.Enabled {
			jobs[id] = entry
		}
	}
	levels := s.graph.Levels(ids)
	s.mu.Unlock()

	source := s.newSource()
	results := make([]models.CalculationResult, 0, len(jobs))
	for _, level := range levels {
		batch := make([]*scheduledTag, 0, len(level))
		for _, id := range level {
			if entry, ok := jobs[id]; ok {
				batch = append(batch, entry)
			}
		}
		for _, r := range s.evaluateLevel(ctx, batch, source, tick) {
			source.Publish(r.VirtualTagID, r.Time, r.Value)
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].VirtualTagID < results[j].VirtualTagID })

	persistErr := s.sink.Upsert(ctx, results)

	s.mu.Lock()
	for id, ran := range jobs {
		// A definition changed mid-batch was already re-armed by install
		if entry, ok := s.tags[id]; !ok || entry != ran || !entry.tag.Enabled {
			continue
		}
		if persistErr != nil {
			// Retry on the next tick
			s.queue.Schedule(id, tick)
		} else {
			s.queue.Schedule(id, tick.Add(ran.tag.Interval()))
		}
	}
	s.recordQueued()
	s.mu.Unlock()

	report.Evaluated = len(results)
	report.Results = results
	for _, r := range results {
		report.Qualities[r.QualityCode().String()]++
	}
	report.DurationMs = float64(time.Since(started).Microseconds()) / 1000

	if s.metrics != nil {
		s.metrics.RecordBatch(tick, len(results), time.Since(started), persistErr)
	}

	if persistErr != nil {
		logger.Error("Failed to persist batch results", zap.Int("results", len(results)), zap.Error(persistErr))
		return report, fmt.Errorf("persist results: %w", persistErr)
	}

	s.cache.Merge(ctx, results)

	s.mu.Lock()
	s.lastBatch = report
	s.mu.Unlock()

	if len(results) > 0 {
		s.publish(ctx, logger, report)
	}

	logger.Info("Batch completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Any("qualities", report.Qualities),
		zap.Float64("duration_ms", report.DurationMs))
	return report, nil
}

// EvaluateNow evaluates one enabled tag immediately, bypassing its cadence.
// With persist the result is stored and folded into the cache.
func (s *Scheduler) EvaluateNow(ctx context.Context, id string, persist bool) (*models.CalculationResult, error) {
	s.mu.RLock()
	entry, ok := s.tags[id]
	s.mu.RUnlock()
	if !ok || !entry.tag.Enabled {
		return nil, fmt.Errorf("%w: %s", calc.ErrDefinitionNotFoundOrDisabled, id)
	}

	result := s.evaluate(ctx, entry, s.newSource(), s.now().UTC())
	if !persist {
		return &result, nil
	}

	if err := s.sink.Upsert(ctx, []models.CalculationResult{result}); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	s.cache.Merge(ctx, []models.CalculationResult{result})
	return &result, nil
}

// evaluateLevel runs one dependency level on the worker pool
func (s *Scheduler) evaluateLevel(ctx context.Context, jobs []*scheduledTag, source *EngineSource, tick time.Time) []models.CalculationResult {
	results := make([]models.CalculationResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	workers := s.config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = s.evaluate(ctx, jobs[i], source, tick)
			}
		}()
	}
	for i := range jobs {
		work <- i
	}
	close(work)
	wg.Wait()

	return results
}

// evaluate produces the classified result of one tag. It never fails.
func (s *Scheduler) evaluate(ctx context.Context, entry *scheduledTag, source *EngineSource, at time.Time) models.CalculationResult {
	started := time.Now()
	out, err := s.run(ctx, entry, source)
	classified := calc.Classify(out, err, calc.Bounds{Min: entry.tag.MinValue, Max: entry.tag.MaxValue})
	took := time.Since(started)

	if s.metrics != nil {
		s.metrics.RecordEvaluation(entry.tag.CalcType, classified.Quality.String(), took)
	}
	if err != nil {
		s.logger.Warn("Evaluation failed",
			zap.String("tag", entry.tag.ID),
			zap.String("calculation_type", entry.tag.CalcType),
			zap.Error(err))
	} else {
		s.logger.Debug("Evaluated",
			zap.String("tag", entry.tag.ID),
			zap.String("quality", classified.Quality.String()),
			zap.Duration("took", took))
	}

	return models.NewCalculationResult(entry.tag.ID, at, classified, took)
}

type runOutcome struct {
	out calc.Outcome
	err error
}

// run evaluates under the per-tag timeout and converts panics to errors
func (s *Scheduler) run(ctx context.Context, entry *scheduledTag, source *EngineSource) (calc.Outcome, error) {
	if entry.err != nil {
		return calc.Outcome{}, entry.err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.EvalTimeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if s.metrics != nil {
					s.metrics.RecordPanic()
				}
				done <- runOutcome{err: fmt.Errorf("evaluation panicked: %v", r)}
			}
		}()
		out, err := entry.program.Evaluate(ctx, source)
		done <- runOutcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if errors.Is(res.err, context.DeadlineExceeded) {
			return calc.Outcome{}, s.timeoutError()
		}
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return calc.Outcome{}, s.timeoutError()
		}
		return calc.Outcome{}, ctx.Err()
	}
}

func (s *Scheduler) timeoutError() error {
	if s.metrics != nil {
		s.metrics.RecordTimeout()
	}
	return fmt.Errorf("%w after %s", calc.ErrEvaluationTimeout, s.config.EvalTimeout)
}

func (s *Scheduler) publish(ctx context.Context, logger *utils.Logger, report *BatchReport) {
	if s.publisher != nil {
		err := s.publisher.PublishResults(ctx, report.ID, report.Results)
		if s.metrics != nil {
			s.metrics.RecordPublished(len(report.Results), err)
		}
		if err != nil {
			logger.Warn("Failed to publish results", zap.Error(err))
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastBatch(report)
	}
}

// recordQueued must be called with mu held
func (s *Scheduler) recordQueued() {
	if s.metrics != nil {
		s.metrics.RecordQueued(s.queue.Len())
	}
}
