package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksys/vtag-engine/internal/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BatchRunner runs one scheduler pass for a tick
type BatchRunner interface {
	RunBatch(ctx context.Context, tick time.Time) (*BatchReport, error)
}

// Trigger fires batches on a fixed cadence. Ticks are truncated to the
// cadence so a retried tick is the same tick.
type Trigger struct {
	runner   BatchRunner
	interval time.Duration
	logger   *utils.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	startup sync.WaitGroup
}

// NewTrigger creates a stopped trigger
func NewTrigger(runner BatchRunner, interval time.Duration, logger *utils.Logger) *Trigger {
	return &Trigger{
		runner:   runner,
		interval: interval,
		logger:   logger.Named("trigger"),
		now:      time.Now,
	}
}

// Start schedules the cadence. With runNow a batch also fires immediately.
func (t *Trigger) Start(ctx context.Context, runNow bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron != nil {
		return fmt.Errorf("trigger already started")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	logger := cronLogger{t.logger}
	t.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))

	spec := fmt.Sprintf("@every %s", t.interval)
	if _, err := t.cron.AddFunc(spec, func() { t.fire(t.ctx) }); err != nil {
		t.cancel()
		t.cron = nil
		return fmt.Errorf("failed to schedule trigger %q: %w", spec, err)
	}
	t.cron.Start()

	if runNow {
		t.startup.Add(1)
		go func() {
			defer t.startup.Done()
			t.fire(t.ctx)
		}()
	}

	t.logger.Info("Trigger started", zap.Duration("interval", t.interval))
	return nil
}

// Fire runs a batch for the current tick and returns its report
func (t *Trigger) Fire(ctx context.Context) (*BatchReport, error) {
	return t.runner.RunBatch(ctx, t.Tick())
}

// Tick returns the current time truncated to the cadence
func (t *Trigger) Tick() time.Time {
	return t.now().UTC().Truncate(t.interval)
}

func (t *Trigger) fire(ctx context.Context) {
	tick := t.Tick()
	_, err := t.runner.RunBatch(ctx, tick)
	switch {
	case err == nil:
	case errors.Is(err, ErrBatchInProgress):
		t.logger.Warn("Previous batch still running, skipping tick", zap.Time("tick", tick))
	default:
		t.logger.Error("Batch failed", zap.Time("tick", tick), zap.Error(err))
	}
}

// Stop stops the cadence and waits for a running batch to finish
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
	t.startup.Wait()
	t.cancel()
	t.cron = nil
	t.logger.Info("Trigger stopped")
}

// cronLogger adapts the zap logger to cron.Logger
type cronLogger struct {
	logger *utils.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
