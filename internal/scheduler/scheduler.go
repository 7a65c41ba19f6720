// Package scheduler triggers collection runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/collector"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

// Runner executes one collection.
type Runner interface {
	Run(ctx context.Context, req collector.Request) (procurement.CollectionRun, error)
}

// Config describes the schedule.
type Config struct {
	// Spec is a standard five-field cron expression or an @descriptor.
	Spec string
	// LookbackDays overrides the collection window of scheduled runs.
	LookbackDays int
	// Location is the timezone Spec is evaluated in. Nil means UTC.
	Location *time.Location
}

// Scheduler runs a collection every time Spec fires. A tick that finds a run
// in flight is skipped.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	runner Runner
	cfg    Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses cfg.Spec and registers the collection job. The scheduler does
// not fire until Start.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.LookbackDays <= 0 {
		return nil, fmt.Errorf("scheduler: lookback must be > 0 days, got %d", cfg.LookbackDays)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
	)
	id, err := s.cron.AddFunc(cfg.Spec, s.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("schedule started",
		zap.String("spec", s.cfg.Spec),
		zap.String("location", s.cfg.Location.String()),
		zap.Time("next", s.Next()),
	)
}

// Next reports the next activation, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Stop prevents further ticks, cancels an in-flight scheduled run and waits
// for it to record its outcome.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled run: %w", ctx.Err())
	}
}

// RunOnce performs one scheduled collection with the configured lookback.
func (s *Scheduler) RunOnce(ctx context.Context) (procurement.CollectionRun, error) {
	run, err := s.runner.Run(ctx, collector.Request{
		DateRangeDays: s.cfg.LookbackDays,
		Trigger:       collector.TriggerSchedule,
	})
	if err != nil {
		return run, fmt.Errorf("scheduled collection: %w", err)
	}
	return run, nil
}

func (s *Scheduler) tick() {
	run, err := s.RunOnce(s.ctx)
	switch {
	case errors.Is(err, collector.ErrAlreadyRunning):
		s.logger.Info("scheduled collection skipped", zap.Error(err))
	case err != nil:
		s.logger.Error("scheduled collection failed", zap.Int64("run_id", run.ID), zap.Error(err))
	default:
		s.logger.Info("scheduled collection finished",
			zap.Int64("run_id", run.ID),
			zap.Int("scanned", run.TotalScanned),
			zap.Int("relevant", run.TotalRelevant),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
