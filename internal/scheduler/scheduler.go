// Package scheduler runs collection cycles on a cron schedule.
// It does not know what a cycle does; it invokes a callback and never lets
// two invocations overlap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CycleFunc runs one cycle stamped with now.
type CycleFunc func(ctx context.Context, now time.Time) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a schedule expression. Both five-field cron expressions
// and descriptors such as "@every 1m" or "@hourly" are accepted.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler fires a CycleFunc on a schedule.
type Scheduler struct {
	expr   string
	run    CycleFunc
	logger *zap.Logger
}

// New creates a Scheduler for the given schedule expression.
func New(expr string, run CycleFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		expr:   expr,
		run:    run,
		logger: logger.Named("scheduler"),
	}
}

// Start runs one cycle immediately, then on every tick of the schedule. It
// blocks until ctx is cancelled and waits for a running cycle to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	schedule, err := parser.Parse(s.expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.expr, err)
	}

	clog := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	job := c.Schedule(schedule, cron.FuncJob(func() { s.cycle(ctx) }))

	// Do an initial cycle immediately. It goes through the same chain so a
	// tick arriving while it runs is skipped.
	wrapped := c.Entry(job).WrappedJob
	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		wrapped.Run()
	}()
	c.Start()

	s.logger.Info("Scheduler running", zap.String("schedule", s.expr))
	<-ctx.Done()

	<-c.Stop().Done()
	initial.Wait()
	return nil
}

func (s *Scheduler) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if err := s.run(ctx, now); err != nil {
		s.logger.Error("Cycle failed", zap.Error(err))
		return
	}
	s.logger.Debug("Cycle finished", zap.Duration("elapsed", time.Since(now)))
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
