// Package pipeline runs one collection cycle: query the sources, normalize,
// aggregate, encode, deliver, and reset mmpmon's counters when the delivered
// points carried them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/collector"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/normalize"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/reset"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/sender"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/telemetry"
)

// sourceOrder fixes the order in which records enter normalization and
// therefore the order of the emitted points.
var sourceOrder = []string{
	collector.SourceMmpmonIO,
	collector.SourceMmpmonFSIO,
	collector.SourceQstatJobs,
	collector.SourceQstatUsage,
	collector.SourceQhost,
}

// ErrNoData is returned when a cycle produced no points at all.
var ErrNoData = errors.New("no data collected")

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Registry *collector.Registry
	Sink     sender.Sink

	// Resetter zeroes the cumulative counters. Nil disables resets.
	Resetter reset.Resetter

	Coordinator *reset.Coordinator
	Metrics     *telemetry.Metrics
}

// Pipeline runs collection cycles. Cycles must not overlap.
type Pipeline struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    *collector.Registry
	normalizer  *normalize.Normalizer
	sink        sender.Sink
	resetter    reset.Resetter
	coordinator *reset.Coordinator
	metrics     *telemetry.Metrics
}

// New creates a Pipeline. A nil Coordinator or Metrics is replaced by a
// fresh one.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Pipeline {
	coordinator := deps.Coordinator
	if coordinator == nil {
		coordinator = reset.NewCoordinator(logger)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Pipeline{
		cfg:         cfg,
		logger:      logger.Named("pipeline"),
		registry:    deps.Registry,
		normalizer:  normalize.New(cfg.GridEngine.MemoryComplex),
		sink:        deps.Sink,
		resetter:    deps.Resetter,
		coordinator: coordinator,
		metrics:     metrics,
	}
}

// Report summarises a cycle.
type Report struct {
	Points        int
	Dropped       int
	FailedSources []string
	Delivered     bool
	Reset         bool
}

// RunCycle performs one cycle stamped with now. Failed sources only disable
// the points that depend on them; the error is non-nil when nothing could be
// collected or the delivery failed.
func (p *Pipeline) RunCycle(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	var report Report

	results := p.registry.CollectAll(ctx)
	for name := range results.Errors {
		report.FailedSources = append(report.FailedSources, name)
		p.metrics.SourceFailed(name)
	}
	sort.Strings(report.FailedSources)

	var raws []models.RawRecord
	for _, name := range sourceOrder {
		raws = append(raws, results.Records[name]...)
	}

	batch, err := p.normalizer.All(raws)
	perfComplete := true
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			report.Dropped = len(merr.Errors)
			for _, e := range merr.Errors {
				p.logger.Warn("Dropped record", zap.Error(e))
				var rerr *normalize.RecordError
				if errors.As(e, &rerr) && isPerf(rerr.Origin) {
					perfComplete = false
				}
			}
		}
		p.metrics.AddDropped(report.Dropped)
	}

	b := &pointBuilder{ts: now.Unix()}
	b.perfPoints(batch.Perf)
	if len(b.errs) > 0 {
		perfComplete = false
	}

	// mmpmon's reset zeroes every counter; arm it only when all of them were
	// read and encoded.
	cumulative := len(batch.Perf) > 0 && perfComplete &&
		!results.Failed(collector.SourceMmpmonIO) &&
		!results.Failed(collector.SourceMmpmonFSIO)
	resetsEnabled := p.resetter != nil && p.cfg.GPFS.ResetCounters

	cluster := p.cfg.GridEngine.Cell
	jobsOK := p.cfg.GridEngine.Enabled && !results.Failed(collector.SourceQstatJobs)
	if jobsOK {
		b.jobPoints(cluster, batch.Jobs)
	}
	if jobsOK && !results.Failed(collector.SourceQstatUsage) {
		b.usagePoints(cluster, batch.Jobs, batch.Usage)
	}
	if p.cfg.GridEngine.Enabled && !results.Failed(collector.SourceQhost) {
		b.hostPoints(cluster, batch.Hosts)
	}
	for _, e := range b.errs {
		p.logger.Warn("Skipped point", zap.Error(e))
	}

	report.Points = len(b.points)
	if report.Points == 0 {
		p.coordinator.Observe(false, false)
		p.finish(telemetry.ResultFailed, start, now)
		return report, p.noDataError(results)
	}

	err = p.sink.Deliver(ctx, b.points)
	report.Delivered = err == nil
	p.coordinator.Observe(report.Delivered, resetsEnabled && cumulative)
	if err != nil {
		p.logger.Error("Delivery failed", zap.Int("points", report.Points), zap.Error(err))
		p.finish(telemetry.ResultFailed, start, now)
		return report, err
	}
	p.metrics.AddPoints(report.Points)

	if resetsEnabled && p.coordinator.Cycle().Reset {
		resetErr := p.coordinator.Fire(ctx, p.resetter)
		p.metrics.ObserveReset(resetErr)
		report.Reset = resetErr == nil
	}

	result := telemetry.ResultOK
	if len(report.FailedSources) > 0 || report.Dropped > 0 {
		result = telemetry.ResultPartial
	}
	p.finish(result, start, now)

	p.logger.Info("Cycle complete",
		zap.Int("points", report.Points),
		zap.Int("dropped", report.Dropped),
		zap.Strings("failed_sources", report.FailedSources),
		zap.Bool("reset", report.Reset))
	return report, nil
}

func isPerf(o models.Origin) bool {
	return o == models.OriginPerfGlobal || o == models.OriginPerfFS
}

func (p *Pipeline) finish(result string, start, now time.Time) {
	p.metrics.ObserveCycle(result, time.Since(start), now)
}

func (p *Pipeline) noDataError(results collector.Results) error {
	var errs *multierror.Error
	for _, e := range results.Errors {
		errs = multierror.Append(errs, e)
	}
	if errs == nil {
		return ErrNoData
	}
	return fmt.Errorf("%w: %v", ErrNoData, errs.ErrorOrNil())
}
