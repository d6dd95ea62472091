// Package collector provides a registry for managing sources.
// Sources are registered at startup; each cycle queries them one after
// another.
package collector

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

var errNotAvailable = errors.New("command not found")

// Results holds one cycle's raw records and failures, by source name.
type Results struct {
	Records map[string][]models.RawRecord
	Errors  map[string]error
}

// Failed reports whether the named source produced no usable output.
func (r Results) Failed(name string) bool {
	_, failed := r.Errors[name]
	return failed
}

// Registry manages all registered sources.
type Registry struct {
	sources     []Source
	unavailable []string
	logger      *zap.Logger
}

// NewRegistry creates a new source registry with the given logger.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sources: make([]Source, 0),
		logger:  logger,
	}
}

// Register adds a source if its tool is available on this machine.
// Unavailable sources are logged and reported as failed every cycle, so the
// aggregations depending on them are skipped.
func (r *Registry) Register(s Source) {
	if s.IsAvailable() {
		r.sources = append(r.sources, s)
		r.logger.Info("Registered source", zap.String("name", s.Name()))
	} else {
		r.unavailable = append(r.unavailable, s.Name())
		r.logger.Warn("Source not available, skipping", zap.String("name", s.Name()))
	}
}

// Add registers s without checking availability.
func (r *Registry) Add(s Source) {
	r.sources = append(r.sources, s)
}

// CollectAll runs all registered sources sequentially. A failing source is
// logged and recorded as an UpstreamUnavailableError; the others still run.
func (r *Registry) CollectAll(ctx context.Context) Results {
	results := Results{
		Records: make(map[string][]models.RawRecord),
		Errors:  make(map[string]error),
	}

	for _, name := range r.unavailable {
		results.Errors[name] = &UpstreamUnavailableError{Source: name, Err: errNotAvailable}
	}

	for _, s := range r.sources {
		records, err := s.Collect(ctx)
		if err != nil {
			r.logger.Error("Collection failed",
				zap.String("source", s.Name()),
				zap.Error(err))
			results.Errors[s.Name()] = &UpstreamUnavailableError{Source: s.Name(), Err: err}
			continue
		}
		r.logger.Debug("Collected records",
			zap.String("source", s.Name()),
			zap.Int("records", len(records)))
		results.Records[s.Name()] = records
	}

	return results
}

// Sources returns a copy of all registered sources.
func (r *Registry) Sources() []Source {
	result := make([]Source, len(r.sources))
	copy(result, r.sources)
	return result
}
