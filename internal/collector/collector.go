// Package collector defines the Source interface and the adapters that run
// mmpmon, qstat and qhost and turn their output into RawRecords.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

// Source names.
const (
	SourceMmpmonIO   = "mmpmon-io_s"
	SourceMmpmonFSIO = "mmpmon-fs_io_s"
	SourceQstatJobs  = "qstat-jobs"
	SourceQstatUsage = "qstat-usage"
	SourceQhost      = "qhost"
)

// Source is the interface that all upstream adapters implement. Each source
// runs one external query and extracts a flat field mapping per record; it
// knows nothing about units or aggregation.
type Source interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Collect runs the query and returns one RawRecord per entity.
	Collect(ctx context.Context) ([]models.RawRecord, error)

	// IsAvailable checks if the tool behind this source can be run here.
	// Sources that return false are reported unavailable every cycle.
	IsAvailable() bool
}

// UpstreamUnavailableError means a whole source could not be queried or its
// output could not be parsed.
type UpstreamUnavailableError struct {
	Source string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Timeout bounds each command. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Run executes name with args, feeding stdin when it is not empty.
func (r ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout running %s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("running %s: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// lookPath reports whether a command can be found, either as a path or on
// $PATH.
func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
