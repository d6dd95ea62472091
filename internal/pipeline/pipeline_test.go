package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/collector"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/lineproto"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/reset"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/sender"
)

var cycleTime = time.Unix(1700000000, 0)

// fixtureRunner serves the collector fixtures keyed by the request piped in
// or, for Grid Engine, by the command name.
type fixtureRunner struct {
	t      *testing.T
	resets int
	failed map[string]bool
}

func (r *fixtureRunner) Run(_ context.Context, stdin string, name string, args ...string) ([]byte, error) {
	var file string
	switch {
	case stdin == "reset\n":
		r.resets++
		return []byte("_reset_ _n_ 10.1.0.17 _nn_ gpfs01 _rc_ 0 _t_ 1700000000 _tu_ 1\n"), nil
	case stdin == "io_s\n":
		file = "mmpmon_io_s.txt"
	case stdin == "fs_io_s\n":
		file = "mmpmon_fs_io_s.txt"
	case name == "qhost":
		file = "qhost.xml"
	case name == "qstat" && args[0] == "-ext":
		file = "qstat_jobs.xml"
	case name == "qstat":
		file = "qstat_usage.xml"
	}
	if r.failed[file] {
		return nil, errors.New("command failed")
	}
	data, err := os.ReadFile(filepath.Join("..", "collector", "testdata", file))
	require.NoError(r.t, err)
	return data, nil
}

// captureSink records delivered batches.
type captureSink struct {
	batches [][]lineproto.Point
	err     error
}

func (s *captureSink) Deliver(_ context.Context, points []lineproto.Point) error {
	if s.err != nil {
		return &sender.DeliveryError{Sink: "capture", Err: s.err}
	}
	s.batches = append(s.batches, points)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) lines() []string {
	var lines []string
	for _, b := range s.batches {
		lines = append(lines, strings.Split(strings.TrimSuffix(string(lineproto.Batch(b)), "\n"), "\n")...)
	}
	return lines
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.GPFS.Enabled = true
	cfg.GridEngine.Enabled = true
	cfg.GridEngine.Cell = "default"
	return cfg
}

type harness struct {
	pipeline    *Pipeline
	runner      *fixtureRunner
	sink        *captureSink
	coordinator *reset.Coordinator
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	runner := &fixtureRunner{t: t, failed: map[string]bool{}}
	logger := zap.NewNop()

	reg := collector.NewRegistry(logger)
	mmpmonIO := collector.NewMmpmonSource("mmpmon", collector.RequestIO, runner)
	for _, s := range []collector.Source{
		mmpmonIO,
		collector.NewMmpmonSource("mmpmon", collector.RequestFSIO, runner),
		collector.NewQstatJobSource("qstat", runner),
		collector.NewQstatUsageSource("qstat", runner),
		collector.NewQhostSource("qhost", runner),
	} {
		reg.Add(s)
	}

	h := &harness{runner: runner, sink: &captureSink{}, coordinator: reset.NewCoordinator(logger)}
	h.pipeline = New(cfg, logger, Deps{
		Registry:    reg,
		Sink:        h.sink,
		Resetter:    mmpmonIO,
		Coordinator: h.coordinator,
	})
	return h
}

func TestRunCycle_EndToEnd(t *testing.T) {
	h := newHarness(t, testConfig())

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.True(t, report.Delivered)
	assert.True(t, report.Reset)
	assert.Empty(t, report.FailedSources)
	assert.Equal(t, 1, h.runner.resets)
	assert.Equal(t, reset.Idle, h.coordinator.State())

	lines := h.sink.lines()
	assert.Equal(t, report.Points, len(lines))

	// Global counters come first, in counter order.
	assert.Equal(t, "megabytes_read,hostname=gpfs01,fs=all_fs,cluster=all value_int=2048i 1700000000", lines[0])
	assert.Equal(t, "megabytes_written,hostname=gpfs01,fs=all_fs,cluster=all value_int=0i 1700000000", lines[1])
	assert.Equal(t, "inodes_updates,hostname=gpfs01,fs=all_fs,cluster=all value_int=5i 1700000000", lines[7])

	expected := []string{
		"megabytes_read,hostname=gpfs01,fs=scratch,cluster=gpfs.example.org value_int=1i 1700000000",
		"megabytes_written,hostname=gpfs01,fs=scratch,cluster=gpfs.example.org value_int=3i 1700000000",
		"slots,cluster=default,user=alice value_int=4i 1700000000",
		"slots,cluster=default,user=bob value_int=1i 1700000000", // pending job not counted
		"slots,cluster=default,project=chem value_int=4i 1700000000",
		"slots,cluster=default,queue=long.q value_int=4i 1700000000",
		"jobs,cluster=default,queue=short.q value_int=1i 1700000000",
		"reserved_mem,cluster=default,user=alice value_int=8192i 1700000000",
		"reserved_mem,cluster=default,user=bob value_int=0i 1700000000",
		"io,cluster=default,user=alice value=0.25 1700000000",
		"io,cluster=default,user=bob value=1.5 1700000000",
		"total_jobs,cluster=default value_int=2i 1700000000",
		"total_slots,cluster=default value_int=5i 1700000000",
		"jobs_waiting,cluster=default value_int=1i 1700000000",
		"total_reserved_mem,cluster=default value_int=8192i 1700000000",
		"total_io,cluster=default value=1.75 1700000000",
		"used_mem,cluster=default,user=alice value_int=2049i 1700000000",
		"used_mem,cluster=default,user=bob value_int=0i 1700000000",
		"total_used_rss,cluster=default value_int=2049i 1700000000",
		"qhost_used_mem,cluster=default,hostname=node01 value_int=123392i 1700000000",
		"qhost_used_swap,cluster=default,hostname=node01 value_int=512i 1700000000",
	}
	for _, want := range expected {
		assert.Contains(t, lines, want)
	}
	for _, line := range lines {
		assert.NotContains(t, line, "node02", "hosts reporting sentinels are omitted")
	}
}

func TestRunCycle_Deterministic(t *testing.T) {
	a := newHarness(t, testConfig())
	b := newHarness(t, testConfig())

	_, err := a.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	_, err = b.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)

	assert.Equal(t, a.sink.lines(), b.sink.lines())
}

func TestRunCycle_DeliveryFailureSkipsReset(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sink.err = errors.New("connection refused")

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	var de *sender.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, report.Delivered)
	assert.False(t, report.Reset)
	assert.Equal(t, 0, h.runner.resets)
	assert.Equal(t, reset.Idle, h.coordinator.State())
}

func TestRunCycle_ResetDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.GPFS.ResetCounters = false
	h := newHarness(t, cfg)

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.False(t, report.Reset)
	assert.Equal(t, 0, h.runner.resets)
	assert.Equal(t, reset.Idle, h.coordinator.State())
}

func TestRunCycle_PartialMmpmonReadSkipsReset(t *testing.T) {
	for _, file := range []string{"mmpmon_io_s.txt", "mmpmon_fs_io_s.txt"} {
		t.Run(file, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.runner.failed[file] = true

			report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
			require.NoError(t, err)
			assert.True(t, report.Delivered)
			assert.Len(t, report.FailedSources, 1)
			assert.False(t, report.Reset)
			assert.Equal(t, 0, h.runner.resets)
			assert.Equal(t, reset.Idle, h.coordinator.State())
		})
	}
}

func TestRunCycle_FailedSourceSkipsDependentPoints(t *testing.T) {
	h := newHarness(t, testConfig())
	h.runner.failed["qstat_usage.xml"] = true

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{collector.SourceQstatUsage}, report.FailedSources)

	lines := h.sink.lines()
	assert.Contains(t, lines, "slots,cluster=default,user=alice value_int=4i 1700000000")
	for _, line := range lines {
		assert.False(t, strings.HasPrefix(line, "used_mem,"), line)
		assert.False(t, strings.HasPrefix(line, "total_used_rss,"), line)
	}
}

func TestRunCycle_GridEngineOnlyDoesNotReset(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.runner.failed["mmpmon_io_s.txt"] = true
	h.runner.failed["mmpmon_fs_io_s.txt"] = true

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.True(t, report.Delivered)
	assert.False(t, report.Reset)
	assert.Equal(t, 0, h.runner.resets)
}

func TestRunCycle_NothingCollected(t *testing.T) {
	h := newHarness(t, testConfig())
	for _, f := range []string{"mmpmon_io_s.txt", "mmpmon_fs_io_s.txt", "qstat_jobs.xml", "qstat_usage.xml", "qhost.xml"} {
		h.runner.failed[f] = true
	}

	report, err := h.pipeline.RunCycle(context.Background(), cycleTime)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Len(t, report.FailedSources, 5)
	assert.Empty(t, h.sink.batches)
}

type countingResetter struct {
	calls int
}

func (r *countingResetter) Reset(context.Context) error {
	r.calls++
	return nil
}

type staticSource struct {
	name    string
	records []models.RawRecord
}

func (s staticSource) Name() string      { return s.name }
func (s staticSource) IsAvailable() bool { return true }
func (s staticSource) Collect(context.Context) ([]models.RawRecord, error) {
	return s.records, nil
}

func TestRunCycle_DropsBadRecords(t *testing.T) {
	good := models.NewRawRecord(models.OriginPerfGlobal)
	for k, v := range map[string]string{
		"_nn_": "gpfs01", "_br_": "2147483648", "_bw_": "0", "_oc_": "0", "_cc_": "0",
		"_rdc_": "0", "_wc_": "0", "_dir_": "0", "_iu_": "0",
	} {
		good.Fields[k] = v
	}
	bad := models.NewRawRecord(models.OriginPerfGlobal)
	bad.Fields["_nn_"] = "gpfs02"

	reg := collector.NewRegistry(zap.NewNop())
	reg.Add(staticSource{name: collector.SourceMmpmonIO, records: []models.RawRecord{bad, good}})

	cfg := testConfig()
	cfg.GridEngine.Enabled = false
	sink := &captureSink{}
	resetter := &countingResetter{}
	p := New(cfg, zap.NewNop(), Deps{Registry: reg, Sink: sink, Resetter: resetter})

	report, err := p.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 8, report.Points)
	assert.Equal(t, "megabytes_read,hostname=gpfs01,fs=all_fs,cluster=all value_int=2048i 1700000000", sink.lines()[0])

	// gpfs02's counters were never shipped, so they must not be zeroed.
	assert.False(t, report.Reset)
	assert.Equal(t, 0, resetter.calls)
}

func TestShortHostname(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"node01.cluster.example.org", "node01"},
		{"node01", "node01"},
		{".weird", ".weird"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shortHostname(tt.in))
	}
}
