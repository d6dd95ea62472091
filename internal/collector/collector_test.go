package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

// fakeRunner returns canned output keyed by "stdin|args".
type fakeRunner struct {
	outputs map[string][]byte
	err     error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, stdin string, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(stdin) + "|" + strings.Join(args, " ")
	f.calls = append(f.calls, name+" "+key)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.outputs[key]
	if !ok {
		return nil, errors.New("unexpected command " + key)
	}
	return out, nil
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestMmpmonSource_Global(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"io_s|-s -p": fixture(t, "mmpmon_io_s.txt")}}
	src := NewMmpmonSource("/usr/lpp/mmfs/bin/mmpmon", RequestIO, runner)
	assert.Equal(t, "mmpmon-io_s", src.Name())

	records, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OriginPerfGlobal, records[0].Origin)
	assert.Equal(t, "gpfs01", records[0].Fields["_nn_"])
	assert.Equal(t, "2147483648", records[0].Fields["_br_"])
	assert.Equal(t, "5", records[0].Fields["_iu_"])
}

func TestMmpmonSource_ByFilesystem(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"fs_io_s|-s -p": fixture(t, "mmpmon_fs_io_s.txt")}}
	records, err := NewMmpmonSource("mmpmon", RequestFSIO, runner).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.OriginPerfFS, records[0].Origin)
	assert.Equal(t, "scratch", records[0].Fields["_fs_"])
	assert.Equal(t, "gpfs.example.org", records[0].Fields["_cl_"])
	assert.Equal(t, "home", records[1].Fields["_fs_"])
}

func TestMmpmonSource_HostnameFallback(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"io_s|-s -p": []byte("_io_s_ _n_ 10.1.0.17 _rc_ 0 _br_ 1 _bw_ 2\n"),
	}}
	src := NewMmpmonSource("mmpmon", RequestIO, runner)
	src.hostname = func(context.Context) (string, error) { return "localnode", nil }

	records, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "localnode", records[0].Fields["_nn_"])
}

func TestMmpmonSource_NonZeroReturnCode(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fs_io_s|-s -p": []byte("_fs_io_s_ _n_ 10.1.0.17 _nn_ gpfs01 _rc_ 1 _t_ 1 _tu_ 2\n"),
	}}
	_, err := NewMmpmonSource("mmpmon", RequestFSIO, runner).Collect(context.Background())
	assert.Error(t, err)
}

func TestMmpmonSource_Reset(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"reset|-s -p": []byte("_reset_ _n_ 10.1.0.17 _nn_ gpfs01 _rc_ 0 _t_ 1700000000 _tu_ 1\n"),
	}}
	src := NewMmpmonSource("mmpmon", RequestIO, runner)
	require.NoError(t, src.Reset(context.Background()))
	assert.Equal(t, []string{"mmpmon reset|-s -p"}, runner.calls)

	empty := &fakeRunner{outputs: map[string][]byte{"reset|-s -p": nil}}
	assert.Error(t, NewMmpmonSource("mmpmon", RequestIO, empty).Reset(context.Background()))
}

func TestQstatJobSource(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"|-ext -g d -u * -r -xml": fixture(t, "qstat_jobs.xml"),
	}}
	records, err := NewQstatJobSource("qstat", runner).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0].Fields
	assert.Equal(t, "4711", first["JB_job_number"])
	assert.Equal(t, "alice", first["JB_owner"])
	assert.Equal(t, "long.q@node01.cluster", first["queue_name"])
	assert.Equal(t, "4", first["slots"])
	assert.Equal(t, "r", first["state"])
	assert.Equal(t, "2G", first["requested_h_rss"])
	assert.Equal(t, "smp", first["requested_pe"])
	assert.Equal(t, "0.25000", first["io_usage"])

	pending := records[2].Fields
	assert.Equal(t, "qw", pending["state"])
	assert.Equal(t, "", pending["queue_name"])
}

func TestQstatUsageSource(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"|-s r -u * -j * -xml": fixture(t, "qstat_usage.xml"),
	}}
	records, err := NewQstatUsageSource("qstat", runner).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, map[string]string{
		"JB_owner":   "alice",
		"job_number": "4711",
		"job_task":   "1",
		"cpu":        "1234.000000",
		"rss":        "2147483648.000000",
		"maxvmem":    "4294967296.000000",
	}, records[0].Fields)
	assert.Equal(t, "2", records[1].Fields["job_task"])
	assert.Equal(t, "1048576.000000", records[1].Fields["rss"])
	assert.Equal(t, map[string]string{"JB_owner": "bob", "job_number": "4712"}, records[2].Fields)
}

func TestQhostSource(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"|-xml": fixture(t, "qhost.xml")}}
	records, err := NewQhostSource("qhost", runner).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "node01.cluster", records[0].Fields["hostname"])
	assert.Equal(t, "120.5G", records[0].Fields["mem_used"])
	assert.Equal(t, "512.0M", records[0].Fields["swap_used"])
	assert.Equal(t, "-", records[1].Fields["mem_used"])
	assert.Equal(t, "0.0", records[1].Fields["swap_used"])
}

func TestParsers_RejectGarbage(t *testing.T) {
	_, err := parseQstatJobs([]byte("error: can't unpack"))
	assert.Error(t, err)
	_, err = parseQhost([]byte("<qhost><host"))
	assert.Error(t, err)
}

type stubSource struct {
	name      string
	available bool
	records   []models.RawRecord
	err       error
}

func (s *stubSource) Name() string      { return s.name }
func (s *stubSource) IsAvailable() bool { return s.available }
func (s *stubSource) Collect(context.Context) ([]models.RawRecord, error) {
	return s.records, s.err
}

func TestRegistry_CollectAll(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&stubSource{name: "ok", available: true, records: []models.RawRecord{models.NewRawRecord(models.OriginHost)}})
	reg.Register(&stubSource{name: "broken", available: true, err: errors.New("boom")})
	reg.Register(&stubSource{name: "missing", available: false})
	assert.Len(t, reg.Sources(), 2)

	res := reg.CollectAll(context.Background())
	assert.Len(t, res.Records["ok"], 1)
	assert.False(t, res.Failed("ok"))

	var uue *UpstreamUnavailableError
	require.ErrorAs(t, res.Errors["broken"], &uue)
	assert.Equal(t, "broken", uue.Source)
	assert.True(t, res.Failed("missing"))
}
