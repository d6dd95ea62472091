// Package normalize turns RawRecords extracted from mmpmon, qstat and qhost
// output into typed, validated records.
package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/units"
)

// Raw field names. Scheduler fields are the qstat/qhost XML element names,
// performance fields are mmpmon's -p short codes.
const (
	FieldOwner       = "JB_owner"
	FieldProject     = "JB_project"
	FieldJobNumber   = "JB_job_number"
	FieldTasks       = "tasks"
	FieldQueueName   = "queue_name"
	FieldSlots       = "slots"
	FieldState       = "state"
	FieldIOUsage     = "io_usage"
	RequestedPrefix  = "requested_"
	FieldUsageJobNum = "job_number"
	FieldUsageTask   = "job_task"

	FieldHostname = "hostname"
	FieldMemUsed  = "mem_used"
	FieldSwapUsed = "swap_used"

	FieldPerfHostname = "_nn_"
	FieldPerfCluster  = "_cl_"
	FieldPerfFS       = "_fs_"
	FieldBytesRead    = "_br_"
	FieldBytesWritten = "_bw_"
	FieldOpenCalls    = "_oc_"
	FieldCloseCalls   = "_cc_"
	FieldReadCalls    = "_rdc_"
	FieldWriteCalls   = "_wc_"
	FieldReaddirCalls = "_dir_"
	FieldInodeUpdates = "_iu_"
)

// hostSentinels are qhost placeholders meaning "no value for this host".
var hostSentinels = map[string]bool{"-": true, "0.0": true}

// MissingFieldError is returned when a field required for the record's
// origin is absent.
type MissingFieldError struct {
	Origin models.Origin
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s record: missing field %q", e.Origin, e.Field)
}

// Normalizer converts RawRecords into typed records.
type Normalizer struct {
	// memoryComplex is the Grid Engine complex used for memory
	// reservations, typically h_rss, h_vmem or m_mem_free.
	memoryComplex string
}

// New creates a Normalizer that reads reservations from the given complex.
func New(memoryComplex string) *Normalizer {
	return &Normalizer{memoryComplex: memoryComplex}
}

// Normalize dispatches on the record's origin. The returned value is one of
// models.JobRecord, models.JobUsageRecord, models.HostRecord or
// models.PerfRecord.
func (n *Normalizer) Normalize(raw models.RawRecord) (interface{}, error) {
	switch raw.Origin {
	case models.OriginJob:
		return n.Job(raw)
	case models.OriginJobUsage:
		return n.JobUsage(raw)
	case models.OriginHost:
		return n.Host(raw)
	case models.OriginPerfGlobal, models.OriginPerfFS:
		return n.Perf(raw)
	default:
		return nil, fmt.Errorf("unknown record origin %q", raw.Origin)
	}
}

// Job normalizes a qstat job_list entry.
func (n *Normalizer) Job(raw models.RawRecord) (models.JobRecord, error) {
	var job models.JobRecord

	owner, err := require(raw, FieldOwner)
	if err != nil {
		return job, err
	}
	state, err := require(raw, FieldState)
	if err != nil {
		return job, err
	}
	slotsRaw, err := require(raw, FieldSlots)
	if err != nil {
		return job, err
	}
	slots, err := units.ParseCount(FieldSlots, slotsRaw)
	if err != nil {
		return job, err
	}

	job.Owner = owner
	job.Slots = slots
	job.State = parseState(state)
	job.Project = raw.Fields[FieldProject]
	job.JobNumber = raw.Fields[FieldJobNumber]
	job.JobID = job.JobNumber
	if tasks, ok := raw.Get(FieldTasks); ok && tasks != "" && job.JobID != "" {
		job.JobID += "." + tasks
	}
	if qn, ok := raw.Get(FieldQueueName); ok {
		job.Queue = QueueFromQueueName(qn)
	}

	if v, ok := raw.Get(FieldIOUsage); ok {
		io, err := units.ParseFloat(FieldIOUsage, v)
		if err != nil {
			return job, err
		}
		job.IOUsage = &io
	}

	field := RequestedPrefix + n.memoryComplex
	if v, ok := raw.Get(field); ok {
		perSlot, err := units.ParseSize(v)
		if err != nil {
			return job, &units.UnitConversionError{Field: field, Value: v, Err: err}
		}
		if slots > 0 && perSlot > math.MaxInt64/slots {
			return job, &units.UnitConversionError{
				Field: field,
				Value: v,
				Err:   fmt.Errorf("reservation overflows on %d slots", slots),
			}
		}
		// Reservations are per slot; multiply in bytes before truncating to MB.
		mb := units.BytesToMegabytes(perSlot * slots)
		job.ReservedMemoryMB = &mb
	}

	return job, nil
}

// JobUsage normalizes one qstat -j djob_info element. Memory values arrive
// in bytes and are stored in megabytes.
func (n *Normalizer) JobUsage(raw models.RawRecord) (models.JobUsageRecord, error) {
	var usage models.JobUsageRecord

	owner, err := require(raw, FieldOwner)
	if err != nil {
		return usage, err
	}
	usage.Owner = owner
	usage.JobNumber = raw.Fields[FieldUsageJobNum]
	usage.JobID = JobID(raw.Fields[FieldUsageJobNum], raw.Fields[FieldUsageTask])

	targets := []struct {
		field string
		dst   **int64
	}{
		{"vmem", &usage.VirtualMB},
		{"maxvmem", &usage.MaxVirtualMB},
		{"rss", &usage.ResidentSetMB},
		{"maxrss", &usage.MaxResidentSetMB},
		{"pss", &usage.ProportionalSetMB},
		{"maxpss", &usage.MaxProportionalMB},
		{"smem", &usage.SharedMB},
		{"pmem", &usage.PrivateMB},
		{"swap", &usage.SwappedMB},
	}
	for _, t := range targets {
		v, ok := raw.Get(t.field)
		if !ok {
			continue
		}
		mb, err := units.BytesStringToMegabytes(t.field, v)
		if err != nil {
			return usage, err
		}
		*t.dst = &mb
	}

	return usage, nil
}

// Host normalizes a qhost host entry. Sentinel values leave the field nil.
func (n *Normalizer) Host(raw models.RawRecord) (models.HostRecord, error) {
	var host models.HostRecord

	name, err := require(raw, FieldHostname)
	if err != nil {
		return host, err
	}
	host.Hostname = name

	if host.UsedMemoryMB, err = hostValue(raw, FieldMemUsed); err != nil {
		return host, err
	}
	if host.UsedSwapMB, err = hostValue(raw, FieldSwapUsed); err != nil {
		return host, err
	}
	return host, nil
}

func hostValue(raw models.RawRecord, field string) (*int64, error) {
	v, ok := raw.Get(field)
	if !ok || hostSentinels[v] {
		return nil, nil
	}
	b, err := units.ParseSize(v)
	if err != nil {
		return nil, &units.UnitConversionError{Field: field, Value: v, Err: err}
	}
	mb := units.BytesToMegabytes(b)
	return &mb, nil
}

// Perf normalizes an mmpmon io_s or fs_io_s response.
func (n *Normalizer) Perf(raw models.RawRecord) (models.PerfRecord, error) {
	var perf models.PerfRecord

	host, err := require(raw, FieldPerfHostname)
	if err != nil {
		return perf, err
	}
	perf.Hostname = host

	if raw.Origin == models.OriginPerfFS {
		if perf.Cluster, err = require(raw, FieldPerfCluster); err != nil {
			return perf, err
		}
		if perf.Filesystem, err = require(raw, FieldPerfFS); err != nil {
			return perf, err
		}
	}

	counters := []struct {
		field string
		dst   *int64
	}{
		{FieldBytesRead, &perf.BytesRead},
		{FieldBytesWritten, &perf.BytesWritten},
		{FieldOpenCalls, &perf.OpenCalls},
		{FieldCloseCalls, &perf.CloseCalls},
		{FieldReadCalls, &perf.ReadCalls},
		{FieldWriteCalls, &perf.WriteCalls},
		{FieldReaddirCalls, &perf.ReaddirCalls},
		{FieldInodeUpdates, &perf.InodeUpdates},
	}
	for _, c := range counters {
		v, err := require(raw, c.field)
		if err != nil {
			return perf, err
		}
		if *c.dst, err = units.ParseCount(c.field, v); err != nil {
			return perf, err
		}
	}
	return perf, nil
}

// QueueFromQueueName strips the @host suffix from a queue instance name.
func QueueFromQueueName(queueName string) string {
	queue, _, _ := strings.Cut(queueName, "@")
	return queue
}

// JobID joins a job number and task number; it is empty unless both exist.
func JobID(jobNumber, task string) string {
	if jobNumber == "" || task == "" {
		return ""
	}
	return jobNumber + "." + task
}

func parseState(code string) models.JobState {
	switch code {
	case "r":
		return models.StateRunning
	case "qw":
		return models.StateQueuedWaiting
	case "hqw":
		return models.StateHeldQueuedWaiting
	default:
		return models.StateOther
	}
}

func require(raw models.RawRecord, field string) (string, error) {
	v, ok := raw.Get(field)
	if !ok {
		return "", &MissingFieldError{Origin: raw.Origin, Field: field}
	}
	return v, nil
}

// RecordError wraps the failure of one record passed to All.
type RecordError struct {
	Index  int
	Origin models.Origin
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Batch holds the records that survived normalization, by type.
type Batch struct {
	Jobs  []models.JobRecord
	Usage []models.JobUsageRecord
	Hosts []models.HostRecord
	Perf  []models.PerfRecord
}

// All normalizes every record. Records that fail are dropped and their errors
// are returned together as *RecordError values; the surviving records are
// always returned.
func (n *Normalizer) All(raws []models.RawRecord) (Batch, error) {
	var batch Batch
	var errs *multierror.Error

	for i, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			errs = multierror.Append(errs, &RecordError{Index: i, Origin: raw.Origin, Err: err})
			continue
		}
		switch r := rec.(type) {
		case models.JobRecord:
			batch.Jobs = append(batch.Jobs, r)
		case models.JobUsageRecord:
			batch.Usage = append(batch.Usage, r)
		case models.HostRecord:
			batch.Hosts = append(batch.Hosts, r)
		case models.PerfRecord:
			batch.Perf = append(batch.Perf, r)
		}
	}

	return batch, errs.ErrorOrNil()
}
