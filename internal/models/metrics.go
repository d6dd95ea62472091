// Package models defines the record types that flow through a collection
// cycle: raw field mappings from the upstream tools, the normalized records
// built from them, and aggregation results.
package models

// Origin identifies which upstream query produced a RawRecord.
type Origin string

const (
	OriginPerfGlobal Origin = "perf-global"
	OriginPerfFS     Origin = "perf-fs"
	OriginJob        Origin = "job"
	OriginJobUsage   Origin = "job-usage"
	OriginHost       Origin = "host"
)

// RawRecord is a flat field name → raw string value mapping extracted from
// tool output. It lives for one cycle.
type RawRecord struct {
	Origin Origin
	Fields map[string]string
}

// NewRawRecord creates an empty RawRecord for the given origin.
func NewRawRecord(origin Origin) RawRecord {
	return RawRecord{Origin: origin, Fields: make(map[string]string)}
}

// Get returns a field value and whether it was present.
func (r RawRecord) Get(field string) (string, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// JobState is the scheduler state of a job, reduced to what aggregation needs.
type JobState int

const (
	StateOther JobState = iota
	StateRunning
	StateQueuedWaiting
	StateHeldQueuedWaiting
)

func (s JobState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateQueuedWaiting:
		return "queued-waiting"
	case StateHeldQueuedWaiting:
		return "held-queued-waiting"
	default:
		return "other"
	}
}

// Waiting reports whether the job is queued, held or not.
func (s JobState) Waiting() bool {
	return s == StateQueuedWaiting || s == StateHeldQueuedWaiting
}

// JobRecord is one row of qstat's job list.
type JobRecord struct {
	JobID     string
	JobNumber string
	Owner     string
	Project   string
	Queue     string
	Slots     int64
	State     JobState

	// ReservedMemoryMB is the requested memory complex multiplied by slots.
	ReservedMemoryMB *int64
	IOUsage          *float64
}

// Running reports whether the job counts towards slot and job aggregations.
func (j JobRecord) Running() bool { return j.State == StateRunning }

// JobUsageRecord is the per-job usage reported by qstat -j. All memory
// values are in megabytes.
type JobUsageRecord struct {
	JobID     string
	JobNumber string
	Owner     string

	ResidentSetMB     *int64
	MaxResidentSetMB  *int64
	VirtualMB         *int64
	MaxVirtualMB      *int64
	ProportionalSetMB *int64
	MaxProportionalMB *int64
	SharedMB          *int64
	PrivateMB         *int64
	SwappedMB         *int64
}

// HostRecord is one execution host from qhost. Fields are nil when qhost
// reported a sentinel instead of a value.
type HostRecord struct {
	Hostname     string
	UsedMemoryMB *int64
	UsedSwapMB   *int64
}

// PerfRecord holds mmpmon's cumulative I/O counters for one node, either
// across all filesystems (global) or for a single filesystem.
type PerfRecord struct {
	Hostname string

	// Cluster and Filesystem are empty for global records.
	Cluster    string
	Filesystem string

	BytesRead    int64
	BytesWritten int64
	OpenCalls    int64
	CloseCalls   int64
	ReadCalls    int64
	WriteCalls   int64
	ReaddirCalls int64
	InodeUpdates int64
}

// IsGlobal reports whether the record covers all filesystems.
func (p PerfRecord) IsGlobal() bool { return p.Filesystem == "" }

// KeyValue is one group of an aggregation.
type KeyValue[V any] struct {
	Key   string
	Value V
}

// AggregationResult holds groups in first-seen key order.
type AggregationResult[V any] []KeyValue[V]

// Keys returns the group keys in order.
func (a AggregationResult[V]) Keys() []string {
	keys := make([]string, len(a))
	for i, kv := range a {
		keys[i] = kv.Key
	}
	return keys
}

// Lookup returns the value for key.
func (a AggregationResult[V]) Lookup(key string) (V, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	var zero V
	return zero, false
}
