package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func job(owner, project, queue string, slots int64, state models.JobState) models.JobRecord {
	return models.JobRecord{Owner: owner, Project: project, Queue: queue, Slots: slots, State: state}
}

func kv(key string, v int64) models.KeyValue[int64] { return models.KeyValue[int64]{Key: key, Value: v} }

func TestSlotsByUser_ExcludesNonRunning(t *testing.T) {
	jobs := []models.JobRecord{
		job("alice", "p", "q", 2, models.StateRunning),
		job("alice", "p", "q", 3, models.StateRunning),
		job("bob", "p", "q", 4, models.StateQueuedWaiting),
		job("alice", "p", "q", 5, models.StateRunning),
	}
	got := SlotsBy(jobs, ByUser)
	assert.Equal(t, models.AggregationResult[int64]{kv("alice", 10)}, got)
}

func TestGroupReduce_FirstSeenOrder(t *testing.T) {
	jobs := []models.JobRecord{
		job("carol", "x", "short.q", 1, models.StateRunning),
		job("alice", "y", "long.q", 2, models.StateRunning),
		job("bob", "x", "short.q", 3, models.StateHeldQueuedWaiting),
		job("bob", "z", "short.q", 4, models.StateRunning),
		job("alice", "x", "long.q", 5, models.StateRunning),
	}

	first := SlotsBy(jobs, ByUser)
	second := SlotsBy(jobs, ByUser)
	assert.Equal(t, []string{"carol", "alice", "bob"}, first.Keys())
	assert.Equal(t, first, second)

	assert.Equal(t, models.AggregationResult[int64]{kv("x", 6), kv("y", 2), kv("z", 4)}, SlotsBy(jobs, ByProject))
	assert.Equal(t, models.AggregationResult[int64]{kv("short.q", 5), kv("long.q", 7)}, SlotsBy(jobs, ByQueue))
	assert.Equal(t, models.AggregationResult[int64]{kv("carol", 1), kv("alice", 2), kv("bob", 1)}, RunningJobsBy(jobs, ByUser))
}

func TestGroupReduce_NilFilterAndEmptyInput(t *testing.T) {
	got := GroupReduce([]string{"a", "b", "a"},
		func(s string) string { return s }, nil,
		func(acc int, _ string) int { return acc + 1 }, 0)
	assert.Equal(t, models.AggregationResult[int]{{Key: "a", Value: 2}, {Key: "b", Value: 1}}, got)

	assert.Empty(t, SlotsBy(nil, ByUser))
}

func TestSlotsBy_SkipsEmptyKey(t *testing.T) {
	jobs := []models.JobRecord{job("alice", "", "q", 2, models.StateRunning)}
	assert.Empty(t, SlotsBy(jobs, ByProject))
}

func TestReservedMemoryAndIOByUser(t *testing.T) {
	a := job("alice", "p", "q", 1, models.StateRunning)
	a.ReservedMemoryMB = i64(2048)
	a.IOUsage = f64(0.5)
	b := job("bob", "p", "q", 1, models.StateRunning)
	c := job("alice", "p", "q", 1, models.StateRunning)
	c.ReservedMemoryMB = i64(1024)
	c.IOUsage = f64(1.25)
	d := job("dave", "p", "q", 1, models.StateQueuedWaiting)
	d.ReservedMemoryMB = i64(99999)

	jobs := []models.JobRecord{a, b, c, d}
	assert.Equal(t, models.AggregationResult[int64]{kv("alice", 3072), kv("bob", 0)}, ReservedMemoryByUser(jobs))
	assert.Equal(t, models.AggregationResult[float64]{{Key: "alice", Value: 1.75}, {Key: "bob", Value: 0}}, IOByUser(jobs))
}

func TestUsedRSSByUser_JoinsOnJobNumber(t *testing.T) {
	a := job("alice", "p", "q", 1, models.StateRunning)
	a.JobNumber = "100"
	b := job("bob", "p", "q", 1, models.StateRunning)
	b.JobNumber = "200"
	w := job("alice", "p", "q", 1, models.StateQueuedWaiting)
	w.JobNumber = "300"

	usage := []models.JobUsageRecord{
		{JobNumber: "100", Owner: "alice", ResidentSetMB: i64(10)},
		{JobNumber: "300", Owner: "alice", ResidentSetMB: i64(1000)}, // not running
		{JobNumber: "", Owner: "alice", ResidentSetMB: i64(5)},       // owner fallback
		{JobNumber: "200", Owner: "bob"},                             // no rss
		{JobNumber: "400", Owner: "eve", ResidentSetMB: i64(7)},      // no running jobs
	}

	got := UsedRSSByUser([]models.JobRecord{a, b, w}, usage)
	assert.Equal(t, models.AggregationResult[int64]{kv("alice", 15), kv("bob", 0)}, got)
}

func TestUsedRSSByUser_JoinsArrayTasksOnJobID(t *testing.T) {
	running := job("alice", "p", "q", 1, models.StateRunning)
	running.JobNumber, running.JobID = "500", "500.1"
	waiting := job("alice", "p", "q", 1, models.StateQueuedWaiting)
	waiting.JobNumber, waiting.JobID = "500", "500.2"
	plain := job("bob", "p", "q", 1, models.StateRunning)
	plain.JobNumber, plain.JobID = "600", "600"

	usage := []models.JobUsageRecord{
		{JobNumber: "500", JobID: "500.1", Owner: "alice", ResidentSetMB: i64(10)},
		{JobNumber: "500", JobID: "500.2", Owner: "alice", ResidentSetMB: i64(1000)}, // sibling task not running
		{JobNumber: "500", JobID: "500.3", Owner: "alice", ResidentSetMB: i64(100)},  // task unknown
		{JobNumber: "600", JobID: "600.1", Owner: "bob", ResidentSetMB: i64(20)},     // no task ids on job side
	}

	got := UsedRSSByUser([]models.JobRecord{running, waiting, plain}, usage)
	assert.Equal(t, models.AggregationResult[int64]{kv("alice", 10), kv("bob", 20)}, got)
}

func TestUsedRSSByUser_OwnerOnlyWhenJobsLackNumbers(t *testing.T) {
	jobs := []models.JobRecord{job("alice", "p", "q", 1, models.StateRunning)}
	usage := []models.JobUsageRecord{
		{JobNumber: "1", Owner: "alice", ResidentSetMB: i64(3)},
		{JobNumber: "2", Owner: "alice", ResidentSetMB: i64(4)},
	}
	assert.Equal(t, models.AggregationResult[int64]{kv("alice", 7)}, UsedRSSByUser(jobs, usage))
}

func TestHostAggregations_OmitSentinels(t *testing.T) {
	hosts := []models.HostRecord{
		{Hostname: "node01", UsedMemoryMB: i64(100), UsedSwapMB: i64(1)},
		{Hostname: "node02"},
		{Hostname: "node03", UsedMemoryMB: i64(300)},
	}
	assert.Equal(t, models.AggregationResult[int64]{kv("node01", 100), kv("node03", 300)}, UsedMemoryByHost(hosts))
	assert.Equal(t, models.AggregationResult[int64]{kv("node01", 1)}, UsedSwapByHost(hosts))

	_, ok := UsedMemoryByHost(hosts).Lookup("node02")
	assert.False(t, ok)
}

func TestComputeTotals(t *testing.T) {
	a := job("alice", "p", "q", 4, models.StateRunning)
	a.IOUsage = f64(0.5)
	a.ReservedMemoryMB = i64(100)
	jobs := []models.JobRecord{
		a,
		job("bob", "p", "q", 2, models.StateRunning),
		job("bob", "p", "q", 8, models.StateQueuedWaiting),
		job("bob", "p", "q", 8, models.StateHeldQueuedWaiting),
		job("bob", "p", "q", 8, models.StateOther),
	}
	got := ComputeTotals(jobs)
	require.Equal(t, Totals{RunningJobs: 2, UsedSlots: 6, WaitingJobs: 2, IOUsage: 0.5, ReservedMemoryMB: 100}, got)
}
