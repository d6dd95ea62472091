// Package aggregate groups normalized records by a key and reduces each group
// to a single value. Groups are returned in the order their keys were first
// seen so that identical input produces identical output.
package aggregate

import "github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"

// GroupReduce scans records once. Records rejected by filter are ignored;
// keys with no surviving records never appear in the result.
func GroupReduce[R any, A any](
	records []R,
	keyOf func(R) string,
	filter func(R) bool,
	reduce func(A, R) A,
	initial A,
) models.AggregationResult[A] {
	index := make(map[string]int)
	var result models.AggregationResult[A]

	for _, rec := range records {
		if filter != nil && !filter(rec) {
			continue
		}
		key := keyOf(rec)
		i, ok := index[key]
		if !ok {
			i = len(result)
			index[key] = i
			result = append(result, models.KeyValue[A]{Key: key, Value: initial})
		}
		result[i].Value = reduce(result[i].Value, rec)
	}

	return result
}

// Key selectors.
func ByUser(j models.JobRecord) string    { return j.Owner }
func ByProject(j models.JobRecord) string { return j.Project }
func ByQueue(j models.JobRecord) string   { return j.Queue }

// runningWithKey keeps running jobs whose grouping key is set. An empty key
// cannot be written as a tag value.
func runningWithKey(keyOf func(models.JobRecord) string) func(models.JobRecord) bool {
	return func(j models.JobRecord) bool {
		return j.Running() && keyOf(j) != ""
	}
}

// SlotsBy sums slots of running jobs per key.
func SlotsBy(jobs []models.JobRecord, keyOf func(models.JobRecord) string) models.AggregationResult[int64] {
	return GroupReduce(jobs, keyOf, runningWithKey(keyOf),
		func(acc int64, j models.JobRecord) int64 { return acc + j.Slots }, 0)
}

// RunningJobsBy counts running jobs per key.
func RunningJobsBy(jobs []models.JobRecord, keyOf func(models.JobRecord) string) models.AggregationResult[int64] {
	return GroupReduce(jobs, keyOf, runningWithKey(keyOf),
		func(acc int64, _ models.JobRecord) int64 { return acc + 1 }, 0)
}

// ReservedMemoryByUser sums reserved memory (MB) of running jobs per owner.
// Jobs without a reservation add nothing but still make the user appear.
func ReservedMemoryByUser(jobs []models.JobRecord) models.AggregationResult[int64] {
	return GroupReduce(jobs, ByUser, runningWithKey(ByUser),
		func(acc int64, j models.JobRecord) int64 {
			if j.ReservedMemoryMB != nil {
				acc += *j.ReservedMemoryMB
			}
			return acc
		}, 0)
}

// IOByUser sums the io_usage of running jobs per owner.
func IOByUser(jobs []models.JobRecord) models.AggregationResult[float64] {
	return GroupReduce(jobs, ByUser, runningWithKey(ByUser),
		func(acc float64, j models.JobRecord) float64 {
			if j.IOUsage != nil {
				acc += *j.IOUsage
			}
			return acc
		}, 0)
}

// UsedRSSByUser sums resident memory (MB) per user over the users that have
// running jobs, in the order those users appear in jobs.
//
// When both the usage record and the job list carry a task-level job id the
// join is on that id, so only running tasks count. Otherwise a usage record
// whose job number is known is counted only when that job is running, and
// usage records without a job number fall back to matching on owner alone.
func UsedRSSByUser(jobs []models.JobRecord, usage []models.JobUsageRecord) models.AggregationResult[int64] {
	users := RunningJobsBy(jobs, ByUser)
	running := make(map[string]bool)
	runningTasks := make(map[string]bool)
	withTasks := make(map[string]bool)
	for _, j := range jobs {
		if j.JobNumber == "" {
			continue
		}
		hasTask := j.JobID != "" && j.JobID != j.JobNumber
		if hasTask {
			withTasks[j.JobNumber] = true
		}
		if !j.Running() {
			continue
		}
		running[j.JobNumber] = true
		if hasTask {
			runningTasks[j.JobID] = true
		}
	}

	counted := func(u models.JobUsageRecord) bool {
		if u.JobID != "" && withTasks[u.JobNumber] {
			return runningTasks[u.JobID]
		}
		return u.JobNumber == "" || len(running) == 0 || running[u.JobNumber]
	}

	perUser := GroupReduce(usage,
		func(u models.JobUsageRecord) string { return u.Owner },
		func(u models.JobUsageRecord) bool {
			return u.ResidentSetMB != nil && counted(u)
		},
		func(acc int64, u models.JobUsageRecord) int64 { return acc + *u.ResidentSetMB }, 0)

	result := make(models.AggregationResult[int64], 0, len(users))
	for _, u := range users {
		rss, _ := perUser.Lookup(u.Key)
		result = append(result, models.KeyValue[int64]{Key: u.Key, Value: rss})
	}
	return result
}

// UsedMemoryByHost lists used memory (MB) for hosts that reported a value.
func UsedMemoryByHost(hosts []models.HostRecord) models.AggregationResult[int64] {
	return GroupReduce(hosts,
		func(h models.HostRecord) string { return h.Hostname },
		func(h models.HostRecord) bool { return h.UsedMemoryMB != nil },
		func(acc int64, h models.HostRecord) int64 { return acc + *h.UsedMemoryMB }, 0)
}

// UsedSwapByHost lists used swap (MB) for hosts that reported a value.
func UsedSwapByHost(hosts []models.HostRecord) models.AggregationResult[int64] {
	return GroupReduce(hosts,
		func(h models.HostRecord) string { return h.Hostname },
		func(h models.HostRecord) bool { return h.UsedSwapMB != nil },
		func(acc int64, h models.HostRecord) int64 { return acc + *h.UsedSwapMB }, 0)
}

// Totals are cluster-wide figures over all jobs.
type Totals struct {
	RunningJobs      int64
	UsedSlots        int64
	WaitingJobs      int64
	IOUsage          float64
	ReservedMemoryMB int64
}

// ComputeTotals sums running jobs, their slots, I/O and reserved memory, and
// counts queued (held or not) jobs.
func ComputeTotals(jobs []models.JobRecord) Totals {
	var t Totals
	for _, j := range jobs {
		if j.State.Waiting() {
			t.WaitingJobs++
		}
		if !j.Running() {
			continue
		}
		t.RunningJobs++
		t.UsedSlots += j.Slots
		if j.IOUsage != nil {
			t.IOUsage += *j.IOUsage
		}
		if j.ReservedMemoryMB != nil {
			t.ReservedMemoryMB += *j.ReservedMemoryMB
		}
	}
	return t
}
