package pipeline

import (
	"strings"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/aggregate"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/lineproto"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/units"
)

// Field names and fixed tag values of the emitted points.
const (
	fieldInt   = "value_int"
	fieldFloat = "value"

	allFilesystems = "all_fs"
	allClusters    = "all"
)

// pointBuilder accumulates points for one cycle. Encoding failures are kept
// and reported by the caller; the remaining points are still shipped.
type pointBuilder struct {
	ts     int64
	points []lineproto.Point
	errs   []error
}

func (b *pointBuilder) add(measurement string, tags []lineproto.Tag, field lineproto.Field) {
	p, err := lineproto.Encode(measurement, tags, []lineproto.Field{field}, b.ts)
	if err != nil {
		b.errs = append(b.errs, err)
		return
	}
	b.points = append(b.points, p)
}

func (b *pointBuilder) addInt(measurement string, tags []lineproto.Tag, v int64) {
	b.add(measurement, tags, lineproto.Int(fieldInt, v))
}

func (b *pointBuilder) addFloat(measurement string, tags []lineproto.Tag, v float64) {
	b.add(measurement, tags, lineproto.Float(fieldFloat, v))
}

// perfPoints emits one point per counter, tagged hostname, fs, cluster.
// Global records use fs=all_fs and cluster=all.
func (b *pointBuilder) perfPoints(perf []models.PerfRecord) {
	for _, p := range perf {
		fs, cluster := p.Filesystem, p.Cluster
		if p.IsGlobal() {
			fs, cluster = allFilesystems, allClusters
		}
		tags := []lineproto.Tag{
			{Key: "hostname", Value: p.Hostname},
			{Key: "fs", Value: fs},
			{Key: "cluster", Value: cluster},
		}
		counters := []struct {
			measurement string
			value       int64
		}{
			{"megabytes_read", units.BytesToMegabytes(p.BytesRead)},
			{"megabytes_written", units.BytesToMegabytes(p.BytesWritten)},
			{"open_call_requests", p.OpenCalls},
			{"close_call_requests", p.CloseCalls},
			{"app_read_requests", p.ReadCalls},
			{"app_write_requests", p.WriteCalls},
			{"readdir_call_requests", p.ReaddirCalls},
			{"inodes_updates", p.InodeUpdates},
		}
		for _, c := range counters {
			b.addInt(c.measurement, tags, c.value)
		}
	}
}

// groupedInt emits one point per group, tagged cluster then the group tag.
func (b *pointBuilder) groupedInt(measurement, cluster, tagKey string, groups models.AggregationResult[int64]) {
	for _, g := range groups {
		b.addInt(measurement, []lineproto.Tag{{Key: "cluster", Value: cluster}, {Key: tagKey, Value: g.Key}}, g.Value)
	}
}

func (b *pointBuilder) groupedFloat(measurement, cluster, tagKey string, groups models.AggregationResult[float64]) {
	for _, g := range groups {
		b.addFloat(measurement, []lineproto.Tag{{Key: "cluster", Value: cluster}, {Key: tagKey, Value: g.Key}}, g.Value)
	}
}

// jobPoints emits the per user, project and queue aggregations over qstat's
// job list, followed by the cluster totals.
func (b *pointBuilder) jobPoints(cluster string, jobs []models.JobRecord) {
	b.groupedInt("slots", cluster, "user", aggregate.SlotsBy(jobs, aggregate.ByUser))
	b.groupedInt("slots", cluster, "project", aggregate.SlotsBy(jobs, aggregate.ByProject))
	b.groupedInt("slots", cluster, "queue", aggregate.SlotsBy(jobs, aggregate.ByQueue))
	b.groupedInt("jobs", cluster, "user", aggregate.RunningJobsBy(jobs, aggregate.ByUser))
	b.groupedInt("jobs", cluster, "project", aggregate.RunningJobsBy(jobs, aggregate.ByProject))
	b.groupedInt("jobs", cluster, "queue", aggregate.RunningJobsBy(jobs, aggregate.ByQueue))
	b.groupedInt("reserved_mem", cluster, "user", aggregate.ReservedMemoryByUser(jobs))
	b.groupedFloat("io", cluster, "user", aggregate.IOByUser(jobs))

	t := aggregate.ComputeTotals(jobs)
	tags := []lineproto.Tag{{Key: "cluster", Value: cluster}}
	b.addInt("total_jobs", tags, t.RunningJobs)
	b.addInt("total_slots", tags, t.UsedSlots)
	b.addInt("jobs_waiting", tags, t.WaitingJobs)
	b.addInt("total_reserved_mem", tags, t.ReservedMemoryMB)
	b.addFloat("total_io", tags, t.IOUsage)
}

// usagePoints emits resident memory per user with running jobs and the
// cluster-wide current and peak RSS.
func (b *pointBuilder) usagePoints(cluster string, jobs []models.JobRecord, usage []models.JobUsageRecord) {
	b.groupedInt("used_mem", cluster, "user", aggregate.UsedRSSByUser(jobs, usage))

	var rss, maxRSS int64
	for _, u := range usage {
		if u.ResidentSetMB != nil {
			rss += *u.ResidentSetMB
		}
		if u.MaxResidentSetMB != nil {
			maxRSS += *u.MaxResidentSetMB
		}
	}
	tags := []lineproto.Tag{{Key: "cluster", Value: cluster}}
	b.addInt("total_used_rss", tags, rss)
	b.addInt("total_max_rss", tags, maxRSS)
}

// hostPoints emits used memory and swap per execution host, named by its
// short host name.
func (b *pointBuilder) hostPoints(cluster string, hosts []models.HostRecord) {
	short := make([]models.HostRecord, len(hosts))
	for i, h := range hosts {
		short[i] = h
		short[i].Hostname = shortHostname(h.Hostname)
	}
	b.groupedInt("qhost_used_mem", cluster, "hostname", aggregate.UsedMemoryByHost(short))
	b.groupedInt("qhost_used_swap", cluster, "hostname", aggregate.UsedSwapByHost(short))
}

func shortHostname(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
