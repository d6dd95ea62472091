// Grid Engine job, job usage and host sources built on the -xml output of
// qstat and qhost.
package collector

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

// xmlNode is a generic element; Grid Engine's XML is shallow and loosely
// typed, so it is walked rather than mapped to fixed structs.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n xmlNode) text() string { return strings.TrimSpace(n.Text) }

func (n xmlNode) child(name string) (xmlNode, bool) {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c, true
		}
	}
	return xmlNode{}, false
}

// QstatJobSource lists running and pending jobs with their resource
// requests: qstat -ext -g d -u * -r -xml.
type QstatJobSource struct {
	path   string
	runner CommandRunner
}

// NewQstatJobSource creates a job list source.
func NewQstatJobSource(path string, runner CommandRunner) *QstatJobSource {
	return &QstatJobSource{path: path, runner: runner}
}

// Name returns the source identifier.
func (s *QstatJobSource) Name() string { return SourceQstatJobs }

// IsAvailable returns true when qstat can be found.
func (s *QstatJobSource) IsAvailable() bool { return lookPath(s.path) }

// Collect runs qstat and returns one record per job_list element.
func (s *QstatJobSource) Collect(ctx context.Context) ([]models.RawRecord, error) {
	out, err := s.runner.Run(ctx, "", s.path, "-ext", "-g", "d", "-u", "*", "-r", "-xml")
	if err != nil {
		return nil, err
	}
	return parseQstatJobs(out)
}

func parseQstatJobs(out []byte) ([]models.RawRecord, error) {
	var doc struct {
		QueueInfo struct {
			Jobs []xmlNode `xml:"job_list"`
		} `xml:"queue_info"`
		JobInfo struct {
			Jobs []xmlNode `xml:"job_list"`
		} `xml:"job_info"`
	}
	if err := xml.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parsing qstat xml: %w", err)
	}

	jobs := append(doc.QueueInfo.Jobs, doc.JobInfo.Jobs...)
	records := make([]models.RawRecord, 0, len(jobs))
	for _, job := range jobs {
		rec := models.NewRawRecord(models.OriginJob)
		for _, c := range job.Children {
			switch c.XMLName.Local {
			case "requested_pe", "granted_pe":
				rec.Fields[c.XMLName.Local] = c.attr("name")
			case "hard_request":
				rec.Fields["requested_"+c.attr("name")] = c.text()
			default:
				rec.Fields[c.XMLName.Local] = c.text()
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// QstatUsageSource reads per-task usage: qstat -u * -j * -xml.
type QstatUsageSource struct {
	path   string
	runner CommandRunner
}

// NewQstatUsageSource creates a job usage source.
func NewQstatUsageSource(path string, runner CommandRunner) *QstatUsageSource {
	return &QstatUsageSource{path: path, runner: runner}
}

// Name returns the source identifier.
func (s *QstatUsageSource) Name() string { return SourceQstatUsage }

// IsAvailable returns true when qstat can be found.
func (s *QstatUsageSource) IsAvailable() bool { return lookPath(s.path) }

// Collect runs qstat -j and returns one record per job task.
func (s *QstatUsageSource) Collect(ctx context.Context) ([]models.RawRecord, error) {
	out, err := s.runner.Run(ctx, "", s.path, "-s", "r", "-u", "*", "-j", "*", "-xml")
	if err != nil {
		return nil, err
	}
	return parseQstatUsage(out)
}

func parseQstatUsage(out []byte) ([]models.RawRecord, error) {
	var doc struct {
		DjobInfo struct {
			Elements []xmlNode `xml:"element"`
		} `xml:"djob_info"`
	}
	if err := xml.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parsing qstat -j xml: %w", err)
	}

	var records []models.RawRecord
	for _, el := range doc.DjobInfo.Elements {
		base := map[string]string{}
		if n, ok := el.child("JB_owner"); ok {
			base["JB_owner"] = n.text()
		}
		if n, ok := el.child("JB_job_number"); ok {
			base["job_number"] = n.text()
		}

		var tasks []xmlNode
		collectTasks(el, &tasks)
		if len(tasks) == 0 {
			rec := models.NewRawRecord(models.OriginJobUsage)
			copyFields(rec.Fields, base)
			records = append(records, rec)
			continue
		}
		for _, task := range tasks {
			rec := models.NewRawRecord(models.OriginJobUsage)
			copyFields(rec.Fields, base)
			if n, ok := task.child("JAT_task_number"); ok {
				rec.Fields["job_task"] = n.text()
			}
			if usage, ok := task.child("JAT_scaled_usage_list"); ok {
				for _, ev := range usage.Children {
					name, okName := ev.child("UA_name")
					value, okValue := ev.child("UA_value")
					if okName && okValue {
						rec.Fields[name.text()] = value.text()
					}
				}
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// collectTasks finds the elements describing array tasks, i.e. those with a
// JAT_task_number child, at any depth.
func collectTasks(n xmlNode, tasks *[]xmlNode) {
	for _, c := range n.Children {
		if _, ok := c.child("JAT_task_number"); ok {
			*tasks = append(*tasks, c)
			continue
		}
		collectTasks(c, tasks)
	}
}

func copyFields(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// QhostSource reads execution host load values: qhost -xml.
type QhostSource struct {
	path   string
	runner CommandRunner
}

// NewQhostSource creates a host source.
func NewQhostSource(path string, runner CommandRunner) *QhostSource {
	return &QhostSource{path: path, runner: runner}
}

// Name returns the source identifier.
func (s *QhostSource) Name() string { return SourceQhost }

// IsAvailable returns true when qhost can be found.
func (s *QhostSource) IsAvailable() bool { return lookPath(s.path) }

// Collect runs qhost and returns one record per execution host. The "global"
// pseudo host is skipped. Values are passed through untouched, including the
// "-" placeholder.
func (s *QhostSource) Collect(ctx context.Context) ([]models.RawRecord, error) {
	out, err := s.runner.Run(ctx, "", s.path, "-xml")
	if err != nil {
		return nil, err
	}
	return parseQhost(out)
}

func parseQhost(out []byte) ([]models.RawRecord, error) {
	var doc struct {
		Hosts []xmlNode `xml:"host"`
	}
	if err := xml.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parsing qhost xml: %w", err)
	}

	var records []models.RawRecord
	for _, h := range doc.Hosts {
		name := h.attr("name")
		if name == "" || name == "global" {
			continue
		}
		rec := models.NewRawRecord(models.OriginHost)
		rec.Fields["hostname"] = name
		for _, c := range h.Children {
			if c.XMLName.Local == "hostvalue" {
				rec.Fields[c.attr("name")] = c.text()
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
