// GPFS I/O counters from mmpmon's parseable (-p) output.
package collector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/models"
)

// MmpmonRequest is the mmpmon request a source issues.
type MmpmonRequest string

const (
	// RequestIO asks for counters across all filesystems.
	RequestIO MmpmonRequest = "io_s"
	// RequestFSIO asks for counters per mounted filesystem.
	RequestFSIO MmpmonRequest = "fs_io_s"
)

// MmpmonSource queries mmpmon. Each response line looks like
//
//	_io_s_ _n_ 10.0.0.1 _nn_ node1 _rc_ 0 _t_ 1066660148 _tu_ 407431 _br_ 6291456 ...
//
// and becomes one RawRecord keyed by the short codes.
type MmpmonSource struct {
	path    string
	request MmpmonRequest
	runner  CommandRunner

	// hostname is used when a response has no _nn_ field.
	hostname func(ctx context.Context) (string, error)
}

// NewMmpmonSource creates a source issuing request against the mmpmon binary
// at path.
func NewMmpmonSource(path string, request MmpmonRequest, runner CommandRunner) *MmpmonSource {
	return &MmpmonSource{
		path:     path,
		request:  request,
		runner:   runner,
		hostname: localHostname,
	}
}

func localHostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}
	return info.Hostname, nil
}

// Name returns the source identifier.
func (s *MmpmonSource) Name() string { return "mmpmon-" + string(s.request) }

// IsAvailable returns true when the mmpmon binary exists.
func (s *MmpmonSource) IsAvailable() bool { return lookPath(s.path) }

// Collect runs the request and parses every response line of the matching
// type.
func (s *MmpmonSource) Collect(ctx context.Context) ([]models.RawRecord, error) {
	out, err := s.runner.Run(ctx, string(s.request)+"\n", s.path, "-s", "-p")
	if err != nil {
		return nil, err
	}

	origin := models.OriginPerfGlobal
	if s.request == RequestFSIO {
		origin = models.OriginPerfFS
	}
	records, err := parseMmpmon(out, "_"+string(s.request)+"_", origin)
	if err != nil {
		return nil, err
	}

	for i := range records {
		if _, ok := records[i].Fields["_nn_"]; ok {
			continue
		}
		name, err := s.hostname(ctx)
		if err != nil {
			return nil, fmt.Errorf("mmpmon response has no node name and local hostname failed: %w", err)
		}
		records[i].Fields["_nn_"] = name
	}
	return records, nil
}

// Reset zeroes mmpmon's counters.
func (s *MmpmonSource) Reset(ctx context.Context) error {
	out, err := s.runner.Run(ctx, "reset\n", s.path, "-s", "-p")
	if err != nil {
		return err
	}
	// A reset replies "_reset_ ... _rc_ 0 ...".
	records, err := parseMmpmon(out, "_reset_", models.OriginPerfGlobal)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("mmpmon reset: no response")
	}
	return nil
}

// parseMmpmon extracts the lines whose response type is kind. A non-zero
// return code on any such line is an error.
func parseMmpmon(out []byte, kind string, origin models.Origin) ([]models.RawRecord, error) {
	var records []models.RawRecord

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 || tokens[0] != kind {
			continue
		}
		rec := models.NewRawRecord(origin)
		for i := 1; i+1 < len(tokens); i += 2 {
			rec.Fields[tokens[i]] = tokens[i+1]
		}
		if rc, ok := rec.Fields["_rc_"]; ok && rc != "0" {
			return nil, fmt.Errorf("mmpmon %s returned rc=%s", kind, rc)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mmpmon output: %w", err)
	}
	return records, nil
}
