// Package sender delivers encoded points to the time-series store.
// A delivery is a single attempt: nothing is retried or buffered, the next
// cycle simply ships a fresh snapshot.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/lineproto"
)

// maxErrorBody caps how much of an error response is kept for the log.
const maxErrorBody = 512

// Sink accepts one cycle's points.
type Sink interface {
	// Deliver ships the points. A nil error means the store accepted all of
	// them.
	Deliver(ctx context.Context, points []lineproto.Point) error

	// Close releases connections held by the sink.
	Close() error
}

// DeliveryError means the sink rejected a batch or could not be reached.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// New builds the sink selected in the configuration.
func New(cfg *config.Config, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case config.SinkInfluxDB:
		return NewInfluxSink(cfg.InfluxDB, logger), nil
	case config.SinkKafka:
		return NewKafkaSink(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

// InfluxSink writes line protocol to an InfluxDB 1.x compatible /write
// endpoint.
type InfluxSink struct {
	client *http.Client
	cfg    config.InfluxDBConfig
	logger *zap.Logger
}

// NewInfluxSink creates an InfluxSink.
func NewInfluxSink(cfg config.InfluxDBConfig, logger *zap.Logger) *InfluxSink {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InfluxSink{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger.Named("influxdb"),
	}
}

// Deliver POSTs all points in one request with second precision.
func (s *InfluxSink) Deliver(ctx context.Context, points []lineproto.Point) error {
	if len(points) == 0 {
		return nil
	}
	payload := lineproto.Batch(points)

	if err := s.doSend(ctx, payload); err != nil {
		return &DeliveryError{Sink: "influxdb", Err: err}
	}
	s.logger.Debug("Points written",
		zap.Int("points", len(points)),
		zap.String("payload", sizestr.ToString(int64(len(payload)))))
	return nil
}

// doSend performs a single HTTP POST to the write endpoint.
func (s *InfluxSink) doSend(ctx context.Context, payload []byte) error {
	q := url.Values{}
	q.Set("db", s.cfg.Database)
	q.Set("precision", "s")
	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/write?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Username != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Close drops idle keep-alive connections.
func (s *InfluxSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
