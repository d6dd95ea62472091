// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Sink names.
const (
	SinkInfluxDB = "influxdb"
	SinkKafka    = "kafka"
)

// Config holds all agent configuration. It is built once at startup and
// passed to the pipeline; nothing reads it from package state.
type Config struct {
	Sink       string           `yaml:"sink"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	GPFS       GPFSConfig       `yaml:"gpfs"`
	GridEngine GridEngineConfig `yaml:"gridengine"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InfluxDBConfig holds the write endpoint for the influxdb sink.
type InfluxDBConfig struct {
	URL      string   `yaml:"url"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout"`
}

// KafkaConfig holds the producer settings for the kafka sink.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// GPFSConfig controls the mmpmon sources.
type GPFSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MmpmonPath string `yaml:"mmpmon_path"`

	// ResetCounters issues "reset" after each delivered cycle so values
	// cover one collection interval.
	ResetCounters bool `yaml:"reset_counters"`
}

// GridEngineConfig controls the qstat/qhost sources.
type GridEngineConfig struct {
	Enabled   bool   `yaml:"enabled"`
	QstatPath string `yaml:"qstat_path"`
	QhostPath string `yaml:"qhost_path"`

	// Cell is written as the cluster tag. Defaults to $SGE_CELL.
	Cell string `yaml:"cell"`

	// MemoryComplex is the complex used for memory reservations,
	// typically h_rss, h_vmem or m_mem_free.
	MemoryComplex string `yaml:"memory_complex"`
}

// ScheduleConfig controls when cycles run in daemon mode.
type ScheduleConfig struct {
	Cron           string   `yaml:"cron"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// TelemetryConfig holds the agent's own Prometheus endpoint.
type TelemetryConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Sink: SinkInfluxDB,
		InfluxDB: InfluxDBConfig{
			URL:      "http://localhost:8086",
			Database: "hpc",
			Timeout:  Duration{10 * time.Second},
		},
		Kafka: KafkaConfig{
			Topic:    "hpc-metrics",
			ClientID: "gpfs-sge-metrics",
		},
		GPFS: GPFSConfig{
			Enabled:       false,
			MmpmonPath:    "/usr/lpp/mmfs/bin/mmpmon",
			ResetCounters: true,
		},
		GridEngine: GridEngineConfig{
			Enabled:       false,
			QstatPath:     "qstat",
			QhostPath:     "qhost",
			MemoryComplex: "h_rss",
		},
		Schedule: ScheduleConfig{
			Cron:           "@every 1m",
			CommandTimeout: Duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	InfluxURL string
	LogLevel  string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cli.InfluxURL != "" {
		cfg.InfluxDB.URL = cli.InfluxURL
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("HS_INFLUX_URL"); url != "" {
		cfg.InfluxDB.URL = url
	}
	if pw := os.Getenv("HS_INFLUX_PASSWORD"); pw != "" {
		cfg.InfluxDB.Password = pw
	}
	if level := os.Getenv("HS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	// Grid Engine's settings file exports SGE_CELL; only use it when the
	// config did not name a cell.
	if cell := os.Getenv("SGE_CELL"); cell != "" && cfg.GridEngine.Cell == "" {
		cfg.GridEngine.Cell = cell
	}
}

// Validate checks that the configuration can drive a collection cycle.
func (c *Config) Validate() error {
	if !c.GPFS.Enabled && !c.GridEngine.Enabled {
		return fmt.Errorf("no sources enabled (set gpfs.enabled or gridengine.enabled)")
	}
	if c.GridEngine.Enabled {
		if c.GridEngine.Cell == "" {
			return fmt.Errorf("gridengine.cell is required (or source the SGE settings file to set SGE_CELL)")
		}
		if c.GridEngine.MemoryComplex == "" {
			return fmt.Errorf("gridengine.memory_complex is required")
		}
	}
	if c.GPFS.Enabled && c.GPFS.MmpmonPath == "" {
		return fmt.Errorf("gpfs.mmpmon_path is required")
	}

	switch c.Sink {
	case SinkInfluxDB:
		if c.InfluxDB.URL == "" {
			return fmt.Errorf("influxdb.url is required")
		}
		if !strings.HasPrefix(c.InfluxDB.URL, "http://") && !strings.HasPrefix(c.InfluxDB.URL, "https://") {
			return fmt.Errorf("influxdb.url must be an http(s) URL (got: %s)", c.InfluxDB.URL)
		}
		if c.InfluxDB.Database == "" {
			return fmt.Errorf("influxdb.database is required")
		}
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required")
		}
	default:
		return fmt.Errorf("unknown sink %q (expected %q or %q)", c.Sink, SinkInfluxDB, SinkKafka)
	}
	return nil
}
