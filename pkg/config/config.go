// Package config loads the gojods server configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojods/pkg/logger"
	"github.com/sushant-115/gojods/pkg/telemetry"
)

// Config is the root of the server configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	FSM       FSMConfig        `yaml:"fsm"`
	Movers    MoversConfig     `yaml:"movers"`
	Readiness ReadinessConfig  `yaml:"readiness"`
	Server    ServerConfig     `yaml:"server"`
}

// StorageConfig locates the storage tiers. An empty ArchiveDir makes the
// deployment single-tier.
type StorageConfig struct {
	Granularity string `yaml:"granularity"` // datafile | dataset | none
	MainDir     string `yaml:"main_dir"`
	ArchiveDir  string `yaml:"archive_dir"`
	MarkerDir   string `yaml:"marker_dir"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type FSMConfig struct {
	WriteDelay   time.Duration `yaml:"write_delay"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type MoversConfig struct {
	Workers             int   `yaml:"workers"`
	PerBatchConcurrency int   `yaml:"per_batch_concurrency"`
	BytesPerSecond      int64 `yaml:"bytes_per_second"`
}

type ReadinessConfig struct {
	ChecksPerSecond float64 `yaml:"checks_per_second"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Load reads the configuration at path and applies defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Logger.OutputFile == "" {
		c.Logger.OutputFile = "stdout"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gojods"
	}
	if c.Telemetry.TraceSampleRatio == 0 {
		c.Telemetry.TraceSampleRatio = 1.0
	}

	if c.Storage.MainDir == "" {
		c.Storage.MainDir = "/var/lib/gojods/main"
	}
	if c.Storage.MarkerDir == "" {
		c.Storage.MarkerDir = "/var/lib/gojods/markers"
	}
	c.Storage.Granularity = strings.ToLower(strings.TrimSpace(c.Storage.Granularity))
	if c.Storage.ArchiveDir == "" {
		// Without an archive there is nothing to coordinate.
		c.Storage.Granularity = "none"
	} else if c.Storage.Granularity == "" {
		c.Storage.Granularity = "datafile"
	}
	c.Storage.MainDir = expandHome(c.Storage.MainDir)
	c.Storage.ArchiveDir = expandHome(c.Storage.ArchiveDir)
	c.Storage.MarkerDir = expandHome(c.Storage.MarkerDir)
	c.Catalog.Path = expandHome(c.Catalog.Path)

	if c.FSM.WriteDelay == 0 {
		c.FSM.WriteDelay = 60 * time.Second
	}
	if c.FSM.TickInterval == 0 {
		c.FSM.TickInterval = 5 * time.Second
	}
	if c.Movers.Workers == 0 {
		c.Movers.Workers = 4
	}
	if c.Movers.PerBatchConcurrency == 0 {
		c.Movers.PerBatchConcurrency = 4
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = "127.0.0.1:8091"
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	switch c.Storage.Granularity {
	case "none", "datafile", "dataset":
	default:
		return fmt.Errorf("storage.granularity must be one of none, datafile, dataset; got %q", c.Storage.Granularity)
	}
	if c.Storage.ArchiveDir == "" && c.Storage.Granularity != "none" {
		return fmt.Errorf("storage.granularity %s requires storage.archive_dir", c.Storage.Granularity)
	}
	if c.Storage.ArchiveDir != "" {
		if filepath.Clean(c.Storage.ArchiveDir) == filepath.Clean(c.Storage.MainDir) {
			return fmt.Errorf("storage.archive_dir must differ from storage.main_dir")
		}
		if c.Storage.Granularity != "none" && c.Storage.MarkerDir == "" {
			return fmt.Errorf("storage.marker_dir is required")
		}
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.FSM.WriteDelay < 0 {
		return fmt.Errorf("fsm.write_delay must not be negative")
	}
	if c.FSM.TickInterval <= 0 {
		return fmt.Errorf("fsm.tick_interval must be positive")
	}
	if c.Movers.Workers < 1 {
		return fmt.Errorf("movers.workers must be at least 1")
	}
	if c.Movers.PerBatchConcurrency < 1 {
		return fmt.Errorf("movers.per_batch_concurrency must be at least 1")
	}
	if c.Movers.BytesPerSecond < 0 {
		return fmt.Errorf("movers.bytes_per_second must not be negative")
	}
	if c.Readiness.ChecksPerSecond < 0 {
		return fmt.Errorf("readiness.checks_per_second must not be negative")
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		return fmt.Errorf("telemetry.prometheus_port must be between 0 and 65535")
	}
	for name, addr := range map[string]string{"server.http_addr": c.Server.HTTPAddr, "server.grpc_addr": c.Server.GRPCAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}
