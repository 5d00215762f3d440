// Package config loads and persists snitchd's configuration file.
// Persistence uses YAML (gopkg.in/yaml.v3, promoted here from the indirect
// sigma-go dependency) rather than picosnitch's JSON, the usual shape for
// operator-edited configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/snitchd/snitchd/errs"
)

// LogIgnore holds the filter rules that suppress connection-log entries
// without suppressing Record Store novelty tracking.
type LogIgnore struct {
	Hashes  []string `yaml:"hashes,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
	CIDRs   []string `yaml:"cidrs,omitempty"`
	Ports   []int    `yaml:"ports,omitempty"`
}

// SQLServer configures the optional remote relational sink.
type SQLServer struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "mysql" or "postgres"
	DSN     string `yaml:"dsn"`
}

// Config is the full set of options an operator can set in config.yaml.
type Config struct {
	BandwidthMonitor   bool      `yaml:"bandwidth_monitor"`
	DBRetentionDays    int       `yaml:"db_retention_days"`
	DBSQLLog           bool      `yaml:"db_sql_log"`
	DBSQLServer        SQLServer `yaml:"db_sql_server"`
	DBTextLog          bool      `yaml:"db_text_log"`
	DBTextLogPath      string    `yaml:"db_text_log_path"`
	DBWriteLimitSecs   int       `yaml:"db_write_limit_seconds"`
	DesktopNotify      bool      `yaml:"desktop_notifications"`
	EveryExe           bool      `yaml:"every_exe"`
	LogAddresses       bool      `yaml:"log_addresses"`
	LogCommands        bool      `yaml:"log_commands"`
	LogIgnore          LogIgnore `yaml:"log_ignore"`
	PerfRingBufferPages int      `yaml:"perf_ring_buffer_pages"`
	RLimitNofile       uint64    `yaml:"rlimit_nofile"`
	VTAPIKey           string    `yaml:"vt_api_key"`
	VTFileUpload       bool      `yaml:"vt_file_upload"`
	VTRequestLimitSecs int       `yaml:"vt_request_limit_seconds"`
	DataDir            string    `yaml:"data_dir"`
}

// Default returns the configuration the daemon starts with when no file is
// present.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BandwidthMonitor:    true,
		DBRetentionDays:     90,
		DBSQLLog:            true,
		DBTextLog:           false,
		DBWriteLimitSecs:    10,
		DesktopNotify:       true,
		EveryExe:            false,
		LogAddresses:        true,
		LogCommands:         true,
		PerfRingBufferPages: 64,
		VTRequestLimitSecs:  15,
		DataDir:             filepath.Join(home, ".config", "snitchd"),
	}
}

// Path returns the default config file location, honoring SUDO_USER the way
// the original picosnitch resolves a real home directory when invoked via
// sudo without -E.
func Path() string {
	home := os.Getenv("HOME")
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" && os.Geteuid() == 0 {
		home = filepath.Join("/home", sudoUser)
	} else if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".config", "snitchd", "config.yaml")
}

// Load reads the config file at Path(), returning defaults if it doesn't yet
// exist.
func Load() (Config, error) {
	cfg := Default()
	path := Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.New(errs.KindConfigInvalid, "read "+path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.New(errs.KindConfigInvalid, "parse "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that name an unknown driver or otherwise
// can't be honored.
func (c Config) Validate() error {
	if c.DBSQLServer.Enabled {
		switch c.DBSQLServer.Driver {
		case "mysql", "postgres":
		default:
			return errs.New(errs.KindConfigInvalid, fmt.Sprintf("unknown db_sql_server.driver %q", c.DBSQLServer.Driver), nil)
		}
	}
	if c.PerfRingBufferPages <= 0 || c.PerfRingBufferPages&(c.PerfRingBufferPages-1) != 0 {
		return errs.New(errs.KindConfigInvalid, "perf_ring_buffer_pages must be a power of two", nil)
	}
	return nil
}

// Save atomically rewrites the config file: write-temp in the same
// directory, then rename, so a crash mid-write never corrupts the file an
// operator already has on disk.
func Save(cfg Config) error {
	path := Path()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindConfigInvalid, "mkdir "+dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "marshal config", err)
	}
	tmp, err := os.CreateTemp(dir, "config-*.yaml.tmp")
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "create temp config", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(errs.KindConfigInvalid, "write temp config", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.KindConfigInvalid, "close temp config", err)
	}
	return os.Rename(tmpPath, path)
}
