package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sanonone/tyrantdb/pkg/engine"
)

// Config is the top-level structure of the tyrantd configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// ServerConfig configures the network listeners.
type ServerConfig struct {
	TCPAddr  string `yaml:"tcp_addr"`  // protocol listener, default ":1978"
	HTTPAddr string `yaml:"http_addr"` // admin API, default ":1979", empty disables it

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// QueryTimeout bounds the execution of a single command.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// MaxConnections limits concurrent client connections. 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`
	// Pprof exposes /debug/pprof on the admin API.
	Pprof bool `yaml:"pprof"`
}

// StorageConfig maps onto engine.Options.
type StorageConfig struct {
	DataDir              string        `yaml:"data_dir"`
	AofFilename          string        `yaml:"aof_filename"`
	AutoSaveInterval     time.Duration `yaml:"auto_save_interval"`
	AutoSaveThreshold    int64         `yaml:"auto_save_threshold"`
	AofRewritePercentage int           `yaml:"aof_rewrite_percentage"`
	Shards               int           `yaml:"shards"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MCPConfig enables the MCP tool endpoint on the admin API.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	opts := engine.DefaultOptions("./tyrant_data")
	return Config{
		Server: ServerConfig{
			TCPAddr:      ":1978",
			HTTPAddr:     ":1979",
			IdleTimeout:  5 * time.Minute,
			QueryTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:              opts.DataDir,
			AofFilename:          opts.AofFilename,
			AutoSaveInterval:     opts.AutoSaveInterval,
			AutoSaveThreshold:    opts.AutoSaveThreshold,
			AofRewritePercentage: opts.AofRewritePercentage,
			Shards:               opts.Shards,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the YAML file at path over the defaults. Environment
// variables in the file are expanded. It uses Strict Mode (KnownFields) to
// prevent silent errors due to typos. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	expandedData := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expandedData))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration in '%s': %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the decoder cannot.
func (c Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr is required")
	}
	if c.Server.IdleTimeout < 0 || c.Server.QueryTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineOptions converts the storage section into engine options.
func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions(c.Storage.DataDir)
	if c.Storage.AofFilename != "" {
		opts.AofFilename = c.Storage.AofFilename
	}
	opts.AutoSaveInterval = c.Storage.AutoSaveInterval
	opts.AutoSaveThreshold = c.Storage.AutoSaveThreshold
	opts.AofRewritePercentage = c.Storage.AofRewritePercentage
	opts.Shards = c.Storage.Shards
	return opts
}
