// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig defines the JSON-RPC HTTP surface.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	Paths           []string `toml:"paths"`
	APIKey          string   `toml:"apiKey"`
	Debug           bool     `toml:"debug"`
	Sequential      bool     `toml:"sequential"`
	EnableCORS      bool     `toml:"enableCors"`
	EncodeThreshold int      `toml:"encodeThreshold"`
}

// UDPConfig defines the datagram listener.
type UDPConfig struct {
	Addr       string  `toml:"addr"`
	RatePerSec float64 `toml:"ratePerSec"`
	Burst      int     `toml:"burst"`
}

// QueueConfig defines flush triggers.
type QueueConfig struct {
	FlushSize       int      `toml:"flushSize"`
	FlushIntervalMS duration `toml:"flushInterval"`
}

// StorageConfig defines the record store.
type StorageConfig struct {
	Backend string `toml:"backend"`
	DBPath  string `toml:"dbPath"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"filePath"`
	Console  bool   `toml:"console"`
}

// EmitConfig defines the default async completion push target.
type EmitConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"apiKey"`
}

// Config aggregates daemon configuration.
type Config struct {
	Name     string        `toml:"name"`
	LockPath string        `toml:"lockPath"`
	Server   ServerConfig  `toml:"server"`
	UDP      UDPConfig     `toml:"udp"`
	Queue    QueueConfig   `toml:"queue"`
	Storage  StorageConfig `toml:"storage"`
	Logging  LoggingConfig `toml:"logging"`
	Emit     EmitConfig    `toml:"emit"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FlushInterval returns the parsed queue flush interval.
func (c QueueConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS)
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as TOML to path.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *Config) validate() error {
	if cfg.Name == "" {
		cfg.Name = "udplogd"
	}
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.Name + ".lock"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8040"
	}
	if len(cfg.Server.Paths) == 0 {
		cfg.Server.Paths = []string{"/", "/RPC2"}
	}
	if cfg.UDP.Addr == "" {
		cfg.UDP.Addr = "127.0.0.1:9514"
	}
	if cfg.UDP.RatePerSec < 0 {
		return fmt.Errorf("udp.ratePerSec must not be negative")
	}
	if cfg.Queue.FlushSize == 0 {
		cfg.Queue.FlushSize = 64
	}
	if cfg.Queue.FlushIntervalMS == 0 {
		cfg.Queue.FlushIntervalMS = duration(time.Second)
	}
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "print"
	case "print":
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			return fmt.Errorf("storage.dbPath required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}
