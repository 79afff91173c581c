package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the server configuration, loaded from a YAML file. Every field
// has a working default so the file is optional.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Download struct {
		Dir                string            `yaml:"dir"`
		ChunkSize          int               `yaml:"chunk_size"`
		MaxRetries         int               `yaml:"max_retries"`
		RetryDelaySeconds  int               `yaml:"retry_delay_seconds"`
		TimeoutSeconds     int               `yaml:"timeout_seconds"`
		SpeedWindowSeconds int               `yaml:"speed_window_seconds"`
		Headers            map[string]string `yaml:"headers"`
	} `yaml:"download"`

	DataDir string `yaml:"data_dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8084
	cfg.Download.Dir = "./downloads"
	cfg.Download.ChunkSize = 8192
	cfg.Download.MaxRetries = 3
	cfg.Download.RetryDelaySeconds = 2
	cfg.Download.TimeoutSeconds = 30
	cfg.Download.SpeedWindowSeconds = 5
	cfg.Download.Headers = map[string]string{
		"User-Agent": "transfer-manager/1.0",
	}
	cfg.DataDir = "./data"
	return cfg
}

// Load reads the config from path. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores any field the file left zeroed.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Download.Dir == "" {
		c.Download.Dir = d.Download.Dir
	}
	if c.Download.ChunkSize == 0 {
		c.Download.ChunkSize = d.Download.ChunkSize
	}
	if c.Download.MaxRetries == 0 {
		c.Download.MaxRetries = d.Download.MaxRetries
	}
	if c.Download.RetryDelaySeconds == 0 {
		c.Download.RetryDelaySeconds = d.Download.RetryDelaySeconds
	}
	if c.Download.TimeoutSeconds == 0 {
		c.Download.TimeoutSeconds = d.Download.TimeoutSeconds
	}
	if c.Download.SpeedWindowSeconds == 0 {
		c.Download.SpeedWindowSeconds = d.Download.SpeedWindowSeconds
	}
	if c.Download.Headers == nil {
		c.Download.Headers = d.Download.Headers
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// RetryDelay returns the retry delay as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Download.RetryDelaySeconds) * time.Second
}

// SpeedWindow returns the throughput averaging window as a Duration.
func (c *Config) SpeedWindow() time.Duration {
	return time.Duration(c.Download.SpeedWindowSeconds) * time.Second
}

// Timeout returns the connect/read timeout as a Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}
