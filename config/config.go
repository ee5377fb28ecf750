// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config loads and validates the configuration of a cqrpc server.
//
// Configuration is read from a YAML file, and any setting may be overridden
// by an environment variable named for its key with the prefix CQRPC_, for
// example CQRPC_SERVER_PORT for server.port.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "CQRPC"

// Config is the complete configuration of a server.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive" yaml:"keepalive"`
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`

	// Services holds per-service settings keyed by service name. Decode a
	// section with ServiceOptions.
	Services map[string]map[string]any `mapstructure:"services" yaml:"services,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
}

// ServerConfig holds the listener and dispatch settings.
type ServerConfig struct {
	Name            string `mapstructure:"name" yaml:"name" validate:"required"`
	Port            int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	LocalhostOnly   bool   `mapstructure:"localhost_only" yaml:"localhost_only"`
	NumThreads      int    `mapstructure:"num_threads" yaml:"num_threads" validate:"gt=0"`
	ClusterID       string `mapstructure:"cluster_id" yaml:"cluster_id,omitempty" validate:"omitempty,uuid"`
	MaxMessageSize  int    `mapstructure:"max_message_size" yaml:"max_message_size" validate:"gte=0"`
	WriteBufferSize int    `mapstructure:"write_buffer_size" yaml:"write_buffer_size" validate:"gte=0"`
	MaxBacklog      int    `mapstructure:"max_backlog" yaml:"max_backlog" validate:"gte=0"`
	Compression     bool   `mapstructure:"compression" yaml:"compression"`
}

// KeepaliveConfig holds the connection keepalive settings.
type KeepaliveConfig struct {
	Time       time.Duration `mapstructure:"time" validate:"gte=0"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	ClientTime time.Duration `mapstructure:"client_time" validate:"gte=0"`
}

// MarshalYAML renders durations as strings rather than nanosecond counts.
func (k KeepaliveConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"time":        k.Time.String(),
		"timeout":     k.Timeout.String(),
		"client_time": k.ClientTime.String(),
	}, nil
}

// TLSConfig holds the paths of the PEM files for mutual TLS.
type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	CACert     string `mapstructure:"ca_cert" yaml:"ca_cert,omitempty" validate:"required_if=Enabled true"`
	ServerCert string `mapstructure:"server_cert" yaml:"server_cert,omitempty" validate:"required_if=Enabled true"`
	ServerKey  string `mapstructure:"server_key" yaml:"server_key,omitempty" validate:"required_if=Enabled true"`
}

// Default returns a configuration with default values for all settings.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults sets default values for any unspecified settings of cfg.
func ApplyDefaults(cfg *Config) {
	l := &cfg.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	l.Level = strings.ToLower(l.Level)
	if l.Format == "" {
		l.Format = "text"
	}

	s := &cfg.Server
	if s.Name == "" {
		s.Name = "cqserve"
	}
	if s.NumThreads == 0 {
		s.NumThreads = runtime.NumCPU()
	}
	if s.MaxBacklog == 0 {
		s.MaxBacklog = 256
	}

	k := &cfg.Keepalive
	if k.Time == 0 {
		k.Time = 60 * time.Second
	}
	if k.Timeout == 0 {
		k.Timeout = 20 * time.Second
	}
	if k.ClientTime == 0 {
		k.ClientTime = 60 * time.Second
	}
}

// Load reads the configuration from the file at path, applies environment
// overrides and defaults, and validates the result. If path is empty, Load
// looks for config.yaml in the default configuration directory, and uses
// defaults if it does not exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides apply only to keys viper knows about, so every
	// setting has a default.
	d := Default()
	for key, val := range map[string]any{
		"logging.level":            d.Logging.Level,
		"logging.format":           d.Logging.Format,
		"server.name":              d.Server.Name,
		"server.port":              d.Server.Port,
		"server.localhost_only":    d.Server.LocalhostOnly,
		"server.num_threads":       d.Server.NumThreads,
		"server.cluster_id":        d.Server.ClusterID,
		"server.max_message_size":  d.Server.MaxMessageSize,
		"server.write_buffer_size": d.Server.WriteBufferSize,
		"server.max_backlog":       d.Server.MaxBacklog,
		"server.compression":       d.Server.Compression,
		"keepalive.time":           d.Keepalive.Time,
		"keepalive.timeout":        d.Keepalive.Timeout,
		"keepalive.client_time":    d.Keepalive.ClientTime,
		"tls.enabled":              d.TLS.Enabled,
		"tls.ca_cert":              d.TLS.CACert,
		"tls.server_cert":          d.TLS.ServerCert,
		"tls.server_key":           d.TLS.ServerKey,
	} {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// Dir returns the default configuration directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cqrpc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cqrpc")
}

// DefaultPath returns the path of the default configuration file.
func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }
