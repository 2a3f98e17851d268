// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config provides configuration loading, merging, and persistence
// helpers for EMhub. It uses Viper for file/env/flag parsing and exposes
// utility functions to read/write configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "emhub"

// Config is the full application configuration.
type Config struct {
	Database struct {
		Type string `mapstructure:"type" yaml:"type"`
		Dsn  string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"database" yaml:"database"`
	Language string `mapstructure:"language" yaml:"language"`
	Data     struct {
		Path string `mapstructure:"path" yaml:"path"`
	} `mapstructure:"data" yaml:"data"`
	Server struct {
		Addr        string        `mapstructure:"addr" yaml:"addr"`
		SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
		PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	} `mapstructure:"server" yaml:"server"`
	Log struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	Backup struct {
		Recipients []string `mapstructure:"recipients" yaml:"recipients"`
	} `mapstructure:"backup" yaml:"backup"`
}

// WorkerConfig configures the session folder worker.
type WorkerConfig struct {
	APIURL       string        `mapstructure:"api_url" yaml:"api_url"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SSH          struct {
		Host       string `mapstructure:"host" yaml:"host"`
		User       string `mapstructure:"user" yaml:"user"`
		KeyFile    string `mapstructure:"key_file" yaml:"key_file"`
		KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts"`
	} `mapstructure:"ssh" yaml:"ssh"`
}

// Defaults returns the default value of every configuration key. All keys
// must be present here so that environment variables can override them.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":          "sqlite",
		"database.dsn":           "./emhub.sqlite",
		"language":               "en",
		"data.path":              "./data",
		"server.addr":            ":5000",
		"server.session_ttl":     "12h",
		"server.poll_timeout":    "30s",
		"log.level":              "info",
		"worker.api_url":         "http://localhost:5000",
		"worker.username":        "",
		"worker.password":        "",
		"worker.poll_interval":   "3s",
		"worker.ssh.host":        "",
		"worker.ssh.user":        "",
		"worker.ssh.key_file":    "",
		"worker.ssh.known_hosts": "",
		"backup.recipients":      []string{},
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "EMhub")
		default:
			configDir = "/etc/emhub"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "emhub")
	}

	return filepath.Join(configDir, "emhub.yaml"), nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("could not load %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds a T from defaults, the first emhub.yaml found (or the
// explicit file), EMHUB_* environment variables and the command flags, in
// increasing order of precedence. When no config file exists the returned
// error is a viper.ConfigFileNotFoundError and c is still fully populated.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, additionalConfigFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("emhub")
	v.SetConfigType("yaml")

	if additionalConfigFilePath != nil {
		v.SetConfigFile(*additionalConfigFilePath)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	var notFound error
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return c, err
		}
		notFound = err
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, notFound
}

// WriteConfigFile persists c as YAML to the user (or system) config path.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may hold the worker password.
	return os.WriteFile(path, data, 0600)
}
