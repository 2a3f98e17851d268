// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/3dem/emhub/internal/config"
)

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	var nf viper.ConfigFileNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ConfigFileNotFoundError, got: %T %v", err, err)
	}
	if got.Database.Type != "sqlite" {
		t.Fatalf("expected sqlite default, got %q", got.Database.Type)
	}
	if got.Server.SessionTTL != 12*time.Hour {
		t.Fatalf("expected 12h session ttl, got %v", got.Server.SessionTTL)
	}
	if got.Worker.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %v", got.Worker.PollInterval)
	}
}

func TestLoadConfig_EnvVarParsing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("EMHUB_DATABASE_TYPE", "postgres")
	t.Setenv("EMHUB_DATABASE_DSN", "postgresql://envuser@/envdb")
	t.Setenv("EMHUB_WORKER_SSH_HOST", "storage.example.org")

	got, _ := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if got.Database.Type != "postgres" {
		t.Fatalf("expected postgres from env, got %q", got.Database.Type)
	}
	if got.Database.Dsn != "postgresql://envuser@/envdb" {
		t.Fatalf("expected env DSN, got %q", got.Database.Dsn)
	}
	if got.Worker.SSH.Host != "storage.example.org" {
		t.Fatalf("expected nested env key, got %q", got.Worker.SSH.Host)
	}
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	tmp := t.TempDir()
	yaml := "database:\n  type: mysql\n  dsn: user:pw@/emhub\nlanguage: es\ndata:\n  path: /srv/emhub\n"
	file := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Database.Type != "mysql" || got.Language != "es" || got.Data.Path != "/srv/emhub" {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.Server.Addr != ":5000" {
		t.Fatalf("defaults should fill missing keys, got addr %q", got.Server.Addr)
	}
}

func TestLoadConfig_FlagOverridesEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("EMHUB_LANGUAGE", "es")

	cmd := &cobra.Command{}
	cmd.Flags().String("language", "en", "")
	if err := cmd.Flags().Set("language", "en"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	got, _ := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	if got.Language != "en" {
		t.Fatalf("expected flag value to win, got %q", got.Language)
	}
}

func TestWriteConfigFile_CreatesFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	c := cfg.Config{}
	c.Database.Type = "sqlite"
	c.Database.Dsn = "./emhub.sqlite"
	c.Language = "en"
	if err := cfg.WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	path, err := cfg.GetConfigPath(false)
	if err != nil {
		t.Fatalf("GetConfigPath failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file at %s, stat error: %v", path, err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	if err := os.WriteFile(env, []byte("EMHUB_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("EMHUB_TEST_DOTENV", "")
	_ = os.Unsetenv("EMHUB_TEST_DOTENV")

	if err := cfg.LoadDotEnv(env); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("EMHUB_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
	if err := cfg.LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
