// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"github.com/3dem/emhub/internal/db"
)

// runCLI executes a fresh root command against the sqlite file dsn and
// returns everything written to stdout and stderr.
func runCLI(t *testing.T, dsn, input string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(append(args,
		"--database.dsn", dsn,
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
	))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, dsn string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dsn, "", args...)
	if err != nil {
		t.Fatalf("emhub %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func newDSN(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	return filepath.Join(t.TempDir(), "emhub.sqlite")
}

func TestResolveBuildVersion_WithBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/3dem/emhub", Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2025-01-01T00:00:00Z"},
		},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "v1.2.3" || c != "deadbeef" || d != "2025-01-01T00:00:00Z" {
		t.Fatalf("unexpected build version %q %q %q", v, c, d)
	}
}

func TestResolveBuildVersion_DependencyFallback(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "example.org/facility", Version: "(devel)"},
		Deps: []*debug.Module{{Path: "github.com/3dem/emhub", Version: "v0.9.1"}},
	}
	if v, _, _ := resolveBuildVersion(info); v != "v0.9.1" {
		t.Fatalf("expected dependency version fallback got %s", v)
	}
}

func TestResolveBuildVersion_GitCommitFallback(t *testing.T) {
	orig := gitCommit
	defer func() { gitCommit = orig }()
	gitCommit = "deadbeef"
	info := &debug.BuildInfo{Main: debug.Module{Path: "github.com/3dem/emhub", Version: "(devel)"}}
	if v, _, _ := resolveBuildVersion(info); v != "deadbeef" {
		t.Fatalf("expected gitCommit fallback got %s", v)
	}
}

func TestGetConfigPathFromCli(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")
	if p, err := getConfigPathFromCli(cmd); err != nil || p != nil {
		t.Fatalf("expected nil path when flag not set, got %v, %v", p, err)
	}

	path := filepath.Join(t.TempDir(), "emhub.yaml")
	if err := os.WriteFile(path, []byte("language: es\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_ = cmd.Flags().Set("config", path)
	if p, err := getConfigPathFromCli(cmd); err != nil || p == nil || *p != path {
		t.Fatalf("unexpected result %v, %v", p, err)
	}

	_ = cmd.Flags().Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := getConfigPathFromCli(cmd); err == nil {
		t.Fatalf("expected error for a missing config file")
	}
}

func TestApplyDefaultFlags(t *testing.T) {
	cmd := &cobra.Command{}
	applyDefaultFlags(cmd)
	applyDefaultFlags(cmd)
	for _, name := range []string{"database.type", "database.dsn", "data.path"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("%s flag not present", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, newDSN(t), "version")
	if !strings.Contains(out, "version: ") || !strings.Contains(out, "commit: ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSeedAndUsers(t *testing.T) {
	dsn := newDSN(t)
	if out := mustRun(t, dsn, "seed"); !strings.Contains(out, "Seeded 7 users") {
		t.Fatalf("unexpected seed output %q", out)
	}
	if _, err := runCLI(t, dsn, "", "seed"); err == nil {
		t.Fatalf("seeding twice should fail")
	}

	out := mustRun(t, dsn, "user", "add", "carol", "--name", "Carol Chen", "--email", "carol@example.org", "--pi", "pi1", "--password", "first")
	if !strings.Contains(out, "User carol created") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := runCLI(t, dsn, "", "user", "add", "dave", "--pi", "user1", "--password", "x"); err == nil {
		t.Fatalf("a non-PI should be rejected as pi")
	}
	if _, err := runCLI(t, dsn, "", "user", "add", "erin", "--role", "wizard", "--password", "x"); err == nil {
		t.Fatalf("unknown roles should be rejected")
	}

	if out, err := runCLI(t, dsn, "second\n", "user", "passwd", "carol"); err != nil {
		t.Fatalf("passwd: %v\n%s", err, out)
	}

	out = mustRun(t, dsn, "user", "list")
	for _, want := range []string{"carol", "Carol Chen", "pi1", "user1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("user list does not contain %q:\n%s", want, out)
		}
	}

	st, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	defer st.Close()
	carol, err := st.GetUserByUsername(context.Background(), "carol")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if !carol.CheckPassword("second") || carol.PIID == nil {
		t.Fatalf("unexpected user %+v", carol)
	}
}

func TestBackupAndRestore(t *testing.T) {
	dsn := newDSN(t)
	mustRun(t, dsn, "seed")

	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "backup.key")
	if err := os.WriteFile(keyFile, []byte(id.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	backupFile := filepath.Join(dir, "emhub.backup")
	out := mustRun(t, dsn, "backup", backupFile, "--recipient", id.Recipient().String(), "--armor")
	if !strings.Contains(out, "Backup written to") {
		t.Fatalf("unexpected backup output %q", out)
	}

	target := filepath.Join(t.TempDir(), "restored.sqlite")
	if _, err := runCLI(t, target, "", "restore", backupFile, "--full"); err == nil {
		t.Fatalf("restoring an encrypted backup without identity should fail")
	}
	mustRun(t, target, "restore", backupFile, "--full", "--identity", keyFile)
	if out := mustRun(t, target, "user", "list"); !strings.Contains(out, "paula.ingram@emhub.example.org") {
		t.Fatalf("restored users missing:\n%s", out)
	}
}

func TestFormsAndApplicationsImport(t *testing.T) {
	dsn := newDSN(t)
	mustRun(t, dsn, "seed")
	dir := t.TempDir()

	form := filepath.Join(dir, "grid_types.jsonc")
	def := `{
  // grids offered by the facility
  "title": "Grid types",
  "sections": [{"label": "grids", "params": [{"label": "Quantifoil", "value": "R1.2/1.3"},]}],
}`
	if err := os.WriteFile(form, []byte(def), 0o600); err != nil {
		t.Fatal(err)
	}
	if out := mustRun(t, dsn, "forms", "import", form); !strings.Contains(out, "Form grid_types imported") {
		t.Fatalf("unexpected output %q", out)
	}
	mustRun(t, dsn, "forms", "import", form)

	order := filepath.Join(dir, "order.json")
	data := `{
  "identifier": "cem00042",
  "title": "Membrane transporters",
  "status": "accepted",
  "owner": {"email": "PAULA.INGRAM@emhub.example.org"},
  "fields": {"project_des": "Structures", "pi_list": [["Peter Iversen", "peter.iversen@emhub.example.org"]]},
  "form": {"iuid": "f1", "title": "National access"}
}`
	if err := os.WriteFile(order, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if out := mustRun(t, dsn, "applications", "import", order); !strings.Contains(out, "Application CEM00042 imported") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := runCLI(t, dsn, "", "applications", "import", order); err == nil {
		t.Fatalf("importing the same order twice should fail")
	}

	mustRun(t, dsn, "sessions", "list", "--status", "pending")
	mustRun(t, dsn, "logs", "--limit", "5")
	mustRun(t, dsn, "maintenance")
}

func TestDashboardWithoutTUI(t *testing.T) {
	dsn := newDSN(t)
	mustRun(t, dsn, "seed")
	out := mustRun(t, dsn, "--no-tui", "--days", "3")
	if !strings.Contains(out, " - ") {
		t.Fatalf("unexpected dashboard output %q", out)
	}
}
