// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the cobra root command: configuration loading, the
// database store shared by the subcommands, and the dashboard started when
// no subcommand is given.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/3dem/emhub/buildvars"
	"github.com/3dem/emhub/internal/config"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/i18n"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/tui"
)

var version = "dev"   // set by the linker
var gitCommit = "dev" // short commit SHA, set at build time
var buildDate = ""    // RFC3339, set at build time

var appConfig config.Config

// store is opened lazily by openStore and closed after every command.
var store db.Store

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	// A failed RunE skips the post-run hook that closes the store.
	closeStore()

	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	configPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), configPath)
	// A missing file is expected on first run; persist the defaults so the
	// user has something to edit.
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		if writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
			logging.Warnf("could not write default config file: %v", writeErr)
		}
	} else if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logging.SetLevel(appConfig.Log.Level)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logging.SetDebug(true)
		db.SetDebug(true)
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		value := f.Value.String()
		if strings.Contains(f.Name, "password") {
			value = "***"
		}
		logging.Debugf("flag --%s=%s", f.Name, value)
	})
	i18n.Init(appConfig.Language)
	return nil
}

// openStore returns the store configured by database.type and database.dsn.
func openStore() (db.Store, error) {
	if store != nil {
		return store, nil
	}
	st, err := db.New(appConfig.Database.Type, appConfig.Database.Dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open %s database: %w", appConfig.Database.Type, err)
	}
	store = st
	return st, nil
}

func closeStore() {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logging.Warnf("closing database: %v", err)
	}
	store = nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// Execute runs the CLI. The main packages call it and handle the exit code.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func applyDefaultFlags(cmd *cobra.Command) {
	// NewRootCmd may run several times in tests.
	if cmd.PersistentFlags().Lookup("database.type") == nil {
		cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	}
	if cmd.PersistentFlags().Lookup("database.dsn") == nil {
		cmd.PersistentFlags().String("database.dsn", "./emhub.sqlite", "Database connection string (DSN)")
	}
	if cmd.PersistentFlags().Lookup("data.path") == nil {
		cmd.PersistentFlags().String("data.path", "./data", "Directory of the session data files")
	}
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// consoleViewer is the identity used by commands that read the database
// directly; they see everything a facility manager sees.
func consoleViewer() *model.User {
	return &model.User{Username: "console", Name: "Console", Roles: []string{model.RoleManager}}
}

// NewRootCmd builds a fresh command tree. Tests call it once per run.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emhub",
		Short: "EMhub manages the bookings and sessions of an electron microscopy facility.",
		Long: `EMhub keeps track of users, applications, instrument bookings and the
data acquisition sessions of a cryo-EM facility. The serve command runs the
JSON API used by the web front end and by the session folder worker.

Running without a subcommand opens the terminal dashboard.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupDefaultServices,
		PersistentPostRun: func(*cobra.Command, []string) { closeStore() },
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			load := tui.StoreLoader(st, appConfig.Data.Path, consoleViewer(), days, nil)

			if noTUI, _ := cmd.Flags().GetBool("no-tui"); noTUI {
				snap, err := load(commandContext(cmd))
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), snap.String())
				return err
			}
			// Log lines would tear the alternate screen.
			logging.SetOutput(io.Discard)
			defer logging.SetOutput(os.Stderr)
			return tui.Run(load, tui.Options{})
		},
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging (including SQL tracing)")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("env-file", ".env", "file with EMHUB_* variables loaded before the config")
	cmd.PersistentFlags().String("language", "en", `Language of the CLI and dashboard ("en", "es")`)
	cmd.PersistentFlags().String("log.level", "info", "Log level (debug, info, warn, error)")
	applyDefaultFlags(cmd)
	cmd.Flags().Bool("no-tui", false, "Print the dashboard data instead of opening the TUI")
	cmd.Flags().Int("days", 7, "Number of days of bookings shown by the dashboard")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSeedCmd(),
		newUserCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newMaintenanceCmd(),
		newFormsCmd(),
		newApplicationsCmd(),
		newSessionsCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)
	return cmd
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// No config or database needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

// resolveBuildVersion computes the best-available version, commit and build
// date. If info is nil the runtime build info is used.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}

	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		// Installed as a dependency of another module.
		if resolvedVersion == "dev" || resolvedVersion == "(devel)" {
			for _, dep := range info.Deps {
				if dep.Path == buildvars.ModulePath && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, strings.TrimSpace(resolvedCommit), resolvedDate
}
