// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/3dem/emhub/internal/applications"
	"github.com/3dem/emhub/internal/backup"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/i18n"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/seed"
)

// printTable renders rows with a plain border, which stays readable when
// piped.
func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// readPassword prompts on a terminal, or reads one line from the command
// input otherwise.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("could not read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo users, resources and applications into an empty database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			ds, err := seed.LoadFile(path)
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			sum, err := seed.Apply(commandContext(cmd), st, ds, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.seed.done", sum))
			return nil
		},
	}
	cmd.Flags().String("file", "", "TOML dataset to load instead of the embedded one")
	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore()
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			roles, _ := cmd.Flags().GetStringSlice("role")
			piName, _ := cmd.Flags().GetString("pi")
			password, _ := cmd.Flags().GetString("password")

			for _, r := range roles {
				if !slices.Contains(model.AllRoles, r) {
					return fmt.Errorf("unknown role %q (valid: %s)", r, strings.Join(model.AllRoles, ", "))
				}
			}
			u := &model.User{Username: args[0], Name: name, Email: email, Roles: roles}
			if u.Name == "" {
				u.Name = u.Username
			}
			if piName != "" {
				pi, err := st.GetUserByUsername(ctx, piName)
				if err != nil {
					return fmt.Errorf("pi %s: %w", piName, err)
				}
				if !pi.IsPI() {
					return fmt.Errorf("user %s is not a PI", piName)
				}
				u.PIID = &pi.ID
			}
			if password == "" {
				if password, err = readPassword(cmd, "Password: "); err != nil {
					return err
				}
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			if err := u.SetPassword(password); err != nil {
				return err
			}
			if err := st.CreateUser(ctx, u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.user.created", u.Username, u.ID))
			return nil
		},
	}
	add.Flags().String("name", "", "Full name")
	add.Flags().String("email", "", "Email address")
	add.Flags().StringSlice("role", []string{model.RoleUser}, "Roles (repeatable)")
	add.Flags().String("pi", "", "Username of the user's PI")
	add.Flags().String("password", "", "Password (prompted when empty)")

	passwd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set the password of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore()
			if err != nil {
				return err
			}
			u, err := st.GetUserByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				if password, err = readPassword(cmd, "New password: "); err != nil {
					return err
				}
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			if err := u.SetPassword(password); err != nil {
				return err
			}
			if err := st.UpdateUser(ctx, u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.user.password_updated", u.Username))
			return nil
		},
	}
	passwd.Flags().String("password", "", "New password (prompted when empty)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			users, err := st.ListUsers(commandContext(cmd), db.Query{OrderBy: "id"})
			if err != nil {
				return err
			}
			names := make(map[int]string, len(users))
			for _, u := range users {
				names[u.ID] = u.Username
			}
			rows := make([][]string, 0, len(users))
			for _, u := range users {
				pi := ""
				if u.PIID != nil {
					pi = names[*u.PIID]
				}
				rows = append(rows, []string{strconv.Itoa(u.ID), u.Username, u.Name, u.Email, strings.Join(u.Roles, ","), pi, u.Status})
			}
			return printTable(cmd.OutOrStdout(), []string{"ID", "USERNAME", "NAME", "EMAIL", "ROLES", "PI", "STATUS"}, rows)
		},
	}

	cmd.AddCommand(add, passwd, list)
	return cmd
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup [file]",
		Short: "Write a compressed, optionally encrypted, backup of the database",
		Long: `Exports every table as JSON compressed with zstd. With recipients (age
public keys, from --recipient or backup.recipients) the output is encrypted.
Without a file, or with "-", the backup goes to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, _ := cmd.Flags().GetStringSlice("recipient")
			if len(keys) == 0 {
				keys = appConfig.Backup.Recipients
			}
			recipients, err := backup.ParseRecipients(keys)
			if err != nil {
				return err
			}
			armor, _ := cmd.Flags().GetBool("armor")
			st, err := openStore()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			target := "-"
			if len(args) == 1 && args[0] != "-" {
				target = args[0]
				f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := backup.Backup(commandContext(cmd), st, out, recipients, armor); err != nil {
				return err
			}
			if target != "-" {
				fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("cli.backup.written", target))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("recipient", nil, "age recipient (repeatable)")
	cmd.Flags().Bool("armor", false, "ASCII-armor the encrypted output")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a backup written by the backup command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var identities []age.Identity
			if path, _ := cmd.Flags().GetString("identity"); path != "" {
				text, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if identities, err = backup.ParseIdentities(string(text)); err != nil {
					return err
				}
			}
			full, _ := cmd.Flags().GetBool("full")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := backup.Restore(commandContext(cmd), st, f, identities, full); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.restore.done", args[0]))
			return nil
		},
	}
	cmd.Flags().String("identity", "", "file with age identities to decrypt the backup")
	cmd.Flags().Bool("full", false, "Wipe every table before restoring")
	return cmd
}

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run engine-specific database maintenance (VACUUM, OPTIMIZE, ...)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunDBMaintenance(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.maintenance.done", appConfig.Database.Type))
			return nil
		},
	}
}

func newFormsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "forms", Short: "Manage dynamic forms"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.jsonc>...",
		Short: "Create or replace forms from JSON files; the form name is the file name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore()
			if err != nil {
				return err
			}
			for _, path := range args {
				def, err := forms.ReadFile(path)
				if err != nil {
					return err
				}
				extra, err := def.Extra()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				name := forms.NameFromPath(path)
				f, err := st.GetFormByName(ctx, name)
				switch {
				case err == nil:
					f.Definition = extra
					err = st.UpdateForm(ctx, f)
				case errors.Is(err, db.ErrNotFound):
					err = st.CreateForm(ctx, &model.Form{Name: name, Definition: extra})
				}
				if err != nil {
					return fmt.Errorf("form %s: %w", name, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.forms.imported", name))
			}
			return nil
		},
	})
	return cmd
}

func newApplicationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "applications", Short: "Manage applications"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <order.json>...",
		Short: "Import accepted orders of the order portal as active applications",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore()
			if err != nil {
				return err
			}
			svc := applications.NewService(st)
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				order, err := applications.ParseOrder(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				app, err := svc.Import(ctx, order)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.applications.imported", app.Code))
			}
			return nil
		},
	})
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect acquisition sessions"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			q := db.Query{OrderBy: "id desc"}
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				q = db.Where("status", status)
				q.OrderBy = "id desc"
			}
			list, err := st.ListSessions(commandContext(cmd), q)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				rows = append(rows, []string{
					strconv.Itoa(s.ID), s.Name, s.Status,
					s.Start.Format("2006-01-02 15:04"),
					strconv.Itoa(s.BookingID),
					s.Extra.String("raw_folder", ""),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "STATUS", "START", "BOOKING", "FOLDER"}, rows)
		},
	}
	list.Flags().String("status", "", "Only sessions with this status")
	cmd.AddCommand(list)
	return cmd
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent operation log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := st.ListLogs(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				user := ""
				if e.UserID != nil {
					user = strconv.Itoa(*e.UserID)
				}
				rows = append(rows, []string{e.Timestamp.Local().Format("2006-01-02 15:04:05"), user, e.Type, e.Name, e.Attrs})
			}
			return printTable(cmd.OutOrStdout(), []string{"TIME", "USER", "TYPE", "NAME", "ATTRS"}, rows)
		},
	}
	cmd.Flags().Int("limit", 20, "Number of entries")
	return cmd
}

