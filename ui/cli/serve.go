// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3dem/emhub/client"
	"github.com/3dem/emhub/internal/api"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/remote"
	"github.com/3dem/emhub/internal/worker"
)

// newAccessLogger builds the zap logger of the API access log.
func newAccessLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API server",
		Long: `Serves the EMhub API on server.addr. Every route is a POST to /api/<name>
with a JSON body; see the login route for authentication.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			logger, err := newAccessLogger(appConfig.Log.Level)
			if err != nil {
				return fmt.Errorf("access log: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if err := os.MkdirAll(appConfig.Data.Path, 0o755); err != nil {
				return fmt.Errorf("data path: %w", err)
			}
			srv := api.New(st, api.Options{
				DataPath:    appConfig.Data.Path,
				SessionTTL:  appConfig.Server.SessionTTL,
				PollTimeout: appConfig.Server.PollTimeout,
				Logger:      logger,
			})

			ctx, stop := signalContext(cmd)
			defer stop()
			return srv.Run(ctx, appConfig.Server.Addr)
		},
	}
	cmd.Flags().String("server.addr", ":5000", "Listen address of the API")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Create the folders of new sessions",
		Long: `Logs into the API at worker.api_url and waits for pending sessions. For each
one it creates <folder>/<session name> with a README, locally or on
worker.ssh.host over SFTP, and marks the session as created (or failed).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wc := appConfig.Worker
			c := client.NewHTTPClient(client.Config{
				BaseURL:  wc.APIURL,
				Username: wc.Username,
				Password: wc.Password,
				Timeout:  appConfig.Server.PollTimeout + 30*time.Second,
			})

			ctx, stop := signalContext(cmd)
			defer stop()
			if err := c.Login(ctx); err != nil {
				return fmt.Errorf("login to %s: %w", wc.APIURL, err)
			}
			defer func() {
				if err := c.Close(context.Background()); err != nil {
					logging.Warnf("logout: %v", err)
				}
			}()

			opts := worker.Options{RetryDelay: wc.PollInterval}
			if list, _ := cmd.Flags().GetBool("list"); list {
				return worker.New(c, remote.Local{}, opts).List(ctx, cmd.OutOrStdout())
			}

			fs, err := remote.Open(remote.SSHConfig{
				Host:       wc.SSH.Host,
				User:       wc.SSH.User,
				KeyFile:    wc.SSH.KeyFile,
				KnownHosts: wc.SSH.KnownHosts,
				Timeout:    15 * time.Second,
			})
			if err != nil {
				return err
			}
			defer func() { _ = fs.Close() }()

			logging.Infof("worker polling %s as %s", wc.APIURL, wc.Username)
			return worker.New(c, fs, opts).Run(ctx)
		},
	}
	cmd.Flags().Bool("list", false, "Print the session names and exit")
	cmd.Flags().String("worker.api_url", "http://localhost:5000", "URL of the EMhub API")
	cmd.Flags().String("worker.username", "", "API user (a manager account)")
	return cmd
}
