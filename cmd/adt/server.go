package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/channels/telegram"
	"github.com/adt-sh/adt/internal/common/config"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/core"
	"github.com/adt-sh/adt/internal/gateway"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run and inspect the command center server",
	}
	cmd.AddCommand(newServerStartCmd(), newServerStopCmd(), newServerStatusCmd())
	return cmd
}

func pidFilePath() string {
	return filepath.Join(config.Home(), "server.pid")
}

func newServerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(flagConfigDir)
			if err != nil {
				return err
			}

			log, err := logger.NewLogger(logger.LoggingConfig{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			if err != nil {
				return err
			}
			logger.SetDefault(log)

			c, err := core.New(cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			// First run: mint the admin token and show it exactly once.
			if plain, err := c.BootstrapAdmin(); err != nil {
				return err
			} else if plain != "" {
				fmt.Fprintf(os.Stderr, "Initial admin token (store it now, it will not be shown again):\n%s\n", plain)
			}

			if err := os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				log.WithError(err).Warn("failed to write pid file")
			}
			defer os.Remove(pidFilePath())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c.Audit.MustRecord(audit.Event{Action: audit.ActionServerStarted})
			if cfg.Orchestrator.Enabled {
				c.Orch.Start()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return gateway.New(c, log).Run(gctx)
			})
			if cfg.Channels.Telegram.Enabled {
				g.Go(func() error {
					return telegram.New(c, log).Run(gctx)
				})
			}

			err = g.Wait()
			c.Audit.MustRecord(audit.Event{Action: audit.ActionServerStopped})
			log.Info("server stopped")
			return err
		},
	}
}

func newServerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a detached server via its pid file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(pidFilePath())
			if err != nil {
				return fmt.Errorf("no pid file; is the server running?")
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("malformed pid file: %w", err)
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal server: %w", err)
			}

			// Give it a moment, then confirm.
			for i := 0; i < 20; i++ {
				if syscall.Kill(pid, 0) != nil {
					fmt.Println("Server stopped.")
					return nil
				}
				time.Sleep(250 * time.Millisecond)
			}
			fmt.Println("Stop signal sent; server is still shutting down.")
			return nil
		},
	}
}

func newServerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var status map[string]any
			if err := client.do("GET", "/status", nil, &status); err != nil {
				return err
			}
			printJSON(status)
			return nil
		},
	}
}
