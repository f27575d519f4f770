package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskdash/taskdash/internal/dashboard"
	"github.com/taskdash/taskdash/internal/logging"
	"github.com/taskdash/taskdash/internal/tui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "dashboard",
	Short:   "Start the web dashboard",
	Long: `Start the HTTP dashboard with live updates over WebSocket.

The page shows the task table, search and unfinished filters, the detail
view with done and rating actions, and the progress chart. Every change in
the store, from this process or another one, is pushed to open pages.

Endpoints:
  /            HTML dashboard
  /ws          WebSocket feed (snapshot, progress, group_update, error)
  /api/...     JSON API
  /health      Health check

Example usage:
  td serve                   # Start on the configured port (default 8080)
  td serve --port 9000       # Start on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ctrl, cleanup, err := openController(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		server := dashboard.NewServer(ctrl, &dashboard.Config{
			Host:   cfg.Server.Host,
			Port:   cfg.Server.Port,
			Title:  cfg.Server.Title,
			Logger: logs.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		// Subscribe after the server has attached so the first pushed
		// snapshot reaches clients.
		if err := ctrl.Start(ctx); err != nil {
			server.Stop()
			return err
		}

		addr := server.GetAddr()
		fmt.Printf("Dashboard server started on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Dashboard server stopped")
		return nil
	},
}

var termCmd = &cobra.Command{
	Use:     "tui",
	GroupID: "dashboard",
	Short:   "Start the terminal dashboard",
	Long: `Start the interactive terminal dashboard.

Keys:
  /        search           u        toggle unfinished only
  j/k      move             enter    open detail
  d        mark group done  1-4      rate group
  r        random pick      p        progress chart
  R        reload           C        clear all markings
  q        quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// The terminal owns stderr while the program runs.
		if cfg.Log.File == "" {
			logs = logging.Discard()
		}

		ctrl, cleanup, err := openController(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := ctrl.Start(ctx); err != nil {
			return err
		}
		return tui.Run(ctx, ctrl, cfg.Server.Title)
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: server.port)")
	serveCmd.Flags().String("host", "", "Interface to bind (default: all)")
	bindFlag(serveCmd.Flags().Lookup("port"), "server.port")
	bindFlag(serveCmd.Flags().Lookup("host"), "server.host")

	rootCmd.AddCommand(serveCmd, termCmd)
}
