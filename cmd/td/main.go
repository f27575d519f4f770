// Command td is the taskdash command line: an HTTP and terminal dashboard
// over a task collection, plus one-shot commands for scripting.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/taskdash/taskdash/internal/config"
	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/logging"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/ui"

	// Store implementations register themselves.
	_ "github.com/taskdash/taskdash/internal/store/docstore"
	_ "github.com/taskdash/taskdash/internal/store/redisdoc"
	_ "github.com/taskdash/taskdash/internal/store/sqlite"
)

var (
	configPath string

	v    = config.NewViper()
	cfg  *config.Config
	logs *logging.Logs

	out    = ui.NewPrinter(os.Stdout)
	errOut = ui.NewPrinter(os.Stderr)
)

var rootCmd = &cobra.Command{
	Use:   "td",
	Short: "Task dashboard over a local or shared task store",
	Long: `td shows a collection of tasks grouped by code, lets you mark whole
groups finished or rated in one step, and charts progress over time.

The collection lives in one of several stores (sqlite, docstore, redis),
selected with --store or store.kind in taskdash.toml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if cmd == initCmd {
			// init may be creating the file it is pointed at.
			if _, err := os.Stat(path); err != nil {
				path = ""
			}
		}
		loaded, err := config.Load(v, path)
		if err != nil {
			return err
		}
		cfg = loaded
		logs = logging.Open(cfg.Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "dashboard", Title: "Dashboards:"},
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: .taskdash/taskdash.toml)")
	flags.String("store", "", "Store kind: sqlite, docstore or redis")
	flags.String("policy", "", "Merge policy for finished and rating: overwrite or append-history")
	flags.String("tz", "", "Display time zone (default: local)")
	flags.String("log-file", "", "Write logs to this file instead of stderr")

	bindFlag(flags.Lookup("store"), "store.kind")
	bindFlag(flags.Lookup("policy"), "engine.policy")
	bindFlag(flags.Lookup("tz"), "view.timezone")
	bindFlag(flags.Lookup("log-file"), "log.file")
}

func bindFlag(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		errOut.Error(errors.New(store.MessageOf(err)))
		os.Exit(1)
	}
}

// openController opens the configured store and a controller over it with
// the cache already loaded. The returned cleanup closes both.
func openController(ctx context.Context) (*session.Controller, func(), error) {
	st, err := store.Open(ctx, store.Kind(cfg.Store.Kind), cfg.StoreOptions(logs.Logger("store")))
	if err != nil {
		return nil, nil, err
	}

	loc, _ := cfg.Location()
	engine := group.New(st, &group.Config{
		Policy:  cfg.Policy(),
		Ratings: cfg.Engine.Ratings,
		Logger:  logs.Logger("group"),
	})
	ctrl := session.New(st, engine, &session.Config{
		Columns:    cfg.View.Columns,
		Location:   loc,
		DateLayout: cfg.View.DateLayout,
		Logger:     logs.Logger("session"),
	})

	if err := ctrl.Refresh(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	cleanup := func() {
		ctrl.Stop()
		if err := st.Close(); err != nil {
			logs.Logger("store").Printf("close failed: %v", err)
		}
	}
	return ctrl, cleanup, nil
}

// withController runs fn with a loaded controller under a command timeout.
func withController(cmd *cobra.Command, fn func(ctx context.Context, ctrl *session.Controller) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	ctrl, cleanup, err := openController(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, ctrl)
}
