package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskdash/taskdash/internal/seed"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
)

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import tasks from a JSON, JSONL or YAML file",
	Long: `Import tasks from a seed file into the configured store.

Each row needs a full_code; finished and rating are optional and every
other key becomes a display field. Rows that fail are reported and
skipped; the rest are imported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		rows, err := seed.Load(args[0])
		if err != nil {
			return err
		}

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			result, err := seed.Import(ctx, ctrl.Store(), rows, seed.ImportOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			for _, msg := range result.Errors {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			out.Success("✓ %s %d tasks (%d skipped)", verb, result.Added, result.Skipped)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "data",
	Short:   "Export tasks to a seed file or a database image",
	Long: `Export the collection.

The format follows the file extension: .json, .jsonl and .yaml write seed
rows that td import reads back; .db and .sqlite write the raw database
image (sqlite store only). Use - for stdout together with --format.`,
	Example: `  td export tasks.yaml
  td export backup.db
  td export - --format jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		path := args[0]
		if format == "" {
			if path == "-" {
				return store.NewError(store.CodeMissingInput, "--format is required when writing to stdout")
			}
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		}

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			w, closeFn, err := openOutput(path)
			if err != nil {
				return err
			}

			switch format {
			case "db", "sqlite", "sqlite3":
				err = ctrl.Export(ctx, w)
			default:
				var sf seed.Format
				sf, err = seed.FormatFor("x." + format)
				if err == nil {
					err = seed.Write(w, ctrl.Records(), sf)
				}
			}
			if cerr := closeFn(); err == nil {
				err = cerr
			}
			if err != nil {
				if path != "-" {
					os.Remove(path)
				}
				return err
			}
			if path != "-" {
				out.Success("✓ Exported %d tasks to %s", len(ctrl.Records()), path)
			}
			return nil
		})
	},
}

var saveCmd = &cobra.Command{
	Use:     "save",
	GroupID: "data",
	Short:   "Persist the database image to local storage",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			if err := ctrl.Persist(ctx); err != nil {
				return err
			}
			out.Success("✓ Saved")
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "data",
	Short:   "Write a default config file",
	Long: `Write the current settings (defaults, environment and flags) to
.taskdash/taskdash.toml, or to --config when given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = filepath.Join(".taskdash", "taskdash.toml")
		}
		if err := cfg.SaveTo(path, force); err != nil {
			return err
		}
		out.Success("✓ Wrote %s", path)
		return nil
	},
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate rows without writing")
	exportCmd.Flags().String("format", "", "json, jsonl, yaml or db (default: from extension)")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	rootCmd.AddCommand(importCmd, exportCmd, saveCmd, initCmd)
}
