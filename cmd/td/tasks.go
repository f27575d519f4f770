package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks",
	Example: `  td list
  td list --unfinished
  td list --search loops --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		unfinished, _ := cmd.Flags().GetBool("unfinished")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			page := ctrl.PageFor(session.Session{Search: search, UnfinishedOnly: unfinished})
			if asJSON {
				return writeJSON(page)
			}
			out.Page(page)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "tasks",
	Short:   "Show every field of one task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			page := ctrl.PageFor(session.Session{SelectedID: args[0], SingleView: true})
			if page.Detail == nil || !page.Detail.Found {
				return store.NewError(store.CodeNotFound, "task %s not found", args[0])
			}
			if asJSON {
				return writeJSON(page.Detail)
			}
			out.Detail(page.Detail)
			return nil
		})
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <group-key>",
	GroupID: "tasks",
	Short:   "Mark every task in a group finished now",
	Long: `Mark every task sharing the group key as finished.

The finished time is the current time in UTC. With the append-history
policy the time is added to the task's history instead of replacing it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			res, err := ctrl.MarkGroupDone(ctx, args[0])
			if err != nil {
				return err
			}
			out.Success("✓ Marked %s done (%d tasks)", res.GroupKey, len(res.IDs))
			return nil
		})
	},
}

var rateCmd = &cobra.Command{
	Use:     "rate <group-key> <rating>",
	GroupID: "tasks",
	Short:   "Rate every task in a group",
	Example: `  td rate 1-2-3 hard`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			res, err := ctrl.RateGroup(ctx, args[0], args[1])
			if err != nil {
				if store.CodeOf(err) == store.CodeInvalid {
					return fmt.Errorf("%s (valid: %s)", store.MessageOf(err), strings.Join(ctrl.Ratings(), ", "))
				}
				return err
			}
			out.Success("✓ Rated %s %s (%d tasks)", res.GroupKey, res.Value, len(res.IDs))
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "tasks",
	Short:   "Clear every finished and rating value",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			confirmed, err := confirm("Clear every finished and rating value?")
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			if _, err := ctrl.ClearAll(ctx, true); err != nil {
				return err
			}
			out.Success("✓ Cleared all markings on %d tasks", len(ctrl.Records()))
			return nil
		})
	},
}

var randomCmd = &cobra.Command{
	Use:     "random",
	GroupID: "tasks",
	Short:   "Pick a random unfinished task",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			if _, err := ctrl.PickRandomUnfinished(); err != nil {
				return err
			}
			out.Detail(ctrl.Page().Detail)
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:     "add <group-key> [field=value...]",
	GroupID: "tasks",
	Short:   "Add a task",
	Example: `  td add 1-2-3 chapter=Basics title=Loops`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			id, err := ctrl.AddRecord(ctx, record.Record{GroupKey: args[0], Fields: fields})
			if err != nil {
				return err
			}
			out.Success("✓ Added task %s", id)
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "tasks",
	Short:   "Remove a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			if err := ctrl.RemoveRecord(ctx, args[0]); err != nil {
				return err
			}
			out.Success("✓ Removed task %s", args[0])
			return nil
		})
	},
}

// parseFields turns key=value arguments into record fields.
func parseFields(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		k, val, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, store.NewError(store.CodeInvalid, "expected field=value, got %q", arg)
		}
		fields[strings.TrimSpace(k)] = val
	}
	return fields, nil
}

func confirm(title string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) {
		return false, errors.New("refusing to clear without a terminal; pass --yes")
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description("This cannot be undone.").
			Affirmative("Clear").
			Negative("Cancel").
			Value(&ok),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	listCmd.Flags().StringP("search", "s", "", "Only tasks with a cell containing this text")
	listCmd.Flags().BoolP("unfinished", "u", false, "Only unfinished tasks")
	listCmd.Flags().Bool("json", false, "Output JSON")
	showCmd.Flags().Bool("json", false, "Output JSON")
	clearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(listCmd, showCmd, doneCmd, rateCmd, clearCmd, randomCmd, addCmd, rmCmd)
}
