package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/taskdash/taskdash/internal/progress"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/ui"
)

var progressCmd = &cobra.Command{
	Use:     "progress",
	GroupID: "tasks",
	Short:   "Chart finished tasks per day",
	Long: `Show the running total of finished tasks by local calendar day.

--since accepts a date (2024-05-01) or a phrase such as "last monday" or
"2 weeks ago". Tasks finished before that day are counted in the first bar.`,
	Example: `  td progress
  td progress --since "2 weeks ago"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withController(cmd, func(ctx context.Context, ctrl *session.Controller) error {
			var opts []progress.Option
			if sinceText != "" {
				since, err := parseSince(sinceText, time.Now(), ctrl.Location())
				if err != nil {
					return err
				}
				opts = append(opts, progress.Since(since))
			}

			series := ctrl.Progress(opts...)
			if asJSON {
				return writeJSON(series)
			}
			out.Chart(series, ui.Width(cmd.OutOrStdout(), 80))
			return nil
		})
	},
}

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince reads a day as YYYY-MM-DD or a natural-language phrase
// relative to now, and returns the start of that day in loc.
func parseSince(text string, now time.Time, loc *time.Location) (time.Time, error) {
	text = strings.TrimSpace(text)
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	if t, err := time.ParseInLocation(progress.DayLayout, text, loc); err == nil {
		return t, nil
	}

	r, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, store.WrapError(store.CodeInvalid, fmt.Sprintf("invalid --since %q", text), err)
	}
	if r == nil {
		return time.Time{}, store.NewError(store.CodeInvalid, "invalid --since %q: no date found", text)
	}
	t := r.Time.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
}

func init() {
	progressCmd.Flags().String("since", "", "First day to chart (date or phrase)")
	progressCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(progressCmd)
}
