package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"toosimpleq/internal/app"
	"toosimpleq/internal/display"
	"toosimpleq/internal/storage"
)

// scheduleLine merges a registered definition with its persisted row.
type scheduleLine struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	Task       string     `json:"task,omitempty"`
	Registered bool       `json:"registered"`
	LastCheck  *time.Time `json:"last_check,omitempty"`
	LastRun    *int64     `json:"last_run,omitempty"`
	Next       []string   `json:"next,omitempty"`
}

func buildSchedulesCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	var next int
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List schedules, their last check and upcoming runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, err := rf.jsonOutput()
			if err != nil {
				return err
			}
			if next < 0 {
				return fmt.Errorf("--next must be >= 0")
			}
			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.Store().ListSchedules(commandContext(cmd))
			if err != nil {
				return err
			}
			byName := make(map[string]storage.ScheduleExec, len(rows))
			for _, r := range rows {
				byName[r.Name] = r
			}

			snap := a.Scheduler().Snapshot()
			lines := make([]scheduleLine, 0, len(snap.Schedules)+len(rows))
			for _, si := range snap.Schedules {
				l := scheduleLine{Name: si.Name, Cron: si.Spec, Task: si.Task, Registered: true}
				if r, ok := byName[si.Name]; ok {
					lc := r.LastCheck
					l.LastCheck, l.LastRun = &lc, r.LastRun
					delete(byName, si.Name)
				}
				runs, err := a.Scheduler().NextRuns(si.Name, next)
				if err != nil {
					return err
				}
				for _, t := range runs {
					l.Next = append(l.Next, t.Format(time.RFC3339))
				}
				lines = append(lines, l)
			}
			// Rows left over belong to schedules that are no longer configured.
			for _, r := range rows {
				if _, ok := byName[r.Name]; !ok {
					continue
				}
				lc := r.LastCheck
				lines = append(lines, scheduleLine{Name: r.Name, Cron: r.Cron, LastCheck: &lc, LastRun: r.LastRun})
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), lines)
			}
			writeScheduleTable(cmd.OutOrStdout(), lines, time.Now(), snap.Enabled, snap.Timezone)
			return nil
		},
	}
	cmd.Flags().IntVar(&next, "next", 3, "upcoming runs to preview per schedule")
	return cmd
}

func writeScheduleTable(w io.Writer, lines []scheduleLine, now time.Time, enabled bool, tz string) {
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Fprintf(w, "scheduler %s, timezone %s, %s schedules\n", state, tz, display.Count(int64(len(lines))))
	if len(lines) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tCRON\tTASK\tLAST CHECK\tLAST RUN\tNEXT")
	for _, l := range lines {
		task := l.Task
		if !l.Registered {
			task = "(not configured)"
		}
		lastRun := ""
		if l.LastRun != nil {
			lastRun = "[" + strconv.FormatInt(*l.LastRun, 10) + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Name, l.Cron, task, display.ShortNaturalTime(l.LastCheck, now), lastRun, strings.Join(l.Next, ", "))
	}
	_ = tw.Flush()
}
