package cli

import (
	"context"
	"encoding/json"
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

func buildEnqueueCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	var argsJSON, kwargsJSON, dueRaw string
	cmd := &cobra.Command{
		Use:   "enqueue <task>",
		Short: "Queue one execution of a registered task",
		Example: `  toosimpleq enqueue sum --args '[1, 2]'
  toosimpleq enqueue echo --kwargs '{"msg": "hi"}' --due +10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := rf.jsonOutput()
			if err != nil {
				return err
			}
			positional, err := parseArgsJSON(argsJSON)
			if err != nil {
				return err
			}
			kwargs, err := parseKwargsJSON(kwargsJSON)
			if err != nil {
				return err
			}
			due, err := parseDue(dueRaw, time.Now())
			if err != nil {
				return err
			}

			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			defer a.Close()

			te, err := a.Engine().EnqueueRaw(commandContext(cmd), args[0], positional, kwargs, due)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), te)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queued %s [%d] on %q, due %s\n",
				display.Icon(te.State), te.TaskName, te.ID, te.Queue, display.LongTime(&te.Due, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().StringVar(&dueRaw, "due", "", "RFC 3339 time or a delay such as +10m (default now)")
	return cmd
}

func buildRequeueCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Queue a fresh execution with the arguments of a stored one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := rf.jsonOutput()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			defer a.Close()

			te, err := a.Engine().Requeue(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), te)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued %s [%d] as [%d]\n", display.Icon(te.State), te.TaskName, id, te.ID)
			return nil
		},
	}
}

func buildTasksCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	var (
		states, queues, names []string
		order                 string
		limit, offset         int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List task executions",
		Example: `  toosimpleq tasks --state queued,started
  toosimpleq tasks --task report --order -finished --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, err := rf.jsonOutput()
			if err != nil {
				return err
			}
			q, err := buildTaskQuery(states, queues, names, order, limit, offset)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			page, err := a.Store().ListTasks(ctx, q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			writeTaskTable(cmd.OutOrStdout(), page, time.Now(), successorLookup(ctx, a.Store(), page))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (QUEUED, STARTED, SUCCEEDED, FAILED)")
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "filter by queue")
	cmd.Flags().StringSliceVar(&names, "task", nil, "filter by task name")
	cmd.Flags().StringVar(&order, "order", "-created", "order column, '-' prefix for descending")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func buildTaskCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show one task execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := rf.jsonOutput()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			te, err := a.Store().GetTask(ctx, id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), te)
			}
			writeTaskDetail(cmd.OutOrStdout(), te, time.Now(), successorLookup(ctx, a.Store(), nil))
			return nil
		},
	}
}

func buildTaskQuery(states, queues, names []string, order string, limit, offset int) (storage.TaskQuery, error) {
	q := storage.TaskQuery{Queues: queues, Names: names, Limit: limit, Offset: offset}
	for _, raw := range states {
		st, err := storage.ParseState(raw)
		if err != nil {
			return q, err
		}
		q.States = append(q.States, st)
	}
	order = strings.TrimSpace(order)
	q.Desc = strings.HasPrefix(order, "-")
	q.OrderBy = strings.TrimPrefix(order, "-")
	if limit < 1 {
		return q, fmt.Errorf("--limit must be >= 1")
	}
	if offset < 0 {
		return q, fmt.Errorf("--offset must be >= 0")
	}
	return q, nil
}

func successorLookup(ctx context.Context, st storage.Store, page []storage.TaskExec) func(int64) (storage.State, bool) {
	known := make(map[int64]storage.State, len(page))
	for _, te := range page {
		known[te.ID] = te.State
	}
	return func(id int64) (storage.State, bool) {
		if s, ok := known[id]; ok {
			return s, true
		}
		te, err := st.GetTask(ctx, id)
		if err != nil {
			return "", false
		}
		known[id] = te.State
		return te.State, true
	}
}

func writeTaskTable(w io.Writer, page []storage.TaskExec, now time.Time, successor func(int64) (storage.State, bool)) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\t\tTASK\tQUEUE\tARGS\tKWARGS\tDUE\tCREATED\tFINISHED\tREPLACED BY\tRESULT")
	for _, te := range page {
		r := display.TaskRow(te, now, successor)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			te.ID, r.Icon, te.TaskName, te.Queue, r.Args, r.Kwargs, r.Due, r.Created, r.Finished, r.ReplacedBy, r.Result)
	}
	_ = tw.Flush()
	if len(page) == 0 {
		fmt.Fprintln(w, "no tasks")
	}
}

func writeTaskDetail(w io.Writer, te storage.TaskExec, now time.Time, successor func(int64) (storage.State, bool)) {
	tw := newTable(w)
	args, kwargs := argsFull(te)
	lines := [][2]string{
		{"id", strconv.FormatInt(te.ID, 10)},
		{"task", te.TaskName},
		{"state", display.TaskIcon(te) + " " + string(te.State)},
		{"queue", te.Queue},
		{"priority", strconv.Itoa(te.Priority)},
		{"attempt", strconv.Itoa(te.Attempt)},
		{"args", args},
		{"kwargs", kwargs},
		{"due", display.LongTime(&te.Due, now)},
		{"created", display.LongTime(&te.Created, now)},
		{"started", display.LongTime(te.Started, now)},
		{"finished", display.LongTime(te.Finished, now)},
		{"replaced by", display.ReplacedBy(te, successor)},
		{"worker", te.WorkerID},
		{"result", string(te.Result)},
	}
	if te.RetryOf != nil {
		lines = append(lines, [2]string{"retry of", "[" + strconv.FormatInt(*te.RetryOf, 10) + "]"})
	}
	for _, l := range lines {
		fmt.Fprintf(tw, "%s:\t%s\n", l[0], l[1])
	}
	_ = tw.Flush()
}

// argsFull renders arguments without truncation.
func argsFull(te storage.TaskExec) (string, string) {
	a, _ := json.Marshal(te.Args)
	k, _ := json.Marshal(te.Kwargs)
	return string(a), string(k)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func parseArgsJSON(raw string) ([]json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--args must be a JSON array: %w", err)
	}
	return out, nil
}

func parseKwargsJSON(raw string) (map[string]json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--kwargs must be a JSON object: %w", err)
	}
	return out, nil
}

// parseDue accepts RFC 3339 or a delay from now ("+10m", "90s").
// Empty means the zero time (due immediately).
func parseDue(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
	if err != nil {
		return time.Time{}, fmt.Errorf("--due: want RFC 3339 time or a delay like +10m, got %q", raw)
	}
	return now.Add(d), nil
}
