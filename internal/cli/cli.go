// Package cli is the toosimpleq command line.
//
//	toosimpleq
//	├── worker      run worker loops (and the scheduler, HTTP API, metrics)
//	├── enqueue     queue one task execution
//	├── requeue     queue a fresh copy of a stored execution
//	├── tasks       list executions
//	├── task        show one execution
//	├── schedules   list schedules with their next runs
//	└── migrate     apply or inspect database migrations
//
// Every command takes --config/-c (default ./toosimpleq.yaml). When the
// default file is absent the built-in defaults are used.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"toosimpleq/internal/app"
)

// Version is overridden at build time with -ldflags "-X toosimpleq/internal/cli.Version=...".
var Version = "dev"

const defaultConfigPath = "./toosimpleq.yaml"

type rootFlags struct {
	config string
	output string
}

// BuildCLI returns the root command. opts are passed to every app.New, so a
// program embedding the queue registers its own tasks with app.WithTasks.
func BuildCLI(opts ...app.Option) *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "toosimpleq",
		Short:         "Database-backed task queue and cron scheduler",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.config, "config", "c", defaultConfigPath, "config file path (YAML or JSON)")
	root.PersistentFlags().StringVarP(&rf.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		buildWorkerCommand(rf, opts),
		buildEnqueueCommand(rf, opts),
		buildRequeueCommand(rf, opts),
		buildTasksCommand(rf, opts),
		buildTaskCommand(rf, opts),
		buildSchedulesCommand(rf, opts),
		buildMigrateCommand(rf, opts),
	)
	return root
}

// openApp builds the app for one command. The config file is optional only
// when --config was left at its default.
func openApp(cmd *cobra.Command, rf *rootFlags, base []app.Option, extra ...app.Option) (*app.App, error) {
	opts := make([]app.Option, 0, len(base)+len(extra)+2)
	opts = append(opts, app.WithLogOutput(cmd.ErrOrStderr()))
	if f := cmd.Flags().Lookup("config"); f == nil || !f.Changed {
		opts = append(opts, app.WithOptionalConfig())
	}
	opts = append(opts, base...)
	opts = append(opts, extra...)
	return app.New(commandContext(cmd), rf.config, opts...)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (rf *rootFlags) jsonOutput() (bool, error) {
	switch strings.ToLower(strings.TrimSpace(rf.output)) {
	case "", "table":
		return false, nil
	case "json":
		return true, nil
	default:
		return false, fmt.Errorf("unknown output format %q (want table or json)", rf.output)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
