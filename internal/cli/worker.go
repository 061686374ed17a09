package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"toosimpleq/internal/app"
	"toosimpleq/internal/task/engine"
)

func buildWorkerCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	var (
		queues    []string
		exclude   []string
		untilDone bool
		poll      time.Duration
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run worker loops until interrupted",
		Long: `Run worker loops. The first loop also ticks the scheduler, so one
worker process is enough to fire every configured schedule. Flags override
the worker section of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if poll < 0 {
				return fmt.Errorf("--poll-interval must be >= 0")
			}
			if workers < 0 {
				return fmt.Errorf("--workers must be >= 0")
			}
			a, err := openApp(cmd, rf, base)
			if err != nil {
				return err
			}
			reason, err := a.RunWorker(commandContext(cmd), engine.RunOptions{
				Queues:        queues,
				ExcludeQueues: exclude,
				UntilDone:     untilDone,
				PollInterval:  poll,
				Workers:       workers,
			})
			if err != nil {
				return fmt.Errorf("worker stopped (%s): %w", reason, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker stopped: %s\n", reason)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "only claim from these queues (repeatable)")
	cmd.Flags().StringSliceVarP(&exclude, "exclude-queue", "x", nil, "never claim from these queues (repeatable)")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit once no task is due")
	cmd.Flags().DurationVar(&poll, "poll-interval", 0, "idle sleep between polls (default from config, else 10s)")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "concurrent worker loops (default from config, else 1)")
	return cmd
}
