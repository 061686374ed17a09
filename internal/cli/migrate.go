package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"toosimpleq/internal/app"
	"toosimpleq/internal/storage"
)

func buildMigrateCommand(rf *rootFlags, base []app.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
		Long: `Apply or inspect database migrations. Other commands migrate on open
unless storage.auto_migrate is false.`,
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, rf, base, func(st storage.Store, w io.Writer) error {
				applied, err := st.Migrate(commandContext(cmd))
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(w, "no pending migrations")
					return nil
				}
				return writeMigrations(cmd, rf, applied)
			})
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, rf, base, func(st storage.Store, _ io.Writer) error {
				infos, err := st.MigrationStatus(commandContext(cmd))
				if err != nil {
					return err
				}
				return writeMigrations(cmd, rf, infos)
			})
		},
	}
	cmd.AddCommand(up, status)
	return cmd
}

func runMigrate(cmd *cobra.Command, rf *rootFlags, base []app.Option, fn func(storage.Store, io.Writer) error) error {
	if _, err := rf.jsonOutput(); err != nil {
		return err
	}
	a, err := openApp(cmd, rf, base, app.WithoutAutoMigrate())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.Store(), cmd.OutOrStdout())
}

func writeMigrations(cmd *cobra.Command, rf *rootFlags, infos []storage.MigrationInfo) error {
	if asJSON, _ := rf.jsonOutput(); asJSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tSOURCE")
	for _, mi := range infos {
		state, at := "pending", ""
		if mi.Applied {
			state = "applied"
			if !mi.AppliedAt.IsZero() {
				at = mi.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", mi.Version, state, at, mi.Path)
	}
	return tw.Flush()
}
