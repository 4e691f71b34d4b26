package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jlnav/ensemblekit/internal/snapshot"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	SnapshotDB string
}

func newStatusCmd(app *App) *cobra.Command {
	opts := StatusOptions{SnapshotDB: "ensemble_history.db"}

	cmd := &cobra.Command{
		Use: "status",
		Short: "List runs recorded in the snapshot database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowStatus(opts)
		},
	}
	cmd.Flags().StringVar(&opts.SnapshotDB, "db", opts.SnapshotDB, "path to the snapshot database")
	return cmd
}

// ShowStatus prints a table of every run recorded in the snapshot store.
func (a *App) ShowStatus(opts StatusOptions) error {
	store, err := snapshot.Open(opts.SnapshotDB)
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns()
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "RUN ID\tUPDATED\tSIM COUNT\tEXIT FLAG\tERROR")
	for _, r := range runs {
		flag := "-"
		if r.ExitFlag != nil {
			flag = fmt.Sprintf("%d", *r.ExitFlag)
		}
		errStr := r.Error
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.SimCount, flag, errStr)
	}
	return nil
}
