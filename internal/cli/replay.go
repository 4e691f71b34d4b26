package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlnav/ensemblekit/internal/snapshot"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	SnapshotDB string
	RunID string
}

func newReplayCmd(app *App) *cobra.Command {
	opts := ReplayOptions{SnapshotDB: "ensemble_history.db"}

	cmd := &cobra.Command{
		Use: "replay <run-id>",
		Short: "Print the stored history table for a past run as JSON",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunID = args[0]
			return app.Replay(opts)
		},
	}
	cmd.Flags().StringVar(&opts.SnapshotDB, "db", opts.SnapshotDB, "path to the snapshot database")
	return cmd
}

// Replay loads runID's stored history from the snapshot store and
// writes it to stdout as JSON.
func (a *App) Replay(opts ReplayOptions) error {
	store, err := snapshot.Open(opts.SnapshotDB)
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}
	defer store.Close()

	rows, err := store.Load(opts.RunID)
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("ensemblectl: no history recorded for run %s", opts.RunID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", " ")
	return enc.Encode(rows)
}
