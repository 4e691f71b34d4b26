package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jlnav/ensemblekit/internal/cli/tui"
	"github.com/jlnav/ensemblekit/internal/config"
	"github.com/jlnav/ensemblekit/internal/demo"
	"github.com/jlnav/ensemblekit/internal/ensemble"
	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/snapshot"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	ConfigPath string
	Demo bool
	NoTUI bool
	SnapshotDB string
}

func newRunCmd(app *App) *cobra.Command {
	opts := RunOptions{SnapshotDB: "ensemble_history.db"}

	cmd := &cobra.Command{
		Use: "run",
		Short: "Run an ensemble to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to an ensemble YAML config")
	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "run the bundled quadratic-fit demo instead of a config file")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "disable the live dashboard even on a terminal")
	cmd.Flags().StringVar(&opts.SnapshotDB, "db", opts.SnapshotDB, "path to the snapshot database")
	return cmd
}

// Run executes an ensemble run, optionally driving a Bubble Tea dashboard.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if !opts.Demo && opts.ConfigPath == "" {
		return fmt.Errorf("ensemblectl: either --config or --demo is required")
	}

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return fmt.Errorf("ensemblectl: %w", err)
		}
		cfg = loaded
	}

	// Generator/simulator callbacks are Go values the caller supplies,
	// not a dynamically loaded plugin; the CLI always drives the
	// bundled quadratic-fit demo, with --config tuning worker count,
	// allocator, and exit criteria around it.
	schema, err := history.NewSchema(demo.Schema())
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}

	store, err := snapshot.Open(opts.SnapshotDB)
	if err != nil {
		return fmt.Errorf("ensemblectl: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()

	ensOpts := ensemble.Options{
		Sim: demo.SimSpec(),
		Gen: demo.GenSpec(1, 1),
		Schema: schema,
		Events: bus,
		Store: store,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	useTUI := !opts.NoTUI && term.IsTerminal(int(os.Stdout.Fd()))
	if !useTUI {
		bus.Subscribe(events.LogHandler(events.LogConfig{Writer: os.Stdout}))
		result, runErr := ensemble.Run(ctx, cfg, ensOpts)
		if runErr != nil {
			return fmt.Errorf("ensemblectl: %w", runErr)
		}
		simCount := 0
		for _, r := range result.History {
			if r.Returned {
				simCount++
			}
		}
		fmt.Printf("done: sim_count=%d rows=%d exit_flag=%d\n", simCount, len(result.History), result.ExitFlag)
		return nil
	}

	model := tui.NewModel(cfg.NumWorkers)
	program := tea.NewProgram(model, tea.WithAltScreen())
	bridge := tui.NewBridge(program)
	bus.Subscribe(bridge.Handler())

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := ensemble.Run(ctx, cfg, ensOpts)
		runErr = err
		bridge.SendDone(int(res.ExitFlag), err)
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("ensemblectl: dashboard: %w", err)
	}
	<-done
	return runErr
}
