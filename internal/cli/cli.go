// Package cli wires the ensemblectl command tree (run/status/replay):
// a thin App holding shared flags, each subcommand in its own file.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// App holds the cobra command tree and flags shared across subcommands.
type App struct {
	rootCmd *cobra.Command
	verbose bool

	version string
	commit string
	date string
}

// New creates the ensemblectl application.
func New() *App {
	a := &App{}
	a.setupRootCmd()
	return a
}

// Execute runs the application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// ExecuteContext runs the application with ctx threaded to every
// subcommand via cmd.Context().
func (a *App) ExecuteContext(ctx context.Context) error {
	return a.rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string reported by `ensemblectl version`.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use: "ensemblectl",
		Short: "Run and inspect ensemble-computation jobs",
		Long: `ensemblectl drives a manager/worker ensemble run: a generator proposes work, simulators evaluate it, and an allocator decides what goes where next.`,
		SilenceUsage: true,
		SilenceErrors: true,
	}
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	a.rootCmd.AddCommand(newRunCmd(a))
	a.rootCmd.AddCommand(newStatusCmd(a))
	a.rootCmd.AddCommand(newReplayCmd(a))
	a.rootCmd.AddCommand(newVersionCmd(a))
}
