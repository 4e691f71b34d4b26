package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use: "version",
		Short: "Print the ensemblectl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := app.version
			if v == "" {
				v = "dev"
			}
			fmt.Printf("ensemblectl %s (commit %s, built %s)\n", v, orDash(app.commit), orDash(app.date))
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
