package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jlnav/ensemblekit/internal/cli"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit = "unknown"
	date = "unknown"
)

func main() {
	app := cli.New()
	app.SetVersion(version, commit, date)

	ctx := context.Background()
	if err := app.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
