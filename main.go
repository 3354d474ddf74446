package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/trackfill/cmd"
	"github.com/tphakala/trackfill/internal/app"
	"github.com/tphakala/trackfill/internal/buildinfo"
)

// buildDate and version are set at link time
var (
	buildDate string
	version   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(buildinfo.NewContext(version, buildDate))
	rootCmd := cmd.RootCommand(a)

	err := rootCmd.ExecuteContext(ctx)
	a.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command execution error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
