package serve

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/trackfill/internal/app"
	"github.com/tphakala/trackfill/internal/httpserver"
	"github.com/tphakala/trackfill/internal/logger"
)

// Command creates the command that serves the propagation API.
func Command(a *app.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the propagation HTTP API",
		Long:  "Accepts propagation requests over HTTP, runs them in the background and records them in the run ledger.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), a)
		},
	}

	cmd.Flags().String("port", "", "Port to listen on (default: webserver.port)")
	_ = viper.BindPFlag("webserver.port", cmd.Flags().Lookup("port"))

	return cmd
}

func run(ctx context.Context, a *app.App) error {
	log := a.Logger("serve")

	ledger, err := a.OpenLedger()
	if err != nil {
		return err
	}
	r, err := a.NewRunner(ctx, app.RunnerOptions{Ledger: ledger})
	if err != nil {
		return err
	}

	server := httpserver.New(httpserver.Config{
		Port:    a.Settings.WebServer.Port,
		Runner:  r,
		Ledger:  ledger,
		Metrics: a.Metrics,
		Logger:  a.Logger("httpserver"),
	})
	server.Start()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", logger.Error(err))
		return err
	}
	return nil
}
