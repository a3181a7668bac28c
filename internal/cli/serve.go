package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcoot/clanharvest/internal/api"
	"github.com/mcoot/clanharvest/internal/factory"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		schedule string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reporting API, optionally harvesting on a schedule",
		Long: `Serve the read-only reporting API and Prometheus metrics. When a cron
schedule is given (--schedule or schedule.cron) harvests also run on every
tick; a tick that arrives while a harvest is still running is skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				if addr != "" {
					app.Config.API.Addr = addr
				}
				if schedule != "" {
					app.Config.Schedule.Cron = schedule
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serve(ctx, app)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides api.addr)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron spec for periodic harvests (overrides schedule.cron)")

	return cmd
}

// serve runs the API server until ctx is done
func serve(ctx context.Context, app *factory.App) error {
	logger := app.Logger

	if !app.AuthService.Enabled() {
		logger.Warn("api.token_hash is empty, the reporting API is unauthenticated")
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		AuthService: app.AuthService,
		Storage:     app.Storage,
		Ledger:      app.Ledger,
		Metrics:     app.Metrics,
		Events:      app.Events,
	})

	serverConfig := api.DefaultServerConfig()
	serverConfig.Addr = app.Config.API.Addr
	server := api.NewServer(router, serverConfig, logger)

	if spec := app.Config.Schedule.Cron; spec != "" {
		scheduler, err := app.Harvest.Schedule(ctx, spec)
		if err != nil {
			return err
		}
		if _, err := scheduler.AddFunc("@every 10m", app.AuthService.CleanExpired); err != nil {
			return err
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
		logger.Info("harvest schedule started", slog.String("schedule", spec))
	}

	go app.Events.Run()
	defer app.Events.Close()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for shutdown or error
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		// Open event streams would otherwise hold Shutdown until its timeout
		app.Events.Close()
		return server.Shutdown(context.Background())
	}
}
