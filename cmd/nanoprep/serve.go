package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// serve runs the HTTP interface until ctx is done
func serve(ctx context.Context, app *App) error {
	srv := &http.Server{Addr: app.Config.Addr, Handler: app.Router(), ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	app.Log.Info("now listening for requests", "addr", app.Config.Addr)
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the instrument and the protocols over HTTP",
		Long: `serve exposes the sourcemeter under /sourcemeter, the protocol runner under
/runner, the run archive under /archive and Prometheus metrics at /metrics.
GET /endpoints lists every route.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			log, err := c.Logger()
			if err != nil {
				return err
			}
			slog.SetDefault(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			app, err := NewApp(ctx, c, log)
			if err != nil {
				return err
			}
			defer app.Close()
			return serve(ctx, app)
		},
	}
}
