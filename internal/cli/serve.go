package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/estuarydb/estuary/internal/live"
	"github.com/estuarydb/estuary/internal/runtime"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command: compose the runtime, expose
// the live change channel over websocket, and run until interrupted.
func NewServeCommand(rootOpts *RootOptions, compose Composer) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live change channel",
		Long: `Compose the application context and serve its live change channel.

Every committed change batch is broadcast to connected websocket peers at
/live, and peers may submit change batches of their own, which are applied
through the same serialized path as local commands.

Example:
  estuary serve --config estuary.yaml
  ESTUARY_DB=./app.db estuary serve --addr :9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, compose)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions, compose Composer) error {
	hub := live.NewHub(live.HubConfig{Logger: slog.Default()})

	settings, err := LoadSettings(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load settings", err)
	}
	if opts.Addr != "" {
		settings.Addr = opts.Addr
	}

	ad, err := openAdapter(settings)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer func() {
		if closeErr := ad.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	cfg := compose()
	cfg.Logger = slog.Default()
	cfg.Broadcaster = hub
	cfg.CommandTimeout = settings.CommandTimeout
	cfg.MaxAsyncDepth = settings.MaxAsyncDepth

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := runtime.New(ctx, ad, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "compose runtime", err)
	}
	hub.SetApplier(rt)

	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/live", hub)

	srv := &http.Server{Addr: settings.Addr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		cancel()
	}()

	slog.Info("serving live channel", "addr", settings.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "serve", err)
	}

	// Let in-flight async listener trees finish before the adapter closes.
	rt.Drain()
	slog.Info("shutdown complete")
	return nil
}
