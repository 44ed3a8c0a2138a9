// Package cli wires the engine behind a cobra command tree: serve the
// live channel, replay projections, and inspect stores.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/estuarydb/estuary/internal/adapter"
	"github.com/estuarydb/estuary/internal/adapter/memory"
	"github.com/estuarydb/estuary/internal/adapter/sqlite"
	"github.com/estuarydb/estuary/internal/runtime"
)

// Composer builds the application context declaration the CLI operates
// on: its stores, commands, listeners, and views. The binary embedding
// this package supplies it; the CLI fills in adapter, logger, and limits
// from settings.
type Composer func() runtime.Config

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats are the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the estuary command tree around a composed
// application context.
func NewRootCommand(compose Composer) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "estuary",
		Short: "Estuary transactional event engine",
		Long:  "Run, rebuild, and inspect an estuary application context.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewServeCommand(opts, compose))
	cmd.AddCommand(NewReplayCommand(opts, compose))
	cmd.AddCommand(NewInspectCommand(opts, compose))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// openAdapter selects the backend from settings: SQLite when a database
// path is configured, in-memory otherwise.
func openAdapter(s Settings) (adapter.Adapter, error) {
	if s.Database == "" {
		slog.Warn("no database configured, state will not survive exit")
		return memory.New(), nil
	}
	slog.Info("opening database", "path", s.Database)
	return sqlite.Open(s.Database)
}

// composeRuntime resolves settings, opens the backend, and composes the
// runtime. The caller owns closing the returned adapter.
func composeRuntime(cmd *cobra.Command, opts *RootOptions, compose Composer) (*runtime.Runtime, adapter.Adapter, Settings, error) {
	settings, err := LoadSettings(opts.ConfigPath)
	if err != nil {
		return nil, nil, Settings{}, WrapExitError(ExitCommandError, "load settings", err)
	}

	ad, err := openAdapter(settings)
	if err != nil {
		return nil, nil, Settings{}, WrapExitError(ExitCommandError, "open database", err)
	}

	cfg := compose()
	cfg.Logger = slog.Default()
	cfg.CommandTimeout = settings.CommandTimeout
	cfg.MaxAsyncDepth = settings.MaxAsyncDepth

	rt, err := runtime.New(cmd.Context(), ad, cfg)
	if err != nil {
		ad.Close()
		return nil, nil, Settings{}, WrapExitError(ExitCommandError, "compose runtime", err)
	}
	return rt, ad, settings, nil
}
