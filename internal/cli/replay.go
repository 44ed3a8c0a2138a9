package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewReplayCommand creates the replay command: rebuild a projection store
// from the persisted event log.
func NewReplayCommand(rootOpts *RootOptions, compose Composer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <store>",
		Short: "Rebuild a projection store from the event log",
		Long: `Purge a projection store and rebuild it by replaying every event
through the store's view handlers in sequence order.

Run this while the application is not serving; a projection mid-rebuild
answers queries with partial state.

Example:
  ESTUARY_DB=./app.db estuary replay orderCounts`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ad, _, err := composeRuntime(cmd, rootOpts, compose)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := ad.Close(); closeErr != nil {
					slog.Error("error closing database", "error", closeErr)
				}
			}()

			if err := rt.Replay(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "replay", err)
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Success("replayed " + args[0])
		},
	}
	return cmd
}
