package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/estuarydb/estuary/internal/publish"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	IncludeDeleted bool
	Limit          int
}

// NewInspectCommand creates the inspect command: dump a store's records.
func NewInspectCommand(rootOpts *RootOptions, compose Composer) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <store>",
		Short: "Dump the committed records of a store",
		Long: `Read a store's committed records in identity order. The reserved
"_events" store holds the event log and can be inspected like any other.

Example:
  ESTUARY_DB=./app.db estuary inspect orders --format json
  ESTUARY_DB=./app.db estuary inspect _events --limit 20`,
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

			records, err := rt.ExecuteQuery(cmd.Context(), publish.AuthContext{Subject: "cli"}, args[0], query.Criteria{
				Sort:           []query.SortKey{{Field: record.IDField}},
				Limit:          opts.Limit,
				IncludeDeleted: opts.IncludeDeleted,
			})
			if err != nil {
				return WrapExitError(ExitFailure, "inspect", err)
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				formatter := &OutputFormatter{Format: rootOpts.Format, Writer: out}
				return formatter.Success(records)
			}
			for _, r := range records {
				fields, err := json.Marshal(r.Fields)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\tv%d\t%s", r.ID, r.Version, fields)
				if r.Deleted {
					fmt.Fprint(out, "\t(deleted)")
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d record(s)\n", len(records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include soft-deleted records")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to print (0 = all)")

	return cmd
}
