package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newStoreCmd(r *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the local store",
	}
	cmd.AddCommand(newStoreSweepCmd(r))
	return cmd
}

// DynamoDB expires rows through its TTL attribute; only sqlite needs a sweep.
func newStoreSweepCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired summaries and messages from the sqlite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.SQLite == nil {
				return errors.New("sweep is only needed for the sqlite store")
			}
			n, err := a.SQLite.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired row(s)\n", n)
			return nil
		},
	}
}
