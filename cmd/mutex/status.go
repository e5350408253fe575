package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "Show whether the lock named key is held and by whom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, held, err := a.inst.Mutex.Owner(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !held {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: free\n", args[0])
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: held by %s\n", args[0], owner)
			return err
		},
	}
}
