package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runFetch(cmd *cobra.Command, args []string) error {
	dir, err := fetchDistribution(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dir)
	return nil
}
