package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clipcut/clipcut-agent/internal/config"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "clipcut %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
			return nil
		},
	}
}
