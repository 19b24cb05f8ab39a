package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/lindenhall/bfdd/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bfdctl version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("bfdctl"))
			return nil
		},
	}
}
