package agent

import (
	"github.com/spf13/cobra"

	"github.com/exchange-agent/pkg/util"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			util.PrintBanner(cmd.OutOrStdout(), "exchange-agent", Version, "blue")
		},
	}
}
