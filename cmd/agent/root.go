package agent

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/exchange-agent/pkg/config"
)

// Version 构建时通过 -ldflags "-X github.com/exchange-agent/cmd/agent.Version=..." 写入
var Version = "dev"

var defaultCfg = config.NewDefaultConfig()

var rootCmd = &cobra.Command{
	Use:           "exchange-agent",
	Short:         "Store-and-forward message exchange agent for a remote management service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigWithCli(cmd)
		if err != nil {
			return fmt.Errorf("%w (check the config file path or pass -c)", err)
		}
		configFile, _ := cmd.Flags().GetString("config")
		return runAgent(cmd.Context(), cfg, configFile)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (YAML)")
	// 注册分组 flag
	initServerFlags(rootCmd)
	initExchangeFlags(rootCmd)
	initMonitorFlags(rootCmd)
	initLogFlags(rootCmd)

	rootCmd.AddCommand(newQueueCmd(), newConfigCmd(), newVersionCmd())
}
