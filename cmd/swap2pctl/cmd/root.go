package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"swap2p/internal/config"
	"swap2p/internal/logger"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "swap2pctl",
	Short: "Create and inspect Swap2p escrow trades",
	Long: `swap2pctl submits trade proposals to the Swap2p escrow contract
(approve, fee lookup, createEscrow) and lists existing trades from the
backend indexer. Every flag can also be set as a SWAP2P_* environment
variable or in a config file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
		return logger.Init(v.GetString("log_env"))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.String("rpc", "", "node or wallet provider RPC URL")
	pf.String("private-key", "", "sign locally with this key instead of the provider")
	pf.String("account", "", "account the provider signs for")
	pf.Int64("chain-id", 0, "expected chain id")
	pf.String("escrow", "", "Swap2p escrow contract address")
	pf.String("backend", "", "trade indexer base URL")
	pf.String("log-env", "", "development or production logging")

	bind := map[string]string{
		"rpc_url":          "rpc",
		"private_key":      "private-key",
		"account":          "account",
		"chain_id":         "chain-id",
		"escrow_contract":  "escrow",
		"backend_base_url": "backend",
		"log_env":          "log-env",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
}
