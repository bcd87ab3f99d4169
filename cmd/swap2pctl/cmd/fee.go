package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"swap2p/internal/config"
	"swap2p/internal/contracts"
	"swap2p/internal/tradeindex"
	"swap2p/internal/wallet"
)

var feeCmd = &cobra.Command{
	Use:   "fee",
	Short: "Show the protocol fee createEscrow currently requires",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromViper(v)
		if err != nil {
			return err
		}

		node, err := wallet.DialProvider(cmd.Context(), cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer node.Close()

		enc := contracts.MustEncoder()
		data, err := enc.PackFee()
		if err != nil {
			return err
		}
		raw, err := node.Read(cmd.Context(), wallet.CallRequest{To: cfg.Escrow.Contract, From: common.Address{}, Data: data})
		if err != nil {
			return err
		}
		fee, err := enc.UnpackFee(raw)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s wei (%s ETH) at %s\n", fee, tradeindex.FormatUnits(fee, 18), cfg.Escrow.Contract.Hex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(feeCmd)
}
