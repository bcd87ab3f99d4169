package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"swap2p/internal/logger"
	"swap2p/internal/tradeindex"
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List existing escrow trades from the backend indexer",
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")
		decimals, _ := cmd.Flags().GetInt32("decimals")

		client, err := tradeindex.NewClient(v.GetString("backend_base_url"), tradeindex.WithLogger(logger.Named("tradeindex")))
		if err != nil {
			return err
		}
		recs, err := client.Fetch(cmd.Context(), tradeindex.Page{Offset: offset, Limit: limit})
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), tradeindex.FailureNotice)
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOFFER\tAMOUNT\tWANT\tAMOUNT\tCOUNTERPARTY\tSTATUS")
		for _, r := range recs {
			counterparty := "anyone"
			if !r.OpenToAny() {
				counterparty = r.YOwner.Hex()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.XAsset.Hex(), tradeindex.FormatUnits(r.XAmount, decimals),
				r.YAsset.Hex(), tradeindex.FormatUnits(r.YAmount, decimals),
				counterparty, r.Status)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(tradesCmd)
	tradesCmd.Flags().Int("offset", tradeindex.DefaultPage.Offset, "first trade to show")
	tradesCmd.Flags().Int("limit", tradeindex.DefaultPage.Limit, "number of trades to show")
	tradesCmd.Flags().Int32("decimals", 0, "display amounts in whole tokens with this many decimals")
}
