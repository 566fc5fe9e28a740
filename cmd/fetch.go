package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Add new orders from the exchange export to the ledger",
	Long: `Read the exchange's P2P order history export and record every completed
order not yet in the ledger as pending. Nothing is submitted to AFIP.

The export path is taken from ORDERS_EXPORT_PATH (default: orders.json).`,
	Example: `  # Fetch SELL orders from the last 30 days
  invoicer fetch --days 30

  # List what would be added
  invoicer fetch --days 30 --dry-run`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().Int("days", 7, "Fetch orders created within the last N days")
	fetchCmd.Flags().String("trade-type", string(models.TradeSell), "Trade direction to fetch (SELL or BUY)")
	fetchCmd.Flags().Bool("dry-run", false, "List new orders without writing the ledger")
}

func runFetch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("fetch")

	days, _ := cmd.Flags().GetInt("days")
	tradeTypeStr, _ := cmd.Flags().GetString("trade-type")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	tradeType := models.TradeType(strings.ToUpper(tradeTypeStr))
	if tradeType != models.TradeSell && tradeType != models.TradeBuy {
		return fmt.Errorf("invalid trade type %q. Use SELL or BUY", tradeTypeStr)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	orchestrator, err := a.orchestrator(dryRun, false)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	result, err := orchestrator.IngestOrders(ctx, days, tradeType)
	if err != nil {
		return fmt.Errorf("failed to fetch orders: %w", err)
	}

	w := cmd.OutOrStdout()
	printIngest(w, result, dryRun)
	for _, o := range result.NewOrders {
		fmt.Fprintf(w, "  %s  %s  %s %s  %s %s\n",
			o.OrderNumber, o.CreateTime.In(a.cfg.Location()).Format("2006-01-02 15:04"),
			o.Amount.String(), o.Asset, o.TotalPrice.StringFixed(2), o.Fiat)
	}

	log.Info().
		Int("fetched", result.Fetched).
		Int64("inserted", result.Inserted).
		Msg("Fetch completed")
	return nil
}
