package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger totals and pending orders",
	Long: `Print how many orders are invoiced, failed and pending, the highest voucher
recorded per sales point, and the pending orders with their eligibility.

Orders with an unconfirmed submission must be settled with the manual
command before they are processed again.`,
	Example: `  # Totals only
  invoicer status

  # Include every pending order
  invoicer status --pending`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("pending", false, "List pending orders with their eligibility")
}

func runStatus(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("status")

	showPending, _ := cmd.Flags().GetBool("pending")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	stats, err := a.ledger.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger statistics: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Orders:      %d\n", stats.Total)
	fmt.Fprintf(w, "Invoiced:    %d (%d automatic, %d manual)\n", stats.Successful, stats.Automatic, stats.Manual)
	fmt.Fprintf(w, "Failed:      %d\n", stats.Failed)
	fmt.Fprintf(w, "Pending:     %d\n", stats.Pending)
	if stats.Unconfirmed > 0 {
		fmt.Fprintf(w, "Unconfirmed: %d (settle with 'invoicer manual')\n", stats.Unconfirmed)
	}

	salesPoints := make([]int, 0, len(stats.LastVoucher))
	for sp := range stats.LastVoucher {
		salesPoints = append(salesPoints, sp)
	}
	sort.Ints(salesPoints)
	for _, sp := range salesPoints {
		fmt.Fprintf(w, "Last voucher PV %d: %d\n", sp, stats.LastVoucher[sp])
	}

	pending, err := a.ledger.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending orders: %w", err)
	}

	batch := a.processor.CalculateStatistics(pending)
	for fiat, total := range batch.TotalsByFiat {
		fmt.Fprintf(w, "Pending total %s: %s\n", fiat, total.StringFixed(2))
	}
	if batch.Oldest != nil {
		fmt.Fprintf(w, "Oldest pending: %s\n", batch.Oldest.In(a.cfg.Location()).Format("2006-01-02 15:04"))
	}

	if showPending && len(pending) > 0 {
		categorized := a.processor.CategorizeOrders(pending)
		reasons := make(map[string]string, len(categorized.Unprocessable))
		for _, u := range categorized.Unprocessable {
			reasons[u.Order.OrderNumber] = strings.Join(u.Reasons, "; ")
		}

		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ORDER\tCREATED\tPV\tTOTAL\tSTATE")
		for _, o := range pending {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s %s\t%s\n",
				o.OrderNumber, o.CreateTime.In(a.cfg.Location()).Format("2006-01-02 15:04"),
				a.processor.SalesPointFor(o), o.TotalPrice.StringFixed(2), o.Fiat, pendingState(o, reasons[o.OrderNumber]))
		}
		_ = tw.Flush()
	}

	log.Debug().
		Int64("total", stats.Total).
		Int64("pending", stats.Pending).
		Msg("Status reported")
	return nil
}

func pendingState(o models.Order, reason string) string {
	switch {
	case o.HasUnconfirmedAttempt():
		return fmt.Sprintf("unconfirmed (voucher %d)", *o.AttemptVoucher)
	case reason != "":
		return "not eligible: " + reason
	default:
		return "ready"
	}
}
