package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"invoicer/internal/logger"
	"invoicer/internal/reconciliation"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Invoice every pending order",
	Long: `Submit every pending order to AFIP and record the outcome in the ledger.

With --fetch-days the exchange export is read first and unseen SELL orders
from that window are added as pending before processing.

A rejected or ineligible order is recorded as failed and never resubmitted.
If AFIP cannot be reached, the remaining orders of that sales point are
left pending for the next run.

Required environment variables (unless --dry-run):
  ISSUER_CUIT - CUIT of the issuing taxpayer
  AFIP_SIDECAR_URL - Base URL of the AFIP web service sidecar`,
	Example: `  # Process what is already pending
  invoicer process

  # Fetch the last 7 days and process
  invoicer process --fetch-days 7

  # Show the invoices that would be issued
  invoicer process --fetch-days 7 --dry-run`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Int("fetch-days", 0, "Fetch orders from the last N days before processing (0 = skip fetch)")
	processCmd.Flags().Bool("dry-run", false, "Build invoices without submitting them or writing the ledger")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("process")

	fetchDays, _ := cmd.Flags().GetInt("fetch-days")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if fetchDays < 0 {
		return fmt.Errorf("fetch days must not be negative")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	orchestrator, err := a.orchestrator(dryRun, !dryRun)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	log.Info().
		Int("fetch_days", fetchDays).
		Bool("dry_run", dryRun).
		Msg("Starting processing run")

	var result *reconciliation.Result
	if fetchDays > 0 {
		sync, syncErr := orchestrator.Sync(ctx, fetchDays)
		if sync != nil {
			printIngest(cmd.OutOrStdout(), sync.Ingest, dryRun)
			result = sync.Process
		}
		err = syncErr
	} else {
		result, err = orchestrator.ProcessUnprocessedOrders(ctx)
	}

	if result != nil {
		printResult(cmd.OutOrStdout(), result)
	}
	if err != nil {
		return fmt.Errorf("processing run failed: %w", err)
	}

	if result.Failed > 0 || result.Deferred > 0 {
		log.Warn().
			Int("failed", result.Failed).
			Int("deferred", result.Deferred).
			Msg("Run finished with orders that were not invoiced")
	}
	return nil
}

func printIngest(w io.Writer, r *reconciliation.IngestResult, dryRun bool) {
	if r == nil {
		return
	}
	if dryRun {
		fmt.Fprintf(w, "Fetched %d orders: %d new, %d already in the ledger (nothing written)\n", r.Fetched, len(r.NewOrders), r.Duplicates)
		return
	}
	fmt.Fprintf(w, "Fetched %d orders: %d added as pending, %d already in the ledger\n", r.Fetched, r.Inserted, r.Duplicates)
}

func printResult(w io.Writer, r *reconciliation.Result) {
	if len(r.Items) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ORDER\tPV\tSTATUS\tVOUCHER\tCAE\tDATE\tTOTAL\tDETAIL")
		for _, item := range r.Items {
			voucher, date := "", ""
			if item.VoucherNumber > 0 {
				voucher = fmt.Sprintf("%d", item.VoucherNumber)
			}
			if item.InvoiceDate.IsValid() {
				date = item.InvoiceDate.String()
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				item.OrderNumber, item.SalesPoint, item.Status, voucher, item.CAE, date, item.Total, item.Error)
		}
		_ = tw.Flush()
	}

	fmt.Fprintf(w, "\nRun %s: %d processed (%d invoiced, %d failed, %d deferred), %d skipped, %d previewed in %s\n",
		r.RunID, r.Processed, r.Successful, r.Failed, r.Deferred, r.Skipped, r.Previewed, r.Duration.Round(time.Millisecond))
}

