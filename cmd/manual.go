package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
)

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Settle an order by hand",
	Long: `Mark an order as invoiced with a CAE obtained elsewhere, typically through
AFIP's web portal after an automatic submission could not be confirmed.

The order is never submitted again once it is marked. An order that already
has an outcome is left unchanged.

When AFIP never issued the unconfirmed voucher, --release clears the
submission attempt so the next run numbers the order again. --fail records
the order as failed instead.`,
	Example: `  # Settle an unconfirmed submission
  invoicer manual --order 22012345678 --cae 75123456789012 --voucher 43 --sales-point 3

  # With voucher type, expiration and a note
  invoicer manual --order 22012345678 --cae 75123456789012 --voucher 43 \
    --voucher-type 11 --cae-expiration 2025-03-30 --notes "issued from the portal"

  # The voucher was never issued, submit the order again
  invoicer manual --order 22012345678 --release

  # Give up on the order
  invoicer manual --order 22012345678 --fail "refunded to the buyer"`,
	RunE: runManual,
}

func init() {
	rootCmd.AddCommand(manualCmd)

	manualCmd.Flags().String("order", "", "Exchange order number")
	manualCmd.Flags().String("cae", "", "CAE issued by AFIP")
	manualCmd.Flags().Int64("voucher", 0, "Voucher number of the issued invoice")
	manualCmd.Flags().Int("voucher-type", 0, "Voucher type of the issued invoice (default: type of the recorded attempt)")
	manualCmd.Flags().Int("sales-point", 0, "Sales point the invoice was issued on")
	manualCmd.Flags().String("cae-expiration", "", "CAE expiration date (format: YYYY-MM-DD)")
	manualCmd.Flags().String("notes", "", "Free-text note stored with the record")
	manualCmd.Flags().Bool("release", false, "Clear an unconfirmed submission that AFIP never issued")
	manualCmd.Flags().String("fail", "", "Record the order as failed with this reason")

	_ = manualCmd.MarkFlagRequired("order")
	manualCmd.MarkFlagsMutuallyExclusive("release", "fail", "cae")
}

func runManual(cmd *cobra.Command, args []string) error {
	orderNumber, _ := cmd.Flags().GetString("order")
	release, _ := cmd.Flags().GetBool("release")
	failReason, _ := cmd.Flags().GetString("fail")
	caeCode, _ := cmd.Flags().GetString("cae")
	voucher, _ := cmd.Flags().GetInt64("voucher")

	if !release && failReason == "" && (caeCode == "" || voucher <= 0) {
		return fmt.Errorf("--cae and --voucher are required unless --release or --fail is given")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	switch {
	case release:
		return releaseAttempt(ctx, cmd, a, orderNumber)
	case failReason != "":
		return failOrder(ctx, cmd, a, orderNumber, failReason)
	default:
		return markInvoiced(ctx, cmd, a, orderNumber)
	}
}

func markInvoiced(ctx context.Context, cmd *cobra.Command, a *app, orderNumber string) error {
	log := logger.WithComponent("manual")

	caeCode, _ := cmd.Flags().GetString("cae")
	voucher, _ := cmd.Flags().GetInt64("voucher")
	voucherType, _ := cmd.Flags().GetInt("voucher-type")
	salesPoint, _ := cmd.Flags().GetInt("sales-point")
	expirationStr, _ := cmd.Flags().GetString("cae-expiration")
	notes, _ := cmd.Flags().GetString("notes")

	cae := models.CAE{Code: caeCode}
	if expirationStr != "" {
		expiration, err := fiscal.ParseDate("cae-expiration", expirationStr)
		if err != nil {
			return err
		}
		cae.Expiration = expiration.In(time.UTC)
	}

	if salesPoint == 0 || voucherType == 0 {
		record, err := a.ledger.RecordOf(ctx, orderNumber)
		if err != nil {
			return fmt.Errorf("failed to read order %s: %w", orderNumber, err)
		}
		if record != nil {
			if salesPoint == 0 {
				salesPoint = a.processor.SalesPointFor(record.Order)
			}
			if voucherType == 0 && record.AttemptVoucherType != nil {
				voucherType = *record.AttemptVoucherType
			}
		}
	}

	if err := a.ledger.MarkManual(ctx, orderNumber, cae, voucher, salesPoint, voucherType, notes); err != nil {
		return fmt.Errorf("failed to mark order %s: %w", orderNumber, err)
	}

	log.Info().
		Str("order_number", orderNumber).
		Int64("voucher_number", voucher).
		Int("voucher_type", voucherType).
		Int("sales_point", salesPoint).
		Msg("Order marked as manually invoiced")

	fmt.Fprintf(cmd.OutOrStdout(), "Order %s recorded as invoiced (PV %d, voucher %d, CAE %s)\n", orderNumber, salesPoint, voucher, caeCode)
	return nil
}

func releaseAttempt(ctx context.Context, cmd *cobra.Command, a *app, orderNumber string) error {
	record, err := a.ledger.RecordOf(ctx, orderNumber)
	if err != nil {
		return fmt.Errorf("failed to read order %s: %w", orderNumber, err)
	}
	if record == nil {
		return fiscal.NewNotFoundError("order", orderNumber)
	}
	if record.AttemptVoucher == nil {
		return fmt.Errorf("order %s has no submission attempt to release", orderNumber)
	}

	voucher := *record.AttemptVoucher
	if err := a.ledger.ClearAttempt(ctx, orderNumber, voucher); err != nil {
		return fmt.Errorf("failed to release order %s: %w", orderNumber, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Order %s released, voucher %d will not be assumed issued\n", orderNumber, voucher)
	return nil
}

func failOrder(ctx context.Context, cmd *cobra.Command, a *app, orderNumber, reason string) error {
	if err := a.ledger.MarkManualFailure(ctx, orderNumber, reason); err != nil {
		return fmt.Errorf("failed to mark order %s as failed: %w", orderNumber, err)
	}

	log := logger.WithComponent("manual")
	log.Info().
		Str("order_number", orderNumber).
		Str("reason", reason).
		Msg("Order marked as failed")

	fmt.Fprintf(cmd.OutOrStdout(), "Order %s recorded as failed: %s\n", orderNumber, reason)
	return nil
}
