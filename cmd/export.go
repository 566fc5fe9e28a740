package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"invoicer/internal/ledger"
	"invoicer/internal/logger"
	"invoicer/internal/sheets"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger to Google Sheets",
	Long: `Write the ledger to a worksheet of a Google Sheet, newest orders first.
Previous rows on the worksheet are replaced.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  GOOGLE_SHEET_URL - Google Sheets URL to export to
  GOOGLE_SHEET_WORKSHEET - Worksheet name (default: Ledger)`,
	Example: `  # Export everything
  invoicer export

  # Export the current year to a separate tab
  invoicer export --since 2025-01-01 --sheet 2025`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("since", "", "Only orders created on or after this date (format: YYYY-MM-DD)")
	exportCmd.Flags().String("sheet", "", "Worksheet name (default: GOOGLE_SHEET_WORKSHEET)")
	exportCmd.Flags().Bool("pending", false, "Only export orders without an outcome")
}

func runExport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("export")

	sinceStr, _ := cmd.Flags().GetString("since")
	sheetName, _ := cmd.Flags().GetString("sheet")
	pendingOnly, _ := cmd.Flags().GetBool("pending")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.RequireSheets(); err != nil {
		return err
	}
	if sheetName == "" {
		sheetName = a.cfg.GoogleSheetWorksheet
	}

	filter := ledger.ListFilter{PendingOnly: pendingOnly}
	if sinceStr != "" {
		since, err := time.ParseInLocation("2006-01-02", sinceStr, a.cfg.Location())
		if err != nil {
			return fmt.Errorf("invalid since date format. Use YYYY-MM-DD: %w", err)
		}
		filter.Since = &since
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	records, err := a.ledger.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	sheetsService, err := sheets.NewSheetsService(ctx, a.cfg.GoogleSheetURL)
	if err != nil {
		return fmt.Errorf("failed to initialize Google Sheets service: %w", err)
	}

	if err := sheetsService.ExportRecords(ctx, records, sheetName, a.cfg.Location()); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	log.Info().
		Str("sheet", sheetName).
		Int("records", len(records)).
		Msg("Ledger export completed")

	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to worksheet %q\n", len(records), sheetName)
	return nil
}
