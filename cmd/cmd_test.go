package cmd

import (
	"bytes"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"invoicer/internal/reconciliation"
	"invoicer/pkg/models"
)

func TestCUITCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"cuit", "20123456786", "30-71234567-1"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "20-12345678-6: valid")
	assert.Contains(t, out.String(), "30-71234567-1: valid")

	out.Reset()
	rootCmd.SetArgs([]string{"cuit", "20123456780"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "20123456780: invalid")
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, &reconciliation.Result{
		RunID:      "run-1",
		Processed:  2,
		Successful: 1,
		Failed:     1,
		Duration:   1500 * time.Millisecond,
		Items: []reconciliation.Item{
			{OrderNumber: "A", SalesPoint: 3, Status: reconciliation.StatusSucceeded, VoucherNumber: 43, CAE: "75123456789012", InvoiceDate: civil.Date{Year: 2025, Month: time.March, Day: 20}, Total: "1200"},
			{OrderNumber: "B", SalesPoint: 3, Status: reconciliation.StatusFailed, Error: "10016: fecha fuera de rango"},
		},
	})

	s := out.String()
	assert.Contains(t, s, "75123456789012")
	assert.Contains(t, s, "2025-03-20")
	assert.Contains(t, s, "10016: fecha fuera de rango")
	assert.Contains(t, s, "Run run-1: 2 processed (1 invoiced, 1 failed, 0 deferred)")
	assert.Contains(t, s, "in 1.5s")
}

func TestPendingState(t *testing.T) {
	voucher := int64(44)
	assert.Equal(t, "unconfirmed (voucher 44)", pendingState(models.Order{AttemptVoucher: &voucher}, ""))
	assert.Equal(t, "not eligible: too old", pendingState(models.Order{}, "too old"))
	assert.Equal(t, "ready", pendingState(models.Order{}, ""))
}

func TestManualCommand_FlagValidation(t *testing.T) {
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		for _, name := range []string{"order", "cae", "fail"} {
			_ = manualCmd.Flags().Set(name, "")
		}
		_ = manualCmd.Flags().Set("release", "false")
	})

	rootCmd.SetArgs([]string{"manual", "--order", "22012345678"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--cae and --voucher are required")

	rootCmd.SetArgs([]string{"manual", "--order", "22012345678", "--release", "--cae", "75123456789012"})
	err = rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}
