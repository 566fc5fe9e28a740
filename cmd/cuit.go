package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"invoicer/internal/fiscal"
)

var cuitCmd = &cobra.Command{
	Use:   "cuit [cuit...]",
	Short: "Validate CUIT numbers",
	Long: `Check the verification digit of one or more CUIT numbers and print them
in the hyphenated format with the taxpayer kind implied by the prefix.`,
	Example: `  invoicer cuit 20-12345678-6 30712345671`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runCUIT,
}

func init() {
	rootCmd.AddCommand(cuitCmd)
}

func runCUIT(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	invalid := 0
	for _, arg := range args {
		cuit, err := fiscal.ParseCUIT(arg)
		if err != nil {
			invalid++
			fmt.Fprintf(w, "%s: invalid (%v)\n", arg, err)
			continue
		}
		fmt.Fprintf(w, "%s: valid, %s\n", cuit.Format(), cuit.Kind())
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d CUITs are invalid", invalid, len(args))
	}
	return nil
}
