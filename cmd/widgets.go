package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/abi-engine/internal/widget"
)

var widgetsCmd = &cobra.Command{
	Use:   "widgets",
	Short: "Inspect the widget registry",
}

var widgetsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that every core intent has a widget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := widget.DefaultRegistry()
		if err := widget.ValidateIntentCoverage(reg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d widgets cover every core intent\n", reg.Len())
		return nil
	},
}

func init() {
	widgetsCmd.AddCommand(widgetsValidateCmd)
	rootCmd.AddCommand(widgetsCmd)
}
