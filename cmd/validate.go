// =============================================================================
// DJ Filer - Validate Command
// =============================================================================
//
// COMMAND USAGE:
//   djfiler validate <code> <input> [--report]
//
// Runs the pipeline up to validation and prints the errors. Nothing is
// encoded or persisted. The command fails when the data is invalid, so it
// can gate scripts.
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/dj-filer/internal/processor"
	"github.com/ginjaninja78/dj-filer/internal/validation"
)

// writeReport also writes the report files.
var writeReport bool

var validateCmd = &cobra.Command{
	Use:   "validate <code> <input>",
	Short: "Validate declaration data without writing a filing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := app.proc.Run(cmd.Context(), processor.Request{
			Code:         args[0],
			InputPath:    args[1],
			ValidateOnly: true,
			SkipReport:   !writeReport,
		})
		if res.Error != nil {
			return res.Error
		}

		out := cmd.OutOrStdout()
		for _, w := range res.Report.Warnings {
			fmt.Fprintf(out, "Advertencia: %s\n", w)
		}
		fmt.Fprint(out, validation.FormatErrors(res.Report, app.cfg.Validation.MaxErrorsShown))
		if res.ReportFile != "" {
			fmt.Fprintf(out, "\nReporte: %s\n", res.ReportFile)
		}

		if !res.Valid() {
			return errors.New("validation failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&writeReport, "report", false, "Also write the Excel report and the text error log")
}
