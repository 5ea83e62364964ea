// =============================================================================
// DJ Filer - Process Command
// =============================================================================
//
// This file defines the 'process' command, the main command for turning
// declaration data into an SII filing.
//
// COMMAND USAGE:
//   djfiler process <code> [input] [flags]
//
// FLAGS:
//   -o, --output : Filing path (single input only)
//   --force      : Write the filing even when validation fails
//   --save       : Persist validated rows in the configured storage
//   --workers    : Goroutines validating rows (default from config)
//
// PROCESSING PIPELINE (per input):
//   1. Load the declaration metadata
//   2. Read the workbook or CSV
//   3. Apply the declaration's transformations
//   4. Check and consolidate sections (composite declarations)
//   5. Validate, writing the error report when invalid
//   6. Encode and write the filing
//   7. Persist and archive
//
// Without an input the command processes every matching file of input_dir
// concurrently and writes a summary log to reports_dir.
//
// =============================================================================

package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/dj-filer/internal/processor"
	"github.com/ginjaninja78/dj-filer/internal/validation"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

// outputPath overrides the generated filing name.
var outputPath string

// force writes the filing despite validation errors.
var force bool

// save persists the validated rows.
var save bool

// workers overrides validation.workers.
var workers int

// =============================================================================
// PROCESS COMMAND DEFINITION
// =============================================================================

var processCmd = &cobra.Command{
	Use:   "process <code> [input]",
	Short: "Validate declaration data and write the SII filing",
	Long: `The process command validates a declaration's data and encodes it into
the fixed-width file uploaded to the SII.

On success:
  - The filing is written to output_dir
  - The input is archived when archive_on_success is set

On validation errors:
  - An Excel report and a text log are written to reports_dir
  - No filing is written unless --force is given

Without an input, every file in input_dir matching the declaration's
patterns is processed and a summary log is written.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if outputPath != "" {
				return fmt.Errorf("--output needs a single input file")
			}
			return runBatch(cmd, args[0])
		}
		return runSingle(cmd, args[0], args[1])
	},
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Filing path (default output_dir/<output_name_format>)")
	processCmd.Flags().BoolVar(&force, "force", false, "Write the filing even when validation fails")
	processCmd.Flags().BoolVar(&save, "save", false, "Persist validated rows in the configured storage")
	processCmd.Flags().IntVar(&workers, "workers", 0, "Goroutines validating rows (default validation.workers)")
}

// =============================================================================
// PROCESSING FUNCTIONS
// =============================================================================

func runSingle(cmd *cobra.Command, code, input string) error {
	res := app.proc.Run(cmd.Context(), processor.Request{
		Code:       code,
		InputPath:  input,
		OutputPath: outputPath,
		Force:      force,
		Save:       save,
		Workers:    workers,
	})
	printResult(cmd.OutOrStdout(), &res)
	return res.Error
}

func runBatch(cmd *cobra.Command, code string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "=== DJ %s ===\n", code)

	batch, err := app.proc.RunBatch(cmd.Context(), processor.BatchRequest{
		Code:    code,
		Force:   force,
		Save:    save,
		Workers: workers,
	})
	if err != nil {
		return err
	}
	if batch.Summary.TotalFiles == 0 {
		fmt.Fprintf(out, "No input files found in %s.\n", app.cfg.InputDir)
		return nil
	}

	for _, p := range batch.Summary.ProcessedFiles {
		fmt.Fprintf(out, "  ✓ %s -> %s\n", filepath.Base(p.InputFile), p.OutputFile)
	}
	for _, f := range batch.Summary.FailedFilesList {
		fmt.Fprintf(out, "  ✗ %s: %s\n", filepath.Base(f.InputFile), f.ErrorMessage)
	}

	s := batch.Summary
	fmt.Fprintln(out, "\n=== Processing Complete ===")
	fmt.Fprintf(out, "Total files:     %d\n", s.TotalFiles)
	fmt.Fprintf(out, "Successful:      %d\n", s.SuccessfulFiles)
	fmt.Fprintf(out, "Errors:          %d\n", s.FailedFiles)
	fmt.Fprintf(out, "Time elapsed:    %s\n", s.EndTime.Sub(s.StartTime))
	if batch.SummaryFile != "" {
		fmt.Fprintf(out, "Summary:         %s\n", batch.SummaryFile)
	}

	if s.FailedFiles > 0 {
		return fmt.Errorf("%d of %d file(s) failed", s.FailedFiles, s.TotalFiles)
	}
	return nil
}

// printResult prints the outcome of one run.
func printResult(out io.Writer, res *processor.Result) {
	if res.Report != nil {
		for _, w := range res.Report.Warnings {
			fmt.Fprintf(out, "Advertencia: %s\n", w)
		}
		fmt.Fprint(out, validation.FormatErrors(res.Report, app.cfg.Validation.MaxErrorsShown))
	}
	if res.ReportFile != "" {
		fmt.Fprintf(out, "Reporte:  %s\n", res.ReportFile)
	}
	if res.OutputFile != "" {
		fmt.Fprintf(out, "Archivo:  %s (%d líneas, xxh3 %s)\n", res.OutputFile, res.Stats.RowsEncoded, res.Checksum)
	}
	for _, w := range res.EncodingWarnings {
		fmt.Fprintf(out, "Advertencia: %s\n", w.Message)
	}
	if res.Load != nil {
		fmt.Fprintf(out, "Guardado: %d filas (carga %s)\n", res.Load.Rows, res.Load.LoadID)
	}
	fmt.Fprintf(out, "Tiempo:   %s\n", res.Stats.ProcessingTime)
}
