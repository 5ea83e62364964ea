// =============================================================================
// DJ Filer - Monthly Sales Command
// =============================================================================
//
// COMMAND USAGE:
//   djfiler mmv <ledger> --period YYYYMM [--force] [--save]
//
// Files DJ 1922 from a sales ledger exported by the accounting system
// (XLSX or CSV). The company is taken from the configuration.
//
// =============================================================================

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/dj-filer/internal/procedures/mmv"
)

var period string

var mmvCmd = &cobra.Command{
	Use:   "mmv <ledger>",
	Short: "File DJ 1922 (monthly sales) from a sales ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sales, err := mmv.ReadSales(app.fs, args[0], app.cfg.CSVSettingsFor(mmv.DeclarationCode))
		if err != nil {
			return err
		}

		proc := mmv.New(app.proc, app.log, nil)
		res := proc.Run(cmd.Context(), sales, app.cfg.Company, period, mmv.Options{
			Force:   force,
			Save:    save,
			Workers: workers,
		})

		out := cmd.OutOrStdout()
		if res.Summary != nil {
			printSalesSummary(out, res.Summary)
		}
		if res.Processing != nil {
			printResult(out, res.Processing)
		}
		return res.Error
	},
}

func init() {
	rootCmd.AddCommand(mmvCmd)

	mmvCmd.Flags().StringVar(&period, "period", "", "Tax period, YYYYMM")
	mmvCmd.Flags().BoolVar(&force, "force", false, "Write the filing even when checks fail")
	mmvCmd.Flags().BoolVar(&save, "save", false, "Persist the mapped rows in the configured storage")
	mmvCmd.Flags().IntVar(&workers, "workers", 0, "Goroutines validating rows (default validation.workers)")
	_ = mmvCmd.MarkFlagRequired("period")
}

func printSalesSummary(out io.Writer, s *mmv.Summary) {
	fmt.Fprintf(out, "=== Movimiento Mensual de Ventas %s ===\n", s.Period)
	fmt.Fprintf(out, "Documentos:    %d\n", s.Documents)
	for docType, n := range s.ByDocumentType {
		fmt.Fprintf(out, "  tipo %-4s    %d\n", docType, n)
	}
	if a := s.Amounts; a != nil {
		fmt.Fprintf(out, "Neto:          %s\n", a.Net.Text('f'))
		fmt.Fprintf(out, "IVA:           %s\n", a.IVA.Text('f'))
		fmt.Fprintf(out, "Total:         %s\n", a.Gross.Text('f'))
		fmt.Fprintf(out, "Promedio:      %s\n", a.Average.Text('f'))
	}
	if len(s.TopClients) > 0 {
		fmt.Fprintln(out, "Principales clientes:")
		for i, c := range s.TopClients {
			fmt.Fprintf(out, "  %2d. %s  %s\n", i+1, c.Name, c.Total.Text('f'))
		}
	}
}
