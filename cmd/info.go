package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <code>",
	Short: "Show the layout of a declaration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := app.proc.Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "=== DJ %s: %s ===\n", s.Code, s.Name)
		if s.Description != "" {
			fmt.Fprintln(out, s.Description)
		}
		fmt.Fprintf(out, "Tipo:             %s\n", s.Type)
		fmt.Fprintf(out, "Activa:           %t\n", s.Active)
		fmt.Fprintf(out, "Campos:           %d (%d obligatorios)\n", s.FieldCount, s.RequiredCount)
		fmt.Fprintf(out, "Reglas:           %d\n", s.RuleCount)
		fmt.Fprintf(out, "Largo de línea:   %d\n", s.LineLength)
		fmt.Fprintf(out, "Extensión:        .%s\n", s.FileExtension)
		if len(s.Sections) > 0 {
			fmt.Fprintf(out, "Consolidación:    %s\n", s.Consolidation)
			fmt.Fprintln(out, "Secciones:")
			for _, sec := range s.Sections {
				fmt.Fprintf(out, "  - %s (%d campos)\n", sec, s.FieldsBySection[sec])
			}
		}
		if len(s.LookupTables) > 0 {
			fmt.Fprintf(out, "Tablas de referencia: %s\n", strings.Join(s.LookupTables, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
