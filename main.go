// =============================================================================
// DJ Filer - Main Entry Point
// =============================================================================
//
// djfiler validates declaration data for the SII (Servicio de Impuestos
// Internos) and encodes it into the fixed-width files of the Declaraciones
// Juradas bulk upload.
//
// USAGE:
//   djfiler info <code>               - Show a declaration's layout
//   djfiler template <code>           - Write the Excel input template
//   djfiler validate <code> <input>   - Validate without filing
//   djfiler process <code> [input]    - Validate, encode and persist
//   djfiler mmv <ledger> --period P   - Monthly sales (DJ 1922)
//   djfiler version                   - Display the application version
//
// ARCHITECTURE:
//   - cmd/       : Cobra command definitions
//   - internal/  : Metadata, validation, encoding and the pipeline
//   - pkg/       : RUT helpers and file management
//
// =============================================================================

package main

import (
	"github.com/ginjaninja78/dj-filer/cmd"
)

func main() {
	cmd.Execute()
}
