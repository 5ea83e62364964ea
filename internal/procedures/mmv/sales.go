package mmv

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/csvparser"
	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/internal/xlsxparser"
)

// Sales ledger columns, as exported by the accounting system.
const (
	ColDate         = "fecha_documento"
	ColDocumentType = "tipo_documento"
	ColFolio        = "numero_documento"
	ColClientRUT    = "rut_cliente"
	ColClientName   = "nombre_cliente"
	ColNet          = "monto_neto"
	ColIVA          = "monto_iva"
	ColTotal        = "monto_total"
)

// salesLayout describes the sales ledger so the generic readers can type
// its columns. It is never encoded.
var salesLayout = &metadata.DeclarationMetadata{
	Code: "MMV",
	Name: "Libro de ventas",
	Fields: []metadata.FieldSpec{
		{Code: ColDate, DataType: metadata.DataTypeDate, Position: 1},
		{Code: ColDocumentType, DataType: metadata.DataTypeInteger, Position: 2},
		{Code: ColFolio, DataType: metadata.DataTypeInteger, Position: 3},
		{Code: ColClientRUT, DataType: metadata.DataTypeText, Position: 4},
		{Code: ColClientName, DataType: metadata.DataTypeText, Position: 5},
		{Code: ColNet, DataType: metadata.DataTypeDecimal, Position: 6},
		{Code: ColIVA, DataType: metadata.DataTypeDecimal, Position: 7},
		{Code: ColTotal, DataType: metadata.DataTypeDecimal, Position: 8},
	},
}

// ReadSales reads a sales ledger. XLSX files are read from their first
// sheet with the column names on row 1; anything else is read as CSV.
// Column names are matched case-insensitively.
func ReadSales(fs afero.Fs, path string, csv config.CSVSettings) (*types.Table, error) {
	var table *types.Table

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		in, err := fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sales workbook: %w", err)
		}
		defer in.Close()

		f, err := excelize.OpenReader(in)
		if err != nil {
			return nil, fmt.Errorf("failed to open sales workbook: %w", err)
		}
		defer f.Close()

		raw, err := f.GetRows(f.GetSheetName(0), excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read sales workbook: %w", err)
		}
		if len(raw) > 0 {
			for i, cell := range raw[0] {
				name, _ := excelize.CoordinatesToCellName(i+1, 1)
				if err := f.SetCellStr(f.GetSheetName(0), name, strings.ToLower(strings.TrimSpace(cell))); err != nil {
					return nil, err
				}
			}
		}

		table, _, err = xlsxparser.ReadSheet(f, f.GetSheetName(0), salesLayout, xlsxparser.Settings{HeaderRow: 1, DataStartRow: 2})
		if err != nil {
			return nil, fmt.Errorf("failed to read sales workbook: %w", err)
		}

	default:
		data, err := csvparser.Parse(fs, path, csv)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sales CSV: %w", err)
		}
		table = lowerColumns(data.Table)
		table.Coerce(salesLayout.Kinds())
	}

	return table, nil
}

func lowerColumns(t *types.Table) *types.Table {
	out := types.NewTable()
	for _, c := range t.Columns {
		out.Columns = append(out.Columns, strings.ToLower(c))
	}
	for _, r := range t.Rows {
		row := make(types.Row, len(r))
		for k, v := range r {
			row[strings.ToLower(k)] = v
		}
		out.AddRow(row)
	}
	return out
}
