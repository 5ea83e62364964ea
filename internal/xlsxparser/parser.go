// =============================================================================
// DJ Filer - XLSX Input Reader
// =============================================================================
//
// This module reads the workbooks users fill in from a declaration template
// (see internal/templates) into tables.
//
// WORKBOOK STRUCTURE:
//   Row 1 holds the field names for people; row 2 holds the field codes the
//   reader keys columns by. Data starts on row 3.
//
//   |   A              |   B            |   C          |
//   |------------------|----------------|--------------|
//   | Fecha documento  | Tipo documento | Folio        |   <- names
//   | C1               | C2             | C3           |   <- codes
//   | 2024-03-15       | 33             | 1001         |   <- data
//
//   SIMPLE declarations are read from the first sheet (or a named one).
//   COMPOSITE declarations are read one sheet per section, the sheet name
//   being the section name.
//
// Cells are read raw, so number formats applied in Excel do not leak into
// the values. Numeric cells in DATE fields are Excel serial dates and are
// converted to YYYY-MM-DD.
//
// =============================================================================

package xlsxparser

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// =============================================================================
// SETTINGS
// =============================================================================

// Settings describes where codes and data sit in the workbook.
type Settings struct {
	// HeaderRow is the 1-based row holding field codes.
	// Default: 2
	HeaderRow int

	// DataStartRow is the 1-based row where data begins.
	// Default: 3
	DataStartRow int

	// Sheet names the sheet of a SIMPLE declaration. Empty reads the first
	// sheet.
	Sheet string
}

// DefaultSettings returns the layout produced by the template generator.
func DefaultSettings() Settings {
	return Settings{HeaderRow: 2, DataStartRow: 3}
}

func (s Settings) withDefaults() Settings {
	if s.HeaderRow <= 0 {
		s.HeaderRow = 2
	}
	if s.DataStartRow <= s.HeaderRow {
		s.DataStartRow = s.HeaderRow + 1
	}
	return s
}

// =============================================================================
// WORKBOOK
// =============================================================================

// Workbook is the content read from one input file.
type Workbook struct {
	// Path is the source file, empty when read from a stream.
	Path string

	// Table holds the data of a SIMPLE declaration.
	Table *types.Table

	// Sections holds one table per section sheet of a COMPOSITE
	// declaration. Sections without a sheet are absent.
	Sections map[string]*types.Table

	// Warnings lists ignored header cells and missing sheets.
	Warnings []string
}

// Rows returns the number of data rows read. For composite workbooks it
// is the row count of the longest section.
func (w *Workbook) Rows() int {
	if w.Table != nil {
		return w.Table.Len()
	}
	rows := 0
	for _, t := range w.Sections {
		if t.Len() > rows {
			rows = t.Len()
		}
	}
	return rows
}

// ReadWorkbook opens the XLSX file at path and reads it for md.
//
// PARAMETERS:
//   - path: The input workbook.
//   - md: The declaration; decides simple or per-section reading and the
//     data type each column is coerced to.
//   - settings: Header and data rows.
//
// RETURNS:
//   - The tables read from the workbook.
//   - An error if the file cannot be opened or a sheet cannot be read.
func ReadWorkbook(path string, md *metadata.DeclarationMetadata, settings Settings) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	wb, err := read(f, md, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to read workbook %s: %w", path, err)
	}
	wb.Path = path
	return wb, nil
}

// ReadWorkbookFrom reads an XLSX workbook from r.
func ReadWorkbookFrom(r io.Reader, md *metadata.DeclarationMetadata, settings Settings) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	return read(f, md, settings)
}

func read(f *excelize.File, md *metadata.DeclarationMetadata, settings Settings) (*Workbook, error) {
	settings = settings.withDefaults()
	wb := &Workbook{}

	if !md.IsComposite() {
		sheet := settings.Sheet
		if sheet == "" {
			sheet = f.GetSheetName(0)
		}
		if sheet == "" {
			return nil, fmt.Errorf("workbook has no sheets")
		}

		table, warnings, err := ReadSheet(f, sheet, md, settings)
		if err != nil {
			return nil, err
		}
		wb.Table = table
		wb.Warnings = warnings
		return wb, nil
	}

	sheets := make(map[string]string)
	for _, name := range f.GetSheetList() {
		sheets[strings.ToUpper(strings.TrimSpace(name))] = name
	}

	wb.Sections = make(map[string]*types.Table)
	for _, section := range md.Sections() {
		sheet, ok := sheets[strings.ToUpper(section)]
		if !ok {
			wb.Warnings = append(wb.Warnings, fmt.Sprintf("Hoja de la sección '%s' no encontrada", section))
			continue
		}

		table, warnings, err := ReadSheet(f, sheet, md, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to read section %s: %w", section, err)
		}
		wb.Sections[section] = table
		wb.Warnings = append(wb.Warnings, warnings...)
	}

	return wb, nil
}

// =============================================================================
// SHEET READING
// =============================================================================

// ReadSheet reads one sheet into a table keyed by the codes in the header
// row. Blank header cells and repeated codes are skipped with a warning;
// blank rows are skipped.
func ReadSheet(f *excelize.File, sheet string, md *metadata.DeclarationMetadata, settings Settings) (*types.Table, []string, error) {
	settings = settings.withDefaults()

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rows of sheet %s: %w", sheet, err)
	}

	var warnings []string
	table := types.NewTable()
	if len(rows) < settings.HeaderRow {
		return table, warnings, nil
	}

	// Column index -> field code.
	header := rows[settings.HeaderRow-1]
	columns := make(map[int]string)
	seen := make(map[string]bool)
	for i, cell := range header {
		code := strings.TrimSpace(cell)
		if code == "" {
			continue
		}
		if seen[code] {
			warnings = append(warnings, fmt.Sprintf("Hoja '%s': columna '%s' repetida; se usa la primera", sheet, code))
			continue
		}
		seen[code] = true
		columns[i] = code
		table.Columns = append(table.Columns, code)
	}

	for r := settings.DataStartRow - 1; r < len(rows); r++ {
		row := rows[r]
		if isRowEmpty(row) {
			continue
		}

		out := make(types.Row, len(table.Columns))
		for i, code := range columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			field, _ := md.Field(code)
			out[code] = cellValue(cell, field.DataType)
		}
		table.AddRow(out)
	}

	table.Coerce(md.Kinds())
	return table, warnings, nil
}

// maxExcelSerial is 9999-12-31 as an Excel serial date.
const maxExcelSerial = 2958466

// cellValue turns a raw cell into a text value. Serial numbers in DATE
// fields become YYYY-MM-DD.
func cellValue(cell string, dataType metadata.DataType) types.Value {
	if strings.TrimSpace(cell) == "" {
		return types.Null()
	}

	if dataType == metadata.DataTypeDate {
		if serial, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err == nil && serial > 0 && serial < maxExcelSerial {
			if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
				return types.NewText(t.Format(types.DateLayout))
			}
		}
	}

	return types.NewText(cell)
}

// isRowEmpty checks if a row contains only empty cells.
func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
