// =============================================================================
// DJ Filer - Report Builder
// =============================================================================
//
// This module renders a validation report for the person who has to fix the
// input. Two formats are produced:
//   1. An Excel workbook with three sheets:
//        - "Resumen"          : declaration, status and counts
//        - "Errores"          : one row per error (Fila, Columna, ...)
//        - "Reglas omitidas"  : rules that could not be evaluated
//   2. A plain-text error log, written next to the workbook.
//
// FILE NAMES:
//   errores_DJ{code}_{timestamp}.xlsx
//   errores_DJ{code}_{timestamp}.txt
//
// =============================================================================

package report

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/validation"
	"github.com/ginjaninja78/dj-filer/pkg/utils"
)

// Sheet names of the report workbook.
const (
	SheetSummary = "Resumen"
	SheetErrors  = "Errores"
	SheetSkipped = "Reglas omitidas"
)

// DefaultNameFormat is the base name of report files.
const DefaultNameFormat = "errores_DJ{code}_{timestamp}"

// maxColumnWidth caps auto-sized columns so long messages stay readable.
const maxColumnWidth = 50

// FileName returns the report file name for a declaration.
//
// PARAMETERS:
//   - code: The declaration code.
//   - extension: "xlsx" or "txt".
//   - now: The timestamp used in the name.
func FileName(code, extension string, now time.Time) string {
	return utils.GenerateOutputFileName(DefaultNameFormat, map[string]string{"code": code}, extension, now)
}

// =============================================================================
// EXCEL REPORT
// =============================================================================

// Build creates the report workbook in memory. The caller must Close it.
//
// PARAMETERS:
//   - rep: The validation report.
//   - md: The declaration metadata. It may be nil; field order then follows
//     the report.
//   - generated: The time printed on the summary sheet.
func Build(rep *validation.Report, md *metadata.DeclarationMetadata, generated time.Time) (*excelize.File, error) {
	if rep == nil {
		return nil, fmt.Errorf("report is nil")
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{SheetErrors, SheetSkipped} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	styles, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	steps := []func() error{
		func() error { return writeSummary(f, styles, rep, md, generated) },
		func() error { return writeErrors(f, styles, rep) },
		func() error { return writeSkipped(f, styles, rep) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			f.Close()
			return nil, err
		}
	}

	f.SetActiveSheet(0)
	return f, nil
}

// WriteXLSX writes the report workbook to w.
func WriteXLSX(w io.Writer, rep *validation.Report, md *metadata.DeclarationMetadata) error {
	f, err := Build(rep, md, time.Now())
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write report workbook: %w", err)
	}
	return nil
}

// SaveXLSX writes the report workbook to path on fs.
func SaveXLSX(fs afero.Fs, path string, rep *validation.Report, md *metadata.DeclarationMetadata) error {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, rep, md); err != nil {
		return err
	}
	return utils.WriteFileAtomic(fs, path, buf.Bytes())
}

type reportStyles struct {
	title  int
	label  int
	header int
}

func newStyles(f *excelize.File) (reportStyles, error) {
	var s reportStyles
	var err error

	if s.title, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}); err != nil {
		return s, fmt.Errorf("failed to create style: %w", err)
	}
	if s.label, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		return s, fmt.Errorf("failed to create style: %w", err)
	}
	s.header, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"CCCCCC"}, Pattern: 1},
	})
	if err != nil {
		return s, fmt.Errorf("failed to create style: %w", err)
	}
	return s, nil
}

func writeSummary(f *excelize.File, styles reportStyles, rep *validation.Report, md *metadata.DeclarationMetadata, generated time.Time) error {
	status := "CON ERRORES"
	if rep.Valid() {
		status = "VÁLIDO"
	}
	name := ""
	if md != nil {
		name = md.Name
	}

	cells := []struct {
		cell  string
		value any
	}{
		{"A1", "REPORTE DE ERRORES DE VALIDACIÓN"},
		{"A3", "DJ Código:"}, {"B3", rep.Declaration},
		{"A4", "Declaración:"}, {"B4", name},
		{"A5", "Fecha:"}, {"B5", generated.Format("2006-01-02 15:04:05")},
		{"A6", "Estado:"}, {"B6", status},
		{"A8", "Total de filas:"}, {"B8", rep.RowCount},
		{"A9", "Errores encontrados:"}, {"B9", len(rep.Errors)},
		{"A10", "Errores estructurales:"}, {"B10", rep.StructuralErrorCount()},
		{"A11", "Columnas con error:"}, {"B11", len(rep.FieldsWithErrors)},
		{"A12", "Reglas omitidas:"}, {"B12", len(rep.SkippedRules)},
	}
	for _, c := range cells {
		if err := f.SetCellValue(SheetSummary, c.cell, c.value); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	if err := f.SetCellStyle(SheetSummary, "A1", "A1", styles.title); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSummary, "A3", "A12", styles.label); err != nil {
		return err
	}

	// Errors per field, in declaration order.
	if err := f.SetSheetRow(SheetSummary, "D3", &[]any{"Campo", "Errores"}); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSummary, "D3", "E3", styles.header); err != nil {
		return err
	}
	row := 4
	for _, fc := range fieldCounts(rep, md) {
		if err := f.SetSheetRow(SheetSummary, fmt.Sprintf("D%d", row), &[]any{fc.field, fc.count}); err != nil {
			return err
		}
		row++
	}

	if len(rep.Warnings) > 0 {
		row = 14
		if err := f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", row), "Advertencias:"); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetSummary, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), styles.label); err != nil {
			return err
		}
		for _, w := range rep.Warnings {
			row++
			if err := f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", row), w); err != nil {
				return err
			}
		}
	}

	if err := f.SetColWidth(SheetSummary, "A", "A", 24); err != nil {
		return err
	}
	return f.SetColWidth(SheetSummary, "B", "B", 20)
}

type fieldCount struct {
	field string
	count int
}

// fieldCounts lists the error count per field, following the metadata
// order; fields unknown to the metadata come last in report order.
func fieldCounts(rep *validation.Report, md *metadata.DeclarationMetadata) []fieldCount {
	counts := rep.ErrorsByField()
	var out []fieldCount
	seen := make(map[string]bool)

	if md != nil {
		for _, field := range md.OrderedFields() {
			if n := counts[field.Code]; n > 0 {
				out = append(out, fieldCount{field.Code, n})
				seen[field.Code] = true
			}
		}
	}
	for _, e := range rep.Errors {
		if !seen[e.Field] {
			out = append(out, fieldCount{e.Field, counts[e.Field]})
			seen[e.Field] = true
		}
	}
	return out
}

func writeErrors(f *excelize.File, styles reportStyles, rep *validation.Report) error {
	header := []string{"Fila", "Columna", "Código Error", "Descripción", "Valor"}
	rows := make([][]any, 0, len(rep.Errors))
	for _, e := range rep.Errors {
		var row any = e.Row
		if e.IsStructural() {
			row = ""
		}
		rows = append(rows, []any{row, e.Field, e.RuleCode, e.Message, e.Value})
	}
	if err := writeTable(f, SheetErrors, styles, header, rows); err != nil {
		return err
	}
	return f.SetPanes(SheetErrors, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeSkipped(f *excelize.File, styles reportStyles, rep *validation.Report) error {
	header := []string{"Columna", "Código", "Motivo"}
	rows := make([][]any, 0, len(rep.SkippedRules))
	for _, s := range rep.SkippedRules {
		rows = append(rows, []any{s.Field, s.RuleCode, s.Reason})
	}
	return writeTable(f, SheetSkipped, styles, header, rows)
}

// writeTable writes a header row and data rows, then sizes each column to
// its longest value.
func writeTable(f *excelize.File, sheet string, styles reportStyles, header []string, rows [][]any) error {
	widths := make([]int, len(header))

	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
		widths[i] = utf8.RuneCountInString(h)
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", last, styles.header); err != nil {
		return err
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
		for col, v := range row {
			if n := utf8.RuneCountInString(fmt.Sprint(v)); n > widths[col] {
				widths[col] = n
			}
		}
	}

	for col, w := range widths {
		name, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(sheet, name, name, float64(min(w+2, maxColumnWidth))); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TEXT LOG
// =============================================================================

// FormatText renders the plain-text error log.
func FormatText(rep *validation.Report, generated time.Time) string {
	var b strings.Builder

	b.WriteString(strings.Repeat("=", 70) + "\n")
	b.WriteString(fmt.Sprintf("Reporte de validación DJ%s\n", rep.Declaration))
	b.WriteString(fmt.Sprintf("Generado: %s\n", generated.Format("2006-01-02 15:04:05")))
	b.WriteString(strings.Repeat("=", 70) + "\n\n")

	b.WriteString(validation.FormatErrors(rep, 0))

	if len(rep.Warnings) > 0 {
		b.WriteString("\nAdvertencias:\n")
		for _, w := range rep.Warnings {
			b.WriteString("  - " + w + "\n")
		}
	}
	return b.String()
}

// WriteText writes the plain-text error log to path on fs.
func WriteText(fs afero.Fs, path string, rep *validation.Report) error {
	if rep == nil {
		return fmt.Errorf("report is nil")
	}
	return utils.WriteFileAtomic(fs, path, []byte(FormatText(rep, time.Now())))
}
