// =============================================================================
// DJ Filer - Template Generator
// =============================================================================
//
// This module generates the Excel workbook users fill in to load a
// declaration. The workbook is the input format read by xlsxparser:
//
//   Row 1: field names (descriptive, may be edited)
//   Row 2: field codes (C1, C2, ...) - DO NOT MODIFY
//   Row 3+: data
//
// SHEETS:
//   - SIMPLE declarations:    one sheet named "DJ{code}"
//   - COMPOSITE declarations: one sheet per section, sorted by name
//   - "Instrucciones" is always added last, so the data sheets come first.
//
// Each code cell carries a comment describing the field, and rows 3..1000
// get Excel data validations (text length, numbers, lookup lists).
//
// =============================================================================

package templates

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/pkg/utils"
)

const (
	// InstructionsSheet is the name of the help sheet.
	InstructionsSheet = "Instrucciones"

	// firstDataRow and lastValidatedRow bound the data validations.
	firstDataRow     = 3
	lastValidatedRow = 1000

	// maxListValues is the largest lookup table offered as a drop-down.
	maxListValues = 100

	commentAuthor = "Sistema DJ"
)

// Options configures a Generator.
type Options struct {
	// Lookups supplies the values of drop-down lists. Nil disables them.
	Lookups metadata.LookupSource

	// Now stamps the instructions sheet. Defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// Generator builds input templates.
type Generator struct {
	options Options
}

// NewGenerator creates a new Generator.
func NewGenerator(options Options) *Generator {
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Generator{options: options}
}

// FileName returns the default template file name,
// e.g. "template_DJ1922_Movimiento_Mensual_de_Ventas.xlsx".
func FileName(md *metadata.DeclarationMetadata) string {
	name := strings.Join(strings.Fields(md.Name), "_")
	format := "template_DJ{code}"
	if name != "" {
		format += "_" + strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	}
	return utils.GenerateOutputFileName(format, map[string]string{"code": md.Code}, "xlsx", time.Time{})
}

// SheetNames returns the data sheets of the template in workbook order.
func SheetNames(md *metadata.DeclarationMetadata) []string {
	if md.IsComposite() {
		return md.Sections()
	}
	return []string{"DJ" + md.Code}
}

// Generate writes the template workbook for md to w.
func (g *Generator) Generate(ctx context.Context, md *metadata.DeclarationMetadata, w io.Writer) error {
	f, err := g.Build(ctx, md)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	return nil
}

// Save writes the template workbook to path on fs.
func (g *Generator) Save(ctx context.Context, fs afero.Fs, path string, md *metadata.DeclarationMetadata) error {
	var buf bytes.Buffer
	if err := g.Generate(ctx, md, &buf); err != nil {
		return err
	}
	return utils.WriteFileAtomic(fs, path, buf.Bytes())
}

// Build creates the template workbook in memory. The caller must Close it.
func (g *Generator) Build(ctx context.Context, md *metadata.DeclarationMetadata) (*excelize.File, error) {
	if md == nil {
		return nil, fmt.Errorf("metadata is nil")
	}

	sheets := SheetNames(md)
	if len(sheets) == 0 {
		return nil, fmt.Errorf("declaration %s has no sections", md.Code)
	}

	f := excelize.NewFile()
	fail := func(err error) (*excelize.File, error) {
		f.Close()
		return nil, err
	}

	if err := f.SetSheetName("Sheet1", sheets[0]); err != nil {
		return fail(fmt.Errorf("failed to rename sheet: %w", err))
	}

	styles, err := newStyles(f)
	if err != nil {
		return fail(err)
	}

	for i, sheet := range sheets {
		if i > 0 {
			if _, err := f.NewSheet(sheet); err != nil {
				return fail(fmt.Errorf("failed to create sheet %s: %w", sheet, err))
			}
		}

		fields := md.OrderedFields()
		if md.IsComposite() {
			fields = md.SectionFields(sheet)
		}

		if err := g.writeDataSheet(ctx, f, styles, sheet, fields, md); err != nil {
			return fail(err)
		}
	}

	if err := g.writeInstructions(f, md); err != nil {
		return fail(err)
	}

	f.SetActiveSheet(0)
	g.options.Logger.Debug().
		Str("declaration", md.Code).
		Strs("sheets", sheets).
		Msg("template built")
	return f, nil
}

// =============================================================================
// DATA SHEETS
// =============================================================================

type templateStyles struct {
	name int
	code int
}

func newStyles(f *excelize.File) (templateStyles, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	alignment := &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true}

	name, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"366092"}, Pattern: 1},
		Alignment: alignment,
		Border:    border,
	})
	if err != nil {
		return templateStyles{}, fmt.Errorf("failed to create header style: %w", err)
	}

	code, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "000000"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"D9E1F2"}, Pattern: 1},
		Alignment: alignment,
		Border:    border,
	})
	if err != nil {
		return templateStyles{}, fmt.Errorf("failed to create code style: %w", err)
	}

	return templateStyles{name: name, code: code}, nil
}

func (g *Generator) writeDataSheet(ctx context.Context, f *excelize.File, styles templateStyles, sheet string, fields []metadata.FieldSpec, md *metadata.DeclarationMetadata) error {
	if len(fields) == 0 {
		return fmt.Errorf("sheet %s has no fields", sheet)
	}

	names := make([]any, len(fields))
	codes := make([]any, len(fields))
	for i, field := range fields {
		names[i] = field.Name
		if field.Name == "" {
			names[i] = field.Code
		}
		codes[i] = field.Code
	}
	if err := f.SetSheetRow(sheet, "A1", &names); err != nil {
		return fmt.Errorf("failed to write names on %s: %w", sheet, err)
	}
	if err := f.SetSheetRow(sheet, "A2", &codes); err != nil {
		return fmt.Errorf("failed to write codes on %s: %w", sheet, err)
	}

	lastCol, _ := excelize.ColumnNumberToName(len(fields))
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", styles.name); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A2", lastCol+"2", styles.code); err != nil {
		return err
	}
	if err := f.SetRowHeight(sheet, 1, 40); err != nil {
		return err
	}
	if err := f.SetRowHeight(sheet, 2, 25); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", lastCol, 15); err != nil {
		return err
	}

	for i, field := range fields {
		col, _ := excelize.ColumnNumberToName(i + 1)

		err := f.AddComment(sheet, excelize.Comment{
			Cell:      col + "2",
			Author:    commentAuthor,
			Paragraph: []excelize.RichTextRun{{Text: CommentText(field, md.ActiveRules(field.Code))}},
		})
		if err != nil {
			return fmt.Errorf("failed to add comment for %s: %w", field.Code, err)
		}

		for _, dv := range g.validationsFor(ctx, field, col) {
			if err := f.AddDataValidation(sheet, dv); err != nil {
				return fmt.Errorf("failed to add validation for %s: %w", field.Code, err)
			}
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      2,
		TopLeftCell: "A3",
		ActivePane:  "bottomLeft",
	})
}

// CommentText describes a field for the comment on its code cell.
func CommentText(field metadata.FieldSpec, rules []metadata.RuleSpec) string {
	parts := []string{
		"CAMPO: " + field.Code,
		"TIPO: " + string(field.DataType),
		fmt.Sprintf("LONGITUD: %d", field.Length),
	}
	if field.Decimals > 0 {
		parts = append(parts, fmt.Sprintf("DECIMALES: %d", field.Decimals))
	}
	if field.Required {
		parts = append(parts, "OBLIGATORIO")
	}
	parts = append(parts, "ALINEACIÓN: "+string(field.Alignment))
	if field.Section != "" {
		parts = append(parts, "SECCIÓN: "+field.Section)
	}
	if field.Description != "" {
		parts = append(parts, "DESCRIPCIÓN: "+field.Description)
	}
	if field.ExampleFormat != "" {
		parts = append(parts, "EJEMPLO: "+field.ExampleFormat)
	}
	if len(rules) > 0 {
		parts = append(parts, "", "VALIDACIONES:")
		for _, r := range rules {
			parts = append(parts, fmt.Sprintf("- %s: %s", r.Code, r.Message))
		}
	}
	if field.LookupTable != "" {
		parts = append(parts, "", "VALORES VÁLIDOS: Ver tabla "+field.LookupTable)
	}
	return strings.Join(parts, "\n")
}

// validationsFor builds the Excel data validations of one column.
func (g *Generator) validationsFor(ctx context.Context, field metadata.FieldSpec, col string) []*excelize.DataValidation {
	sqref := fmt.Sprintf("%s%d:%s%d", col, firstDataRow, col, lastValidatedRow)
	var out []*excelize.DataValidation

	switch field.DataType {
	case metadata.DataTypeText:
		if field.Length > 0 {
			dv := excelize.NewDataValidation(true)
			dv.Sqref = sqref
			if err := dv.SetRange(0, field.Length, excelize.DataValidationTypeTextLength, excelize.DataValidationOperatorBetween); err == nil {
				dv.SetError(excelize.DataValidationErrorStyleStop, "Longitud inválida",
					fmt.Sprintf("El texto no puede exceder %d caracteres", field.Length))
				dv.SetInput("Campo "+field.Code, fmt.Sprintf("Máximo %d caracteres", field.Length))
				out = append(out, dv)
			}
		}

	case metadata.DataTypeInteger, metadata.DataTypeDecimal:
		bound := numericBound(field.Length)
		dv := excelize.NewDataValidation(true)
		dv.Sqref = sqref
		if err := dv.SetRange(-bound, bound, excelize.DataValidationTypeDecimal, excelize.DataValidationOperatorBetween); err == nil {
			dv.SetError(excelize.DataValidationErrorStyleStop, "Valor inválido", "Debe ingresar un número válido")
			dv.SetInput("Campo "+field.Code, fmt.Sprintf("Ingrese un número (%s)", field.DataType))
			out = append(out, dv)
		}
	}

	if field.LookupTable != "" {
		if dv := g.listValidation(ctx, field, sqref); dv != nil {
			out = append(out, dv)
		}
	}
	return out
}

// numericBound is the largest magnitude a field of the given width holds,
// capped at 15 digits.
func numericBound(length int) int {
	digits := length
	if digits <= 0 || digits > 15 {
		digits = 15
	}
	bound := 1
	for i := 0; i < digits; i++ {
		bound *= 10
	}
	return bound - 1
}

// listValidation offers the values of the field's lookup table as a
// drop-down. Tables that cannot be read, are empty, hold more than
// maxListValues values or do not fit in an Excel list are skipped.
func (g *Generator) listValidation(ctx context.Context, field metadata.FieldSpec, sqref string) *excelize.DataValidation {
	if g.options.Lookups == nil {
		return nil
	}

	values, err := LookupValues(ctx, g.options.Lookups, field.LookupTable)
	if err != nil || len(values) == 0 || len(values) > maxListValues {
		g.options.Logger.Debug().Err(err).
			Str("field", field.Code).
			Str("lookup_table", field.LookupTable).
			Int("values", len(values)).
			Msg("lookup list skipped")
		return nil
	}

	dv := excelize.NewDataValidation(true)
	dv.Sqref = sqref
	if err := dv.SetDropList(values); err != nil {
		g.options.Logger.Debug().Err(err).Str("field", field.Code).Msg("lookup list too long")
		return nil
	}
	dv.SetError(excelize.DataValidationErrorStyleStop, "Valor no válido", "Seleccione un valor de la lista")
	dv.SetInput("Campo "+field.Code, "Seleccione de la lista desplegable")
	return dv
}

// LookupValues returns the values offered for a lookup table: the CODIGO
// column when present, else the first column in name order.
func LookupValues(ctx context.Context, source metadata.LookupSource, table string) ([]string, error) {
	rows, err := source.FetchLookupTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	column := ""
	for name := range rows[0] {
		if strings.EqualFold(name, "CODIGO") {
			column = name
			break
		}
	}
	if column == "" {
		names := make([]string, 0, len(rows[0]))
		for name := range rows[0] {
			names = append(names, name)
		}
		sort.Strings(names)
		column = names[0]
	}

	values := make([]string, 0, len(rows))
	for _, row := range rows {
		if v := row.Get(column); !v.IsBlank() {
			values = append(values, v.String())
		}
	}
	return values, nil
}

// =============================================================================
// INSTRUCTIONS SHEET
// =============================================================================

func (g *Generator) writeInstructions(f *excelize.File, md *metadata.DeclarationMetadata) error {
	if _, err := f.NewSheet(InstructionsSheet); err != nil {
		return fmt.Errorf("failed to create instructions sheet: %w", err)
	}

	lines := []string{
		fmt.Sprintf("INSTRUCCIONES - DJ %s: %s", md.Code, md.Name),
		"",
		"INFORMACIÓN GENERAL:",
		fmt.Sprintf("- Declaración Jurada: %s - %s", md.Code, md.Name),
		fmt.Sprintf("- Tipo: %s", md.Type),
		fmt.Sprintf("- Total de campos: %d", len(md.Fields)),
		fmt.Sprintf("- Largo de línea del archivo: %d", md.LineLength()),
		"",
		"INSTRUCCIONES DE USO:",
		"1. Complete los datos a partir de la fila 3",
		"2. Fila 1: Contiene los nombres descriptivos de los campos",
		"3. Fila 2: Contiene los códigos técnicos (NO MODIFIQUE)",
		"4. Pase el cursor sobre los códigos para ver información detallada",
		"5. Use las validaciones automáticas para evitar errores",
		"",
		"CAMPOS OBLIGATORIOS:",
	}

	required := md.RequiredFields()
	for _, field := range required {
		lines = append(lines, fmt.Sprintf("- %s: %s", field.Code, field.Name))
	}
	if len(required) == 0 {
		lines = append(lines, "- No hay campos obligatorios")
	}

	lines = append(lines, "", "VALIDACIONES ACTIVAS:", fmt.Sprintf("- Total de validaciones: %d", md.RuleCount()))
	for _, field := range md.OrderedFields() {
		if n := len(md.ActiveRules(field.Code)); n > 0 {
			lines = append(lines, fmt.Sprintf("- %s (%s): %d validaciones", field.Code, field.Name, n))
		}
	}

	lines = append(lines,
		"",
		"IMPORTANTE:",
		"- NO modifique la fila 2 (códigos técnicos)",
		"- NO elimine columnas",
		"- Guarde el archivo en formato Excel (.xlsx)",
		"",
		"Archivo generado: "+g.options.Now().Format("2006-01-02 15:04:05"),
	)

	for i, line := range lines {
		if err := f.SetCellValue(InstructionsSheet, fmt.Sprintf("A%d", i+1), line); err != nil {
			return fmt.Errorf("failed to write instructions: %w", err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	title, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 16, Color: "366092"}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(InstructionsSheet, "A1", "A1", title); err != nil {
		return err
	}
	for i, line := range lines[1:] {
		if strings.HasSuffix(line, ":") {
			cell := fmt.Sprintf("A%d", i+2)
			if err := f.SetCellStyle(InstructionsSheet, cell, cell, bold); err != nil {
				return err
			}
		}
	}

	return f.SetColWidth(InstructionsSheet, "A", "A", 80)
}
