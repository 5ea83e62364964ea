// =============================================================================
// DJ Filer - Section Consolidator
// =============================================================================
//
// Composite declarations are filled in as several sheets, one per section.
// This module checks that the section tables fit together and merges them
// into the single table the validator and encoder work on.
//
// STRATEGIES:
//   CONCATENATION (default)
//     Every section describes the same physical records split by topic:
//     row i of each section belongs to record i. Sections are laid side by
//     side in ascending section-name order.
//
//     | C1 | C2 |  +  | C5 | C6 |  =  | C1 | C2 | C5 | C6 |
//
//   UNION
//     Sections hold different kinds of records. Rows are stacked and each
//     row is tagged with its section in the _SECCION column.
//
// =============================================================================

package sections

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/internal/validation"
)

// SectionColumn is added by UnionSections to record each row's section.
const SectionColumn = "_SECCION"

// StructuralError reports section tables that cannot be merged.
type StructuralError struct {
	Section string
	Message string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.Section == "" {
		return e.Message
	}
	return fmt.Sprintf("section %s: %s", e.Section, e.Message)
}

// =============================================================================
// STRUCTURE CHECK
// =============================================================================

// SectionInfo summarises one section table.
type SectionInfo struct {
	Name    string
	Rows    int
	Columns int
	Fields  int
	Missing []string
	Extra   []string
}

// StructureReport is the outcome of CheckStructure.
type StructureReport struct {
	Errors   []validation.ValidationError
	Warnings []string
	Sections []SectionInfo
}

// Valid reports whether the sections can be consolidated.
func (r *StructureReport) Valid() bool {
	return len(r.Errors) == 0
}

// ToReport converts the structure report into a validation report so both
// can be rendered the same way.
func (r *StructureReport) ToReport(code string) *validation.Report {
	rows := 0
	for _, s := range r.Sections {
		if s.Rows > rows {
			rows = s.Rows
		}
	}
	out := &validation.Report{Declaration: code, RowCount: rows}
	out.Merge(&validation.Report{
		Errors:   append([]validation.ValidationError(nil), r.Errors...),
		Warnings: append([]string(nil), r.Warnings...),
	})
	return out
}

func structural(field, msg string) validation.ValidationError {
	return validation.ValidationError{Field: field, RuleCode: validation.CodeStructure, Message: msg}
}

// CheckStructure verifies that every declared section is present, that all
// sections have the same number of rows and that each section carries the
// columns of its fields. Extra columns and columns repeated across sections
// are warnings.
func CheckStructure(sections map[string]*types.Table, md *metadata.DeclarationMetadata) *StructureReport {
	report := &StructureReport{}
	declared := md.Sections()

	var missing []string
	for _, name := range declared {
		if sections[name] == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		report.Errors = append(report.Errors, structural("", fmt.Sprintf("Faltan secciones: %s", strings.Join(missing, ", "))))
	}

	declaredSet := make(map[string]bool, len(declared))
	for _, name := range declared {
		declaredSet[name] = true
	}
	for _, name := range sortedKeys(sections) {
		if !declaredSet[name] {
			report.Warnings = append(report.Warnings, fmt.Sprintf("Sección '%s' no está declarada en los metadatos", name))
		}
	}

	expectedRows := -1
	seenColumns := make(map[string]string)
	for _, name := range declared {
		table := sections[name]
		if table == nil {
			continue
		}
		fields := md.SectionFields(name)
		info := SectionInfo{Name: name, Rows: table.Len(), Columns: len(table.Columns), Fields: len(fields)}

		if expectedRows < 0 {
			expectedRows = table.Len()
		} else if table.Len() != expectedRows {
			report.Errors = append(report.Errors, structural("",
				fmt.Sprintf("Sección '%s' tiene %d filas, pero se esperaban %d", name, table.Len(), expectedRows)))
		}

		fieldSet := make(map[string]bool, len(fields))
		for _, f := range fields {
			fieldSet[f.Code] = true
			if !table.HasColumn(f.Code) {
				info.Missing = append(info.Missing, f.Code)
				report.Errors = append(report.Errors, structural(f.Code,
					fmt.Sprintf("Columna '%s' de la sección '%s' no está presente", f.Code, name)))
			}
		}
		for _, col := range table.Columns {
			if !fieldSet[col] {
				info.Extra = append(info.Extra, col)
			}
			if other, dup := seenColumns[col]; dup {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("Columna '%s' aparece en las secciones '%s' y '%s'; se usa la primera", col, other, name))
			} else {
				seenColumns[col] = name
			}
		}
		if len(info.Extra) > 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("Sección '%s' tiene columnas no declaradas: %s", name, strings.Join(info.Extra, ", ")))
		}

		report.Sections = append(report.Sections, info)
	}

	return report
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// Consolidate merges the section tables using the declaration's strategy.
func Consolidate(sections map[string]*types.Table, md *metadata.DeclarationMetadata) (*types.Table, error) {
	if md.Consolidation == metadata.ConsolidateUnion {
		return UnionSections(sections, md)
	}
	return ConcatenateSections(sections, md)
}

// ConcatenateSections lays the sections side by side.
//
// RETURNS:
//   - One table with one row per input row and the columns of every
//     section in section order. A column repeated in a later section keeps
//     the value from the first section.
//   - A *StructuralError when a section is missing or row counts differ.
func ConcatenateSections(sections map[string]*types.Table, md *metadata.DeclarationMetadata) (*types.Table, error) {
	ordered, err := declaredTables(sections, md)
	if err != nil {
		return nil, err
	}

	rows := -1
	for i, t := range ordered {
		if rows < 0 {
			rows = t.Len()
			continue
		}
		if t.Len() != rows {
			name := md.Sections()[i]
			return nil, &StructuralError{
				Section: name,
				Message: fmt.Sprintf("Sección '%s' tiene %d filas, pero se esperaban %d", name, t.Len(), rows),
			}
		}
	}
	if rows < 0 {
		rows = 0
	}

	out := types.NewTable()
	owner := make(map[string]int)
	for i, t := range ordered {
		for _, col := range t.Columns {
			if _, dup := owner[col]; dup {
				continue
			}
			owner[col] = i
			out.Columns = append(out.Columns, col)
		}
	}

	out.Rows = make([]types.Row, rows)
	for r := 0; r < rows; r++ {
		row := make(types.Row, len(out.Columns))
		for _, col := range out.Columns {
			row[col] = ordered[owner[col]].Get(r, col)
		}
		out.Rows[r] = row
	}
	return out, nil
}

// UnionSections stacks the sections and tags every row with its section.
// Columns absent from a section are null in its rows.
func UnionSections(sections map[string]*types.Table, md *metadata.DeclarationMetadata) (*types.Table, error) {
	ordered, err := declaredTables(sections, md)
	if err != nil {
		return nil, err
	}
	names := md.Sections()

	out := types.NewTable()
	seen := make(map[string]bool)
	for _, t := range ordered {
		for _, col := range t.Columns {
			if !seen[col] {
				seen[col] = true
				out.Columns = append(out.Columns, col)
			}
		}
	}
	if !seen[SectionColumn] {
		out.Columns = append(out.Columns, SectionColumn)
	}

	for i, t := range ordered {
		for r := range t.Rows {
			row := make(types.Row, len(out.Columns))
			for _, col := range out.Columns {
				row[col] = t.Get(r, col)
			}
			row[SectionColumn] = types.NewText(names[i])
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// declaredTables returns the section tables in declared section order.
func declaredTables(sections map[string]*types.Table, md *metadata.DeclarationMetadata) ([]*types.Table, error) {
	names := md.Sections()
	if len(names) == 0 {
		return nil, &StructuralError{Message: fmt.Sprintf("la declaración %s no define secciones", md.Code)}
	}

	var missing []string
	ordered := make([]*types.Table, 0, len(names))
	for _, name := range names {
		t, ok := sections[name]
		if !ok || t == nil {
			missing = append(missing, name)
			continue
		}
		ordered = append(ordered, t)
	}
	if len(missing) > 0 {
		return nil, &StructuralError{
			Section: missing[0],
			Message: fmt.Sprintf("Faltan secciones: %s", strings.Join(missing, ", ")),
		}
	}
	return ordered, nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary describes a consolidation for logs and the processing result.
type Summary struct {
	Strategy            metadata.ConsolidationStrategy
	Sections            []SectionInfo
	ConsolidatedRows    int
	ConsolidatedColumns int
}

// Summarize describes the section tables and the consolidated result.
func Summarize(sections map[string]*types.Table, consolidated *types.Table, md *metadata.DeclarationMetadata) Summary {
	s := Summary{Strategy: md.Consolidation}
	for _, name := range sortedKeys(sections) {
		t := sections[name]
		s.Sections = append(s.Sections, SectionInfo{
			Name:    name,
			Rows:    t.Len(),
			Columns: len(t.Columns),
			Fields:  len(md.SectionFields(name)),
		})
	}
	if consolidated != nil {
		s.ConsolidatedRows = consolidated.Len()
		s.ConsolidatedColumns = len(consolidated.Columns)
	}
	return s
}

func sortedKeys(m map[string]*types.Table) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
