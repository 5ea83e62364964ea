package validation

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// VALIDATION ERROR TYPES
// =============================================================================

// Rule codes used for errors that do not come from a metadata rule.
const (
	CodeRequired  = "OBLIGATORIO"
	CodeStructure = "ESTRUCTURA"
	CodeCancelled = "CANCELADO"
)

// ValidationError is one problem found in the input.
type ValidationError struct {
	// Row is the 1-based row number. Zero marks a structural error that
	// applies to a whole column or section rather than to one row.
	Row int

	// Field is the field code the error refers to.
	Field string

	// RuleCode is the code of the failed rule, or one of the Code*
	// constants for errors raised by the validator itself.
	RuleCode string

	// Message is the human-readable description.
	Message string

	// Value is the cell value that failed, when there is one.
	Value string
}

// IsStructural reports whether the error is not tied to a row.
func (e ValidationError) IsStructural() bool {
	return e.Row == 0
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.IsStructural() {
		return fmt.Sprintf("[%s] Campo '%s': %s", e.RuleCode, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] Fila %d, Campo '%s': %s (valor: '%s')",
		e.RuleCode, e.Row, e.Field, e.Message, e.Value)
}

// SkippedRule records a rule that was not evaluated.
type SkippedRule struct {
	Field    string
	RuleCode string
	Reason   string
}

// =============================================================================
// VALIDATION REPORT
// =============================================================================

// Report is the outcome of one validation call. It is built fresh for each
// call and not changed after Validate returns, except through Merge.
type Report struct {
	Declaration      string
	Errors           []ValidationError
	SkippedRules     []SkippedRule
	Warnings         []string
	RowCount         int
	FieldsWithErrors []string
}

// Valid reports whether the report holds no errors.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// RowErrorCount returns the number of row-level errors.
func (r *Report) RowErrorCount() int {
	n := 0
	for _, e := range r.Errors {
		if !e.IsStructural() {
			n++
		}
	}
	return n
}

// StructuralErrorCount returns the number of structural errors.
func (r *Report) StructuralErrorCount() int {
	return len(r.Errors) - r.RowErrorCount()
}

// ErrorsByField counts errors per field code.
func (r *Report) ErrorsByField() map[string]int {
	out := make(map[string]int)
	for _, e := range r.Errors {
		out[e.Field]++
	}
	return out
}

// Merge appends the findings of other to r. Structural errors of other
// come first so merged reports still list column problems before rows.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	var structural, rows []ValidationError
	for _, e := range other.Errors {
		if e.IsStructural() {
			structural = append(structural, e)
		} else {
			rows = append(rows, e)
		}
	}
	r.Errors = append(append(structural, r.Errors...), rows...)
	r.SkippedRules = append(r.SkippedRules, other.SkippedRules...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if other.RowCount > r.RowCount {
		r.RowCount = other.RowCount
	}
	if r.Declaration == "" {
		r.Declaration = other.Declaration
	}
	r.refreshFields()
}

// refreshFields recomputes FieldsWithErrors from the row-level errors.
func (r *Report) refreshFields() {
	set := make(map[string]struct{})
	for _, e := range r.Errors {
		if !e.IsStructural() {
			set[e.Field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	r.FieldsWithErrors = fields
}

// =============================================================================
// ERROR FORMATTING
// =============================================================================

// FormatErrors formats a report for display or logging.
//
// PARAMETERS:
//   - report: The report to format.
//   - limit: Maximum number of errors listed; 0 lists all of them.
//
// RETURNS:
//   - A formatted string containing the summary and the errors.
func FormatErrors(report *Report, limit int) string {
	if report.Valid() {
		return fmt.Sprintf("Validación exitosa: %d filas sin errores.\n", report.RowCount)
	}

	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("Validación con %d error(es) en %d filas:\n\n", len(report.Errors), report.RowCount))

	for i, err := range report.Errors {
		if limit > 0 && i >= limit {
			builder.WriteString(fmt.Sprintf("... y %d error(es) más\n", len(report.Errors)-limit))
			break
		}
		builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, err.Error()))
	}

	if len(report.SkippedRules) > 0 {
		builder.WriteString(fmt.Sprintf("\nReglas omitidas: %d\n", len(report.SkippedRules)))
		for _, s := range report.SkippedRules {
			builder.WriteString(fmt.Sprintf("  - %s/%s: %s\n", s.Field, s.RuleCode, s.Reason))
		}
	}

	return builder.String()
}
