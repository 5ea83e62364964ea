// =============================================================================
// DJ Filer - Validation Engine
// =============================================================================
//
// This module validates an input table against the rules stored in the
// declaration metadata.
//
// VALIDATION STRATEGY:
//   1. Column level: every required field must be present as a column. A
//      missing column is reported once and validation stops there, since
//      row checks are meaningless without the columns they read.
//   2. Cell level: for every field with active rules, every row, every rule
//      (in declared order) is evaluated. A false result or an evaluation
//      failure becomes a row-level error.
//
// ERROR HANDLING:
//   - Errors are collected, never returned as Go errors.
//   - A rule that fails to evaluate counts as a failed check, so a broken
//     rule can never let bad data through.
//   - Rules bound to an optional field missing from the input are listed
//     as skipped.
//
// CONCURRENCY:
//   With Workers > 1 rows are split into chunks validated in parallel.
//   Each cell result has its own slot, so the report is identical to a
//   sequential run.
//
// =============================================================================

package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/rules"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// minChunkRows is the smallest slice of rows handed to one worker.
const minChunkRows = 64

// =============================================================================
// VALIDATOR
// =============================================================================

// Options configures a Validator.
type Options struct {
	// Workers is the number of goroutines validating rows. Values below 2
	// validate sequentially.
	Workers int

	// Lookups is the run's lookup cache. Nil means lookup() always
	// resolves to null.
	Lookups *rules.LookupCache

	// Logger receives progress events.
	Logger zerolog.Logger
}

// Validator validates tables against declaration metadata.
type Validator struct {
	options Options
}

// NewValidator creates a new Validator.
func NewValidator(options Options) *Validator {
	return &Validator{options: options}
}

// Validate is a convenience wrapper validating sequentially without lookups.
func Validate(ctx context.Context, table *types.Table, md *metadata.DeclarationMetadata) *Report {
	return NewValidator(Options{}).Validate(ctx, table, md)
}

type fieldTask struct {
	field metadata.FieldSpec
	rules []metadata.RuleSpec
}

// Validate checks table against md.
//
// PARAMETERS:
//   - ctx: Cancels validation between row chunks and is used by lookups.
//   - table: The input table. It is only read.
//   - md: The declaration metadata.
//
// RETURNS:
//   - A fresh report. Validate never fails; every problem is in the report.
func (v *Validator) Validate(ctx context.Context, table *types.Table, md *metadata.DeclarationMetadata) *Report {
	log := v.options.Logger.With().Str("declaration", md.Code).Logger()

	report := &Report{
		Declaration: md.Code,
		RowCount:    table.Len(),
	}

	// Step 1: required columns.
	for _, f := range md.RequiredFields() {
		if table.HasColumn(f.Code) {
			continue
		}
		report.Errors = append(report.Errors, ValidationError{
			Field:    f.Code,
			RuleCode: CodeRequired,
			Message:  fmt.Sprintf("Columna obligatoria '%s' no está presente en el DataFrame", f.Code),
		})
	}
	if len(report.Errors) > 0 {
		log.Warn().Int("missing_columns", len(report.Errors)).Msg("required columns missing, skipping row validation")
		report.refreshFields()
		return report
	}

	// Step 2: collect the fields to check, skipping rules of absent columns.
	var tasks []fieldTask
	for _, f := range md.OrderedFields() {
		active := md.ActiveRules(f.Code)
		if len(active) == 0 {
			continue
		}
		if !table.HasColumn(f.Code) {
			for _, r := range active {
				report.SkippedRules = append(report.SkippedRules, SkippedRule{
					Field:    f.Code,
					RuleCode: r.Code,
					Reason:   "Columna no presente en el DataFrame",
				})
			}
			continue
		}
		tasks = append(tasks, fieldTask{field: f, rules: active})
	}

	if len(tasks) == 0 || table.Len() == 0 {
		report.refreshFields()
		return report
	}

	evaluator, err := rules.NewEvaluator(ctx, table, v.options.Lookups, rules.Options{Logger: log})
	if err != nil {
		report.Errors = append(report.Errors, ValidationError{
			RuleCode: CodeStructure,
			Message:  fmt.Sprintf("No fue posible preparar el evaluador de reglas: %v", err),
		})
		report.refreshFields()
		return report
	}

	// Step 3: evaluate. results[task][row] holds the errors of one cell.
	results := make([][][]ValidationError, len(tasks))
	for i := range results {
		results[i] = make([][]ValidationError, table.Len())
	}

	if err := v.run(ctx, table, tasks, evaluator, results); err != nil {
		report.Errors = append(report.Errors, ValidationError{
			RuleCode: CodeCancelled,
			Message:  fmt.Sprintf("Validación interrumpida: %v", err),
		})
	}

	for ti := range tasks {
		for _, cell := range results[ti] {
			report.Errors = append(report.Errors, cell...)
		}
	}
	report.refreshFields()

	log.Debug().
		Int("rows", report.RowCount).
		Int("fields", len(tasks)).
		Int("errors", len(report.Errors)).
		Int("skipped_rules", len(report.SkippedRules)).
		Msg("validation finished")

	return report
}

// run evaluates every task over every row, sequentially or in chunks.
func (v *Validator) run(ctx context.Context, table *types.Table, tasks []fieldTask, ev *rules.Evaluator, results [][][]ValidationError) error {
	rows := table.Len()
	workers := v.options.Workers

	if workers < 2 || rows <= minChunkRows {
		return validateRows(ctx, table, tasks, ev, results, 0, rows)
	}

	chunk := (rows + workers - 1) / workers
	if chunk < minChunkRows {
		chunk = minChunkRows
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < rows; start += chunk {
		start, end := start, min(start+chunk, rows)
		g.Go(func() error {
			return validateRows(gctx, table, tasks, ev, results, start, end)
		})
	}
	return g.Wait()
}

func validateRows(ctx context.Context, table *types.Table, tasks []fieldTask, ev *rules.Evaluator, results [][][]ValidationError, start, end int) error {
	for row := start; row < end; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for ti, task := range tasks {
			value := table.Get(row, task.field.Code)
			results[ti][row] = checkCell(ev, task, value, row)
		}
	}
	return nil
}

// checkCell evaluates the rules of one field for one cell.
func checkCell(ev *rules.Evaluator, task fieldTask, value types.Value, row int) []ValidationError {
	var errs []ValidationError
	for _, rule := range task.rules {
		ok, err := ev.EvaluateField(task.field.Code, rule, value, row)
		if err == nil && ok {
			continue
		}

		msg := rule.Message
		if err != nil {
			cause := err
			var evalErr *rules.EvaluationError
			if errors.As(err, &evalErr) {
				cause = evalErr.Err
			}
			msg = fmt.Sprintf("Error evaluando validación: %v", cause)
		} else if msg == "" {
			msg = fmt.Sprintf("Validación %s no cumplida", rule.Code)
		}

		errs = append(errs, ValidationError{
			Row:      row + 1,
			Field:    task.field.Code,
			RuleCode: rule.Code,
			Message:  msg,
			Value:    value.String(),
		})
	}
	return errs
}
