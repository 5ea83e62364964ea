// =============================================================================
// DJ Filer - Rule Evaluator
// =============================================================================
//
// This module evaluates the validation rules stored in declaration metadata.
// Rules are small boolean expressions such as:
//
//   valor > 0
//   not es_nulo(valor) and longitud(valor) <= 60
//   en_lista(valor, [33, 34, 61]) or c2 == 'EXENTO'
//   lookup('COMUNAS', 'CODIGO', valor, 'NOMBRE') != None
//
// Expressions are compiled as CEL (Common Expression Language). Word
// operators such as `and`, `not` and `is None` are rewritten first (see
// NormalizeExpression). CEL has no loops or host access, so a stored rule
// can only read the variables and call the helpers declared below.
//
// CONTEXT VARIABLES:
//   | Name       | Meaning                                       |
//   |------------|-----------------------------------------------|
//   | valor, v   | value of the field being validated            |
//   | fila       | the current row, keyed by field code          |
//   | fila_idx   | 0-based row index                             |
//   | fila_num   | 1-based row number                            |
//   | df, tabla  | the whole table as a list of rows             |
//   | c1, c2 ... | every other column by its lower-case code     |
//
// =============================================================================

package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/rs/zerolog"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// maxEvaluationCost bounds the work one rule may do on one cell.
const maxEvaluationCost = 1_000_000

// contextNames are reserved for the evaluation context; column aliases
// never shadow them.
var contextNames = map[string]bool{
	"valor": true, "v": true, "fila": true, "fila_idx": true,
	"fila_num": true, "df": true, "tabla": true,
}

// celReserved are identifiers CEL does not accept as variable names.
var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// =============================================================================
// ERRORS
// =============================================================================

// EvaluationError reports a rule that failed to compile, failed while
// running, or produced a value that cannot be read as true or false.
type EvaluationError struct {
	Expression string
	Err        error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate %q: %v", e.Expression, e.Err)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error { return e.Err }

// =============================================================================
// EVALUATOR
// =============================================================================

// Options configures an Evaluator.
type Options struct {
	Logger zerolog.Logger
}

type compiledRule struct {
	program cel.Program
	err     error
}

// Evaluator evaluates rules against one table. It is safe for concurrent
// use once constructed.
type Evaluator struct {
	ctx   context.Context
	cache *LookupCache
	log   zerolog.Logger
	env   *cel.Env

	rows    []map[string]any
	table   []any
	aliases map[string]string // alias -> column code

	mu       sync.Mutex
	programs map[string]compiledRule
}

// NewEvaluator builds an evaluator over table.
//
// PARAMETERS:
//   - ctx: Used by lookup() when a reference table has to be fetched.
//   - table: The table being validated. It is snapshotted; later changes
//     to table are not seen by the evaluator.
//   - cache: The run's lookup cache. May be nil.
//   - opts: Logger.
func NewEvaluator(ctx context.Context, table *types.Table, cache *LookupCache, opts Options) (*Evaluator, error) {
	e := &Evaluator{
		ctx:      ctx,
		cache:    cache,
		log:      opts.Logger,
		aliases:  make(map[string]string),
		programs: make(map[string]compiledRule),
	}

	e.rows = make([]map[string]any, table.Len())
	e.table = make([]any, table.Len())
	for i, row := range table.Rows {
		native := make(map[string]any, len(table.Columns))
		for _, col := range table.Columns {
			native[col] = row.Get(col).Native()
		}
		e.rows[i] = native
		e.table[i] = native
	}

	envOpts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
		cel.Variable("valor", cel.DynType),
		cel.Variable("v", cel.DynType),
		cel.Variable("fila", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("fila_idx", cel.IntType),
		cel.Variable("fila_num", cel.IntType),
		cel.Variable("df", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("tabla", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	}

	for _, col := range table.Columns {
		alias := strings.ToLower(col)
		if !identifierPattern.MatchString(alias) || contextNames[alias] || celReserved[alias] {
			continue
		}
		if _, dup := e.aliases[alias]; dup {
			continue
		}
		e.aliases[alias] = col
		envOpts = append(envOpts, cel.Variable(alias, cel.DynType))
	}
	envOpts = append(envOpts, e.helperFunctions()...)

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule environment: %w", err)
	}
	e.env = env
	return e, nil
}

// Compile checks that an expression compiles in this evaluator's context.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.programs[expression]; ok {
		return c.program, c.err
	}

	prg, err := e.compile(expression)
	if err != nil {
		e.log.Debug().Str("expression", expression).Err(err).Msg("rule failed to compile")
	}
	e.programs[expression] = compiledRule{program: prg, err: err}
	return prg, err
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	src := NormalizeExpression(strings.TrimSpace(expression))
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	ast, iss := e.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}

	prg, err := e.env.Program(ast, cel.CostLimit(maxEvaluationCost))
	if err != nil {
		return nil, err
	}
	return prg, nil
}

// Evaluate runs one rule for one cell, with every column alias in scope.
func (e *Evaluator) Evaluate(rule metadata.RuleSpec, value types.Value, rowIndex int) (bool, error) {
	return e.EvaluateField("", rule, value, rowIndex)
}

// EvaluateField runs one rule for one cell of field. The field's own alias
// is left unbound; its value is reached through valor.
//
// PARAMETERS:
//   - field: Code of the field the rule belongs to.
//   - rule: The rule to evaluate.
//   - value: The cell value of the rule's field.
//   - rowIndex: 0-based index of the row in the table.
//
// RETURNS:
//   - The boolean outcome of the rule.
//   - An *EvaluationError when the rule cannot produce one. Callers treat
//     this as a failed check.
func (e *Evaluator) EvaluateField(field string, rule metadata.RuleSpec, value types.Value, rowIndex int) (bool, error) {
	prg, err := e.program(rule.Expression)
	if err != nil {
		return false, &EvaluationError{Expression: rule.Expression, Err: err}
	}

	out, _, err := prg.Eval(e.activation(field, value, rowIndex))
	if err != nil {
		return false, &EvaluationError{Expression: rule.Expression, Err: err}
	}

	ok, err := truthy(out)
	if err != nil {
		return false, &EvaluationError{Expression: rule.Expression, Err: err}
	}
	return ok, nil
}

func (e *Evaluator) activation(field string, value types.Value, rowIndex int) map[string]any {
	var row map[string]any
	if rowIndex >= 0 && rowIndex < len(e.rows) {
		row = e.rows[rowIndex]
	} else {
		row = map[string]any{}
	}

	vars := make(map[string]any, len(e.aliases)+len(contextNames))
	for alias, col := range e.aliases {
		if col == field {
			continue
		}
		vars[alias] = row[col]
	}

	native := value.Native()
	vars["valor"] = native
	vars["v"] = native
	vars["fila"] = row
	vars["fila_idx"] = int64(rowIndex)
	vars["fila_num"] = int64(rowIndex + 1)
	vars["df"] = e.table
	vars["tabla"] = e.table
	return vars
}

// truthy converts a rule's result into a boolean.
//
// CONVERSION:
//   - bool           -> itself
//   - null           -> false
//   - numbers        -> non-zero
//   - strings        -> non-empty
//   - lists and maps -> non-empty
//   - anything else  -> error
func truthy(out ref.Val) (bool, error) {
	if celtypes.IsError(out) {
		return false, fmt.Errorf("%v", out.Value())
	}

	switch x := out.(type) {
	case celtypes.Bool:
		return bool(x), nil
	case celtypes.Null:
		return false, nil
	case celtypes.Int:
		return x != 0, nil
	case celtypes.Uint:
		return x != 0, nil
	case celtypes.Double:
		return x != 0, nil
	case celtypes.String:
		return x != "", nil
	case traits.Sizer:
		return x.Size() != celtypes.Int(0), nil
	}
	return false, fmt.Errorf("resultado no booleano de tipo %s", out.Type().TypeName())
}
