package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

type fakeSource struct {
	calls  atomic.Int32
	tables map[string][]types.Row
}

func (f *fakeSource) FetchLookupTable(_ context.Context, name string) ([]types.Row, error) {
	f.calls.Add(1)
	rows, ok := f.tables[name]
	if !ok {
		return nil, metadata.ErrLookupNotFound
	}
	return rows, nil
}

func sampleTable() *types.Table {
	t := types.NewTable("C1", "C2", "C3")
	t.AddRow(types.Row{"C1": types.NewInt(33), "C2": types.NewText("Factura"), "C3": types.Parse("1500.50", types.KindDecimal)})
	t.AddRow(types.Row{"C1": types.NewInt(61), "C2": types.NewText("  "), "C3": types.NewInt(-100)})
	t.AddRow(types.Row{"C1": types.Null(), "C2": types.NewText("12.345.678-5"), "C3": types.NewInt(0)})
	return t
}

func newEvaluator(t *testing.T, cache *LookupCache) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(context.Background(), sampleTable(), cache, Options{})
	require.NoError(t, err)
	return e
}

func eval(t *testing.T, e *Evaluator, expr string, value types.Value, row int) bool {
	t.Helper()
	ok, err := e.Evaluate(metadata.RuleSpec{Code: "V", Expression: expr, Active: true}, value, row)
	require.NoError(t, err, expr)
	return ok
}

func TestNormalizeExpression(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"not es_nulo(valor) and valor > 0", "!(es_nulo(valor)) && valor > 0"},
		{"not valor < 0", "!(valor < 0)"},
		{"not valor == 0 or valor is None", "!(valor == 0) || valor == null"},
		{"valor not in [1, 2]", "!(valor in [1, 2])"},
		{"not valor in [1, 2]", "!(valor in [1, 2])"},
		{"entre(valor, 1, 10) and not (valor > 3 and valor < 5)", "entre(valor, 1, 10) && !((valor > 3 && valor < 5))"},
		{"en_lista(valor, [1]) or (c1 not in [33, 34])", "en_lista(valor, [1]) || (!(c1 in [33, 34]))"},
		{"not not valor", "!(!(valor))"},
		{"valor is not None", "valor != null"},
		{"valor is None or valor == True", "valor == null || valor == true"},
		{"contiene(valor, 'and or not')", "contiene(valor, 'and or not')"},
		{`contiene(valor, "it's")`, `contiene(valor, "it's")`},
		{"fila.or", "fila.or"},
		{"notas == 'x'", "notas == 'x'"},
		{"island", "island"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeExpression(tt.in), tt.in)
	}
}

func TestEvaluateContextVariables(t *testing.T) {
	e := newEvaluator(t, nil)

	assert.True(t, eval(t, e, "valor > 0", types.NewInt(5), 0))
	assert.False(t, eval(t, e, "valor > 0", types.NewInt(-100), 1))
	assert.True(t, eval(t, e, "v == 'Factura'", types.NewText("Factura"), 0))
	assert.True(t, eval(t, e, "fila_idx == 1 and fila_num == 2", types.Null(), 1))
	assert.True(t, eval(t, e, "fila['C1'] == 33", types.Null(), 0))
	assert.True(t, eval(t, e, "c1 == 61 and c3 < 0", types.Null(), 1))
	assert.True(t, eval(t, e, "size(tabla) == 3 and size(df) == 3", types.Null(), 0))
	assert.True(t, eval(t, e, "tabla.exists(r, r.C1 == 61)", types.Null(), 0))
	// Integers and decimals compare across types.
	assert.True(t, eval(t, e, "c3 > 1500", types.Null(), 0))
}

func TestEvaluateFieldHidesOwnAlias(t *testing.T) {
	e := newEvaluator(t, nil)
	rule := func(expr string) metadata.RuleSpec {
		return metadata.RuleSpec{Code: "V", Expression: expr, Active: true}
	}

	_, err := e.EvaluateField("C1", rule("c1 == valor"), types.NewInt(33), 0)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)

	ok, err := e.EvaluateField("C1", rule("valor == 33 and c3 > 1500 and c2 == 'Factura'"), types.NewInt(33), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateField("C3", rule("c1 == 61 and valor < 0"), types.NewInt(-100), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateHelpers(t *testing.T) {
	e := newEvaluator(t, nil)

	tests := []struct {
		expr  string
		value types.Value
		want  bool
	}{
		{"es_nulo(valor)", types.Null(), true},
		{"es_nulo(valor)", types.NewText("   "), true},
		{"es_nulo(valor)", types.NewInt(0), false},
		{"es_numerico(valor)", types.Parse("1.5", types.KindDecimal), true},
		{"es_numerico(valor)", types.NewText("1.5"), false},
		{"es_texto(valor)", types.NewText("x"), true},
		{"longitud(valor) == 0", types.Null(), true},
		{"longitud(valor) == 5", types.NewText("Señor"), true},
		{"longitud(valor) == 5", types.Parse("100", types.KindDecimal), true},
		{"contiene(valor, 'tura')", types.NewText("Factura"), true},
		{"contiene(valor, 'x')", types.Null(), false},
		{"coincide_regex(valor, '[0-9]+')", types.NewText("123abc"), true},
		{"coincide_regex(valor, '[0-9]+')", types.NewText("abc123"), false},
		{"entre(valor, 1, 10)", types.NewInt(10), true},
		{"entre(valor, 1, 10)", types.Parse("10.5", types.KindDecimal), false},
		{"entre(valor, 1, 10)", types.NewText("5"), false},
		{"en_lista(valor, [33, 34, 61])", types.NewInt(61), true},
		{"en_lista(valor, [33, 34, 61])", types.NewInt(39), false},
		{"en_lista(valor, ['A', 'B'])", types.NewText("B"), true},
		{"rut_valido(valor)", types.NewText("12.345.678-5"), true},
		{"rut_valido(valor)", types.NewText("12.345.678-0"), false},
		{"len(valor) == 3", types.NewText("abc"), true},
		{"str(valor) == '42'", types.NewInt(42), true},
		{"abs(valor) == 100", types.NewInt(-100), true},
		{"not valor < 0", types.NewInt(5), true},
		{"not valor == 0", types.NewInt(5), true},
		{"valor not in [1, 2]", types.NewInt(5), true},
		{"not valor in [1, 2]", types.NewInt(5), true},
		{"valor not in [1, 2]", types.NewInt(2), false},
		{"not valor > 0 or valor == 5", types.NewInt(5), true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, e, tt.expr, tt.value, 0))
		})
	}
}

func TestEvaluateCoercesResults(t *testing.T) {
	e := newEvaluator(t, nil)

	assert.False(t, eval(t, e, "null", types.Null(), 0))
	assert.True(t, eval(t, e, "valor", types.NewInt(3), 0))
	assert.False(t, eval(t, e, "valor", types.NewText(""), 0))
	assert.True(t, eval(t, e, "[1]", types.Null(), 0))
}

func TestEvaluateErrors(t *testing.T) {
	e := newEvaluator(t, nil)

	tests := []string{
		"valor >",         // syntax error
		"desconocido > 0", // undeclared name
		"valor > 0",       // null compared with a number
		"coincide_regex(valor, '[')",
		"",
	}
	values := []types.Value{types.NewInt(1), types.NewInt(1), types.Null(), types.NewText("x"), types.NewInt(1)}

	for i, expr := range tests {
		_, err := e.Evaluate(metadata.RuleSpec{Code: "V", Expression: expr}, values[i], 0)
		var evalErr *EvaluationError
		assert.True(t, errors.As(err, &evalErr), "expected evaluation error for %q", expr)
	}
}

func TestEvaluateDoesNotMutateTable(t *testing.T) {
	tbl := sampleTable()
	before := tbl.Clone()
	e, err := NewEvaluator(context.Background(), tbl, nil, Options{})
	require.NoError(t, err)

	for i := range tbl.Rows {
		_, _ = e.Evaluate(metadata.RuleSpec{Expression: "size(fila) == 3"}, tbl.Get(i, "C1"), i)
	}
	assert.Equal(t, before, tbl)
}

func TestLookup(t *testing.T) {
	src := &fakeSource{tables: map[string][]types.Row{
		"TIPOS": {
			{"CODIGO": types.NewInt(33), "NOMBRE": types.NewText("Factura")},
			{"CODIGO": types.NewInt(61), "NOMBRE": types.NewText("Nota de crédito")},
		},
	}}
	cache := NewLookupCache(src)
	e := newEvaluator(t, cache)

	assert.True(t, eval(t, e, "lookup('TIPOS', 'CODIGO', valor, 'NOMBRE') == 'Factura'", types.NewInt(33), 0))
	assert.True(t, eval(t, e, "lookup('TIPOS', 'CODIGO', valor, 'NOMBRE') != None", types.Parse("61", types.KindDecimal), 1))
	assert.True(t, eval(t, e, "lookup('TIPOS', 'CODIGO', valor, 'NOMBRE') == None", types.NewInt(99), 0))
	assert.True(t, eval(t, e, "lookup('NOPE', 'CODIGO', valor, 'NOMBRE') == None", types.NewInt(33), 0))

	// TIPOS was fetched once and then served from the cache; the failed
	// NOPE fetch is not cached.
	assert.True(t, cache.Cached("TIPOS"))
	assert.False(t, cache.Cached("NOPE"))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestLookupMatchesNumbersByValueOnly(t *testing.T) {
	assert.True(t, lookupEqual(types.NewInt(33), types.Parse("33.0", types.KindDecimal)))
	assert.True(t, lookupEqual(types.NewText("33"), types.NewText("33")))
	assert.False(t, lookupEqual(types.NewInt(33), types.NewText("33")))
	assert.False(t, lookupEqual(types.NewText("33"), types.NewInt(33)))
	assert.False(t, lookupEqual(types.Null(), types.Null()))
}

func TestLookupCacheWarm(t *testing.T) {
	src := &fakeSource{tables: map[string][]types.Row{"A": {}, "B": {}}}
	cache := NewLookupCache(src)

	require.NoError(t, cache.Warm(context.Background(), []string{"A", "B"}))
	require.NoError(t, cache.Warm(context.Background(), []string{"A"}))
	assert.Equal(t, int32(2), src.calls.Load())

	assert.Error(t, cache.Warm(context.Background(), []string{"C"}))
}

func TestNilLookupCache(t *testing.T) {
	e := newEvaluator(t, nil)
	assert.True(t, eval(t, e, "lookup('TIPOS', 'CODIGO', 33, 'NOMBRE') == None", types.Null(), 0))
}

func TestProgramCacheReused(t *testing.T) {
	e := newEvaluator(t, nil)
	require.NoError(t, e.Compile("valor > 0"))
	require.NoError(t, e.Compile("valor > 0"))
	assert.Len(t, e.programs, 1)
}
