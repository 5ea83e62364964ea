package validation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/rules"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleMetadata() *metadata.DeclarationMetadata {
	md := &metadata.DeclarationMetadata{
		Code: "1922",
		Fields: []metadata.FieldSpec{
			{Code: "C1", DataType: metadata.DataTypeText, Length: 10, Position: 1, Required: true},
			{Code: "C2", DataType: metadata.DataTypeDecimal, Length: 12, Decimals: 2, Position: 2, Required: true},
			{Code: "C3", DataType: metadata.DataTypeText, Length: 5, Position: 3},
		},
		Rules: map[string][]metadata.RuleSpec{
			"C1": {{Code: "V1", Expression: "not es_nulo(valor)", Message: "Nombre requerido", Active: true}},
			"C2": {
				{Code: "V1", Expression: "valor > 0", Message: "Monto debe ser positivo", Active: true},
				{Code: "V2", Expression: "valor < 0", Message: "nunca evaluada", Active: false},
			},
			"C3": {{Code: "V1", Expression: "longitud(valor) <= 5", Message: "Muy largo", Active: true}},
		},
	}
	md.Normalize()
	return md
}

func sampleTable() *types.Table {
	t := types.FromRecords([]string{"C1", "C2"}, [][]string{
		{"Ana", "100"},
		{"Luis", "50.5"},
		{"Eva", "-100"},
		{"", "20"},
	})
	t.Coerce(map[string]types.Kind{"C2": types.KindDecimal})
	return t
}

func TestRowErrorIsOneBased(t *testing.T) {
	report := Validate(context.Background(), sampleTable(), sampleMetadata())

	require.False(t, report.Valid())
	require.Len(t, report.Errors, 2)

	// Errors are ordered by field, then row.
	first := report.Errors[0]
	assert.Equal(t, 4, first.Row)
	assert.Equal(t, "C1", first.Field)
	assert.Equal(t, "Nombre requerido", first.Message)

	second := report.Errors[1]
	assert.Equal(t, 3, second.Row)
	assert.Equal(t, "C2", second.Field)
	assert.Equal(t, "V1", second.RuleCode)
	assert.Equal(t, "Monto debe ser positivo", second.Message)
	assert.Equal(t, "-100", second.Value)

	assert.Equal(t, []string{"C1", "C2"}, report.FieldsWithErrors)
	assert.Equal(t, 4, report.RowCount)
	assert.Equal(t, 2, report.RowErrorCount())
}

func TestSkippedRulesForAbsentOptionalColumn(t *testing.T) {
	report := Validate(context.Background(), sampleTable(), sampleMetadata())

	require.Len(t, report.SkippedRules, 1)
	assert.Equal(t, SkippedRule{Field: "C3", RuleCode: "V1", Reason: "Columna no presente en el DataFrame"}, report.SkippedRules[0])
}

func TestMissingRequiredColumnStopsValidation(t *testing.T) {
	rows := make([][]string, 50)
	for i := range rows {
		rows[i] = []string{""}
	}
	table := types.FromRecords([]string{"C1"}, rows)

	report := Validate(context.Background(), table, sampleMetadata())

	assert.False(t, report.Valid())
	require.Len(t, report.Errors, 1)
	err := report.Errors[0]
	assert.True(t, err.IsStructural())
	assert.Equal(t, "C2", err.Field)
	assert.Equal(t, CodeRequired, err.RuleCode)
	assert.Equal(t, "Columna obligatoria 'C2' no está presente en el DataFrame", err.Message)
	assert.Equal(t, 0, report.RowErrorCount())
	assert.Empty(t, report.FieldsWithErrors)
}

func TestEvaluationFailureIsRowError(t *testing.T) {
	md := sampleMetadata()
	md.Rules["C2"] = []metadata.RuleSpec{{Code: "V9", Expression: "valor >", Message: "x", Active: true}}

	report := Validate(context.Background(), sampleTable(), md)

	var broken []ValidationError
	for _, e := range report.Errors {
		if e.RuleCode == "V9" {
			broken = append(broken, e)
		}
	}
	require.Len(t, broken, 4)
	assert.Contains(t, broken[0].Message, "Error evaluando validación:")
	assert.Equal(t, 1, broken[0].Row)
}

func TestValidTable(t *testing.T) {
	md := sampleMetadata()
	table := types.FromRecords([]string{"C1", "C2", "C3"}, [][]string{{"Ana", "1", "ok"}})
	table.Coerce(md.Kinds())

	report := Validate(context.Background(), table, md)
	assert.True(t, report.Valid())
	assert.Empty(t, report.SkippedRules)
	assert.Contains(t, FormatErrors(report, 0), "Validación exitosa")
}

func TestValidateIsDeterministic(t *testing.T) {
	md := sampleMetadata()
	table := sampleTable()

	first := Validate(context.Background(), table, md)
	second := Validate(context.Background(), table, md)
	assert.Equal(t, first, second)
}

func TestParallelMatchesSequential(t *testing.T) {
	md := sampleMetadata()

	records := make([][]string, 1000)
	for i := range records {
		amount := fmt.Sprintf("%d", i%7-3)
		name := "n"
		if i%11 == 0 {
			name = ""
		}
		records[i] = []string{name, amount}
	}
	table := types.FromRecords([]string{"C1", "C2"}, records)
	table.Coerce(md.Kinds())

	sequential := NewValidator(Options{Workers: 1}).Validate(context.Background(), table, md)
	parallel := NewValidator(Options{Workers: 8}).Validate(context.Background(), table, md)

	require.NotEmpty(t, sequential.Errors)
	assert.Equal(t, sequential, parallel)
}

func TestLookupRules(t *testing.T) {
	md := sampleMetadata()
	md.Rules["C1"] = []metadata.RuleSpec{{
		Code:       "L1",
		Expression: "lookup('CLIENTES', 'NOMBRE', valor, 'ACTIVO') == 'S'",
		Message:    "Cliente inactivo o desconocido",
		Active:     true,
	}}

	store, err := metadata.ParseYAMLStore([]byte(`
lookup_tables:
  CLIENTES:
    - {NOMBRE: Ana, ACTIVO: S}
    - {NOMBRE: Luis, ACTIVO: N}
`))
	require.NoError(t, err)
	cache := rules.NewLookupCache(store)
	require.NoError(t, cache.Warm(context.Background(), []string{"CLIENTES"}))

	report := NewValidator(Options{Lookups: cache}).Validate(context.Background(), sampleTable(), md)

	var rows []int
	for _, e := range report.Errors {
		if e.RuleCode == "L1" {
			rows = append(rows, e.Row)
		}
	}
	assert.Equal(t, []int{2, 3, 4}, rows)
}

func TestMergeKeepsStructuralFirst(t *testing.T) {
	r := &Report{Declaration: "1922", RowCount: 2, Errors: []ValidationError{{Row: 1, Field: "C1", RuleCode: "V1"}}}
	r.Merge(&Report{
		RowCount: 3,
		Errors: []ValidationError{
			{Field: "C5", RuleCode: CodeStructure, Message: "Falta sección"},
			{Row: 2, Field: "C6", RuleCode: "D1"},
		},
		Warnings: []string{"w"},
	})

	require.Len(t, r.Errors, 3)
	assert.Equal(t, CodeStructure, r.Errors[0].RuleCode)
	assert.Equal(t, "C1", r.Errors[1].Field)
	assert.Equal(t, "C6", r.Errors[2].Field)
	assert.Equal(t, 3, r.RowCount)
	assert.Equal(t, []string{"C1", "C6"}, r.FieldsWithErrors)
	assert.Equal(t, []string{"w"}, r.Warnings)
	assert.Equal(t, 1, r.StructuralErrorCount())
}

func TestFormatErrorsLimit(t *testing.T) {
	report := Validate(context.Background(), sampleTable(), sampleMetadata())
	out := FormatErrors(report, 1)
	assert.Contains(t, out, "1. [V1] Fila 4, Campo 'C1': Nombre requerido")
	assert.Contains(t, out, "... y 1 error(es) más")
	assert.Contains(t, out, "Reglas omitidas: 1")
}
