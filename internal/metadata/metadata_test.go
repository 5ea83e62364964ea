package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
declarations:
  - code: "1922"
    name: Movimientos de ventas
    fields:
      - {code: C2, name: Tipo, data_type: integer, length: 3, position: 2, alignment: right, fill_char: "0", lookup_table: TIPOS_DOCUMENTO}
      - {code: C1, name: Fecha, data_type: fecha, length: 8, position: 1, required: true}
      - {code: C3, name: Monto, data_type: DECIMAL, length: 12, decimals: 2, position: 3, fill_char: "ab"}
    rules:
      C3:
        - {code: V1, kind: RANGO, expression: "valor > 0", message: Monto debe ser positivo}
        - {code: V2, expression: "valor < 1000000", message: Monto excesivo, active: false}
  - code: "1948"
    type: COMPUESTA
    consolidation: union
    fields:
      - {code: A1, length: 5, position: 1, section: B}
      - {code: A2, length: 5, position: 1, section: A}
      - {code: A3, length: 4, position: 2, section: A}
lookup_tables:
  TIPOS_DOCUMENTO:
    - {codigo: 33, descripcion: Factura}
    - {codigo: 61, descripcion: Nota de crédito}
`

func loadSample(t *testing.T) *YAMLStore {
	t.Helper()
	s, err := ParseYAMLStore([]byte(sampleYAML))
	require.NoError(t, err)
	return s
}

func TestYAMLStoreGetMetadata(t *testing.T) {
	s := loadSample(t)

	md, err := s.GetMetadata(context.Background(), "1922")
	require.NoError(t, err)

	assert.Equal(t, DeclarationSimple, md.Type)
	assert.True(t, md.Active)
	assert.Equal(t, ConsolidateConcatenation, md.Consolidation)

	require.Len(t, md.Fields, 3)
	assert.Equal(t, "C1", md.Fields[0].Code)
	assert.Equal(t, DataTypeDate, md.Fields[0].DataType)
	assert.Equal(t, DataTypeInteger, md.Fields[1].DataType)
	assert.Equal(t, AlignRight, md.Fields[1].Alignment)
	assert.Equal(t, '0', md.Fields[1].Fill())
	assert.Equal(t, " ", md.Fields[2].FillChar)
	assert.Equal(t, AlignLeft, md.Fields[2].Alignment)

	assert.Len(t, md.Rules["C3"], 2)
	active := md.ActiveRules("C3")
	require.Len(t, active, 1)
	assert.Equal(t, "V1", active[0].Code)

	assert.Equal(t, 23, md.LineLength())
	assert.Equal(t, "922", md.FileExtension())
	assert.Equal(t, []string{"TIPOS_DOCUMENTO"}, md.LookupTables())
}

func TestYAMLStoreReturnsCopies(t *testing.T) {
	s := loadSample(t)
	ctx := context.Background()

	md, err := s.GetMetadata(ctx, "1922")
	require.NoError(t, err)
	md.Fields[0].Length = 99
	md.Rules["C3"][0].Expression = "false"

	again, err := s.GetMetadata(ctx, "1922")
	require.NoError(t, err)
	assert.Equal(t, 8, again.Fields[0].Length)
	assert.Equal(t, "valor > 0", again.Rules["C3"][0].Expression)
}

func TestYAMLStoreNotFound(t *testing.T) {
	s := loadSample(t)
	_, err := s.GetMetadata(context.Background(), "9999")
	assert.True(t, errors.Is(err, ErrDeclarationNotFound))
}

func TestYAMLStoreLookupTables(t *testing.T) {
	s := loadSample(t)
	ctx := context.Background()

	rows, err := s.FetchLookupTable(ctx, "TIPOS_DOCUMENTO")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "33", rows[0].Get("codigo").String())

	_, err = s.FetchLookupTable(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrLookupNotFound)

	_, err = s.FetchLookupTable(ctx, "x; DROP TABLE y")
	assert.ErrorIs(t, err, ErrInvalidLookupName)
}

func TestListDeclarations(t *testing.T) {
	s := loadSample(t)
	list, err := s.ListDeclarations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1922", list[0].Code)
	assert.Equal(t, DeclarationComposite, list[1].Type)
}

func TestCompositeOrderingAndSections(t *testing.T) {
	s := loadSample(t)
	md, err := s.GetMetadata(context.Background(), "1948")
	require.NoError(t, err)

	assert.True(t, md.IsComposite())
	assert.Equal(t, ConsolidateUnion, md.Consolidation)
	assert.Equal(t, []string{"A", "B"}, md.Sections())

	var codes []string
	for _, f := range md.OrderedFields() {
		codes = append(codes, f.Code)
	}
	// Positions repeat across sections, so ordering is (section, position).
	assert.Equal(t, []string{"A2", "A3", "A1"}, codes)

	secA := md.SectionFields("A")
	require.Len(t, secA, 2)
	assert.Equal(t, "A2", secA[0].Code)

	sum := md.Summary()
	assert.Equal(t, 3, sum.FieldCount)
	assert.Equal(t, 2, sum.FieldsBySection["A"])
	assert.Equal(t, 14, sum.LineLength)
}

func TestValidateInvariants(t *testing.T) {
	md := &DeclarationMetadata{
		Code: "1887",
		Type: DeclarationComposite,
		Fields: []FieldSpec{
			{Code: "C1", Position: 1, Section: "S"},
			{Code: "C1", Position: 2, Section: "S"},
			{Code: "C2", Position: 2, Section: "S", Decimals: -1},
			{Code: "C3", Position: 3},
		},
		Rules: map[string][]RuleSpec{
			"C9": {{Code: "V1", Expression: "true", Active: true}},
			"C1": {{Code: "V2", Expression: " ", Active: true}},
		},
	}
	md.Normalize()

	err := md.Validate()
	var invalid *InvalidMetadataError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Problems, "field code C1 is duplicated")
	assert.Contains(t, invalid.Problems, "fields C1 and C2 share position 2")
	assert.Contains(t, invalid.Problems, "field C2 has negative decimals")
	assert.Contains(t, invalid.Problems, "field C3 has no section in a composite declaration")
	assert.Contains(t, invalid.Problems, "rules reference unknown field C9")
	assert.Contains(t, invalid.Problems, "rule V2 of field C1 has no expression")
}

func TestNormalizeSpellings(t *testing.T) {
	assert.Equal(t, DataTypeText, NormalizeDataType("varchar"))
	assert.Equal(t, DataTypeInteger, NormalizeDataType("NUMERIC"))
	assert.Equal(t, DataTypeDecimal, NormalizeDataType("decimal"))
	assert.Equal(t, AlignCenter, NormalizeAlignment("centro"))
	assert.Equal(t, DeclarationComposite, NormalizeDeclarationType("compuesta"))
	assert.Equal(t, ConsolidateConcatenation, NormalizeConsolidation(""))
}

func TestFillDefaultsToSpace(t *testing.T) {
	assert.Equal(t, ' ', FieldSpec{FillChar: ""}.Fill())
	assert.Equal(t, ' ', FieldSpec{FillChar: "00"}.Fill())
	assert.Equal(t, 'ñ', FieldSpec{FillChar: "ñ"}.Fill())
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, cleanup, err := OpenSQLStore(ctx, "file::memory:")
	require.NoError(t, err)
	defer cleanup()
	require.NoError(t, store.Migrate(ctx))

	src := loadSample(t)
	for _, md := range src.Declarations() {
		require.NoError(t, store.SaveDeclaration(ctx, md))
	}

	md, err := store.GetMetadata(ctx, "1922")
	require.NoError(t, err)
	require.Len(t, md.Fields, 3)
	assert.Equal(t, "C1", md.Fields[0].Code)
	assert.Equal(t, DataTypeDecimal, md.Fields[2].DataType)
	assert.Equal(t, 2, md.Fields[2].Decimals)
	assert.True(t, md.Fields[0].Required)

	// Inactive rules are filtered by the query.
	require.Len(t, md.Rules["C3"], 1)
	assert.Equal(t, "valor > 0", md.Rules["C3"][0].Expression)

	list, err := store.ListDeclarations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = store.GetMetadata(ctx, "0000")
	assert.ErrorIs(t, err, ErrDeclarationNotFound)
}

func TestSQLStoreLookupTable(t *testing.T) {
	ctx := context.Background()
	store, cleanup, err := OpenSQLStore(ctx, "file::memory:")
	require.NoError(t, err)
	defer cleanup()

	_, err = store.db.ExecContext(ctx, `CREATE TABLE COMUNAS (CODIGO INTEGER, NOMBRE TEXT)`)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `INSERT INTO COMUNAS VALUES (13101, 'Santiago'), (5101, 'Valparaíso')`)
	require.NoError(t, err)

	rows, err := store.FetchLookupTable(ctx, "COMUNAS")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "13101", rows[0].Get("CODIGO").String())
	assert.Equal(t, "Valparaíso", rows[1].Get("NOMBRE").String())

	_, err = store.FetchLookupTable(ctx, `COMUNAS"--`)
	assert.ErrorIs(t, err, ErrInvalidLookupName)
}
