package templates

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/xlsxparser"
)

const catalogue = `
declarations:
  - code: "1922"
    name: Movimiento Mensual de Ventas
    fields:
      - {code: C1, name: Fecha, data_type: DATE, length: 8, position: 1, required: true}
      - {code: C2, name: Tipo, data_type: INTEGER, length: 3, position: 2, alignment: RIGHT, fill_char: "0", lookup_table: TIPOS_DOCUMENTO}
      - {code: C5, name: Cliente, data_type: TEXT, length: 30, position: 3, description: Razón social}
    rules:
      C2:
        - {code: V001, expression: "valor > 0", message: Tipo inválido}
  - code: "1948"
    name: Retiros
    type: COMPOSITE
    fields:
      - {code: B1, name: Monto, data_type: DECIMAL, length: 10, decimals: 2, position: 3, section: B_MONTOS}
      - {code: A1, name: RUT, data_type: TEXT, length: 10, position: 1, section: A_INFORMANTE}
      - {code: A2, name: Nombre, data_type: TEXT, length: 20, position: 2, section: A_INFORMANTE}
lookup_tables:
  TIPOS_DOCUMENTO:
    - {codigo: 33, descripcion: Factura}
    - {codigo: 39, descripcion: Boleta}
`

func load(t *testing.T, code string) (*metadata.YAMLStore, *metadata.DeclarationMetadata) {
	t.Helper()
	store, err := metadata.ParseYAMLStore([]byte(catalogue))
	require.NoError(t, err)
	md, err := store.GetMetadata(context.Background(), code)
	require.NoError(t, err)
	return store, md
}

func newTestGenerator(store metadata.LookupSource) *Generator {
	return NewGenerator(Options{
		Lookups: store,
		Now:     func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
}

func commentText(c excelize.Comment) string {
	var b strings.Builder
	b.WriteString(c.Text)
	for _, run := range c.Paragraph {
		b.WriteString(run.Text)
	}
	return b.String()
}

func TestBuildSimpleTemplate(t *testing.T) {
	store, md := load(t, "1922")

	f, err := newTestGenerator(store).Build(context.Background(), md)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"DJ1922", InstructionsSheet}, f.GetSheetList())

	rows, err := f.GetRows("DJ1922")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Fecha", "Tipo", "Cliente"}, rows[0])
	assert.Equal(t, []string{"C1", "C2", "C5"}, rows[1])

	comments, err := f.GetComments("DJ1922")
	require.NoError(t, err)
	require.Len(t, comments, 3)
	byCell := make(map[string]string)
	for _, c := range comments {
		byCell[c.Cell] = commentText(c)
	}
	assert.Contains(t, byCell["A2"], "OBLIGATORIO")
	assert.Contains(t, byCell["B2"], "V001: Tipo inválido")
	assert.Contains(t, byCell["B2"], "Ver tabla TIPOS_DOCUMENTO")
	assert.Contains(t, byCell["C2"], "DESCRIPCIÓN: Razón social")

	validations, err := f.GetDataValidations("DJ1922")
	require.NoError(t, err)
	bySqref := make(map[string][]string)
	for _, dv := range validations {
		bySqref[dv.Sqref] = append(bySqref[dv.Sqref], dv.Type)
	}
	assert.ElementsMatch(t, []string{"decimal", "list"}, bySqref["B3:B1000"])
	assert.Equal(t, []string{"textLength"}, bySqref["C3:C1000"])
	assert.Empty(t, bySqref["A3:A1000"])

	panes, err := f.GetPanes("DJ1922")
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
	assert.Equal(t, "A3", panes.TopLeftCell)
}

func TestBuildCompositeTemplate(t *testing.T) {
	_, md := load(t, "1948")

	f, err := newTestGenerator(nil).Build(context.Background(), md)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"A_INFORMANTE", "B_MONTOS", InstructionsSheet}, f.GetSheetList())

	codes, err := f.GetRows("A_INFORMANTE")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, codes[1])
}

func TestGeneratedTemplateIsReadable(t *testing.T) {
	store, md := load(t, "1922")

	var buf bytes.Buffer
	require.NoError(t, newTestGenerator(store).Generate(context.Background(), md, &buf))

	wb, err := xlsxparser.ReadWorkbookFrom(&buf, md, xlsxparser.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2", "C5"}, wb.Table.Columns)
	assert.Zero(t, wb.Table.Len())
}

func TestSaveTemplate(t *testing.T) {
	store, md := load(t, "1922")
	fs := afero.NewMemMapFs()

	path := "/templates/" + FileName(md)
	require.NoError(t, newTestGenerator(store).Save(context.Background(), fs, path, md))

	ok, err := afero.Exists(fs, "/templates/template_DJ1922_Movimiento_Mensual_de_Ventas.xlsx")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLookupValues(t *testing.T) {
	store, _ := load(t, "1922")

	values, err := LookupValues(context.Background(), store, "TIPOS_DOCUMENTO")
	require.NoError(t, err)
	assert.Equal(t, []string{"33", "39"}, values)

	_, err = LookupValues(context.Background(), store, "NO_EXISTE")
	assert.ErrorIs(t, err, metadata.ErrLookupNotFound)
}

func TestNumericBound(t *testing.T) {
	assert.Equal(t, 999, numericBound(3))
	assert.Equal(t, 999999999999999, numericBound(0))
	assert.Equal(t, 999999999999999, numericBound(20))
}
