package csvparser

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/dj-filer/internal/config"
)

func TestParseSemicolonUTF8(t *testing.T) {
	in := "\ufeffC1;C2;C3\n2024-03-15;33;Peñalolén\n;;\n2024-03-16; 39 ;\n"

	data, err := ParseReader(strings.NewReader(in), config.CSVSettings{})
	require.NoError(t, err)

	assert.Equal(t, []string{"C1", "C2", "C3"}, data.Headers)
	assert.Equal(t, 2, data.RowCount)
	assert.Equal(t, "Peñalolén", data.Table.Get(0, "C3").String())
	assert.Equal(t, "39", data.Table.Get(1, "C2").String())
	assert.True(t, data.Table.Get(1, "C3").IsNull())
}

func TestParseLatin1(t *testing.T) {
	in := []byte("C1|C2\nPe\xf1alol\xe9n|1\n")

	for _, enc := range []string{"ISO-8859-1", "latin1", "Windows-1252"} {
		t.Run(enc, func(t *testing.T) {
			data, err := ParseReader(bytes.NewReader(in), config.CSVSettings{Delimiter: "|", Encoding: enc})
			require.NoError(t, err)
			assert.Equal(t, "Peñalolén", data.Table.Get(0, "C1").String())
		})
	}
}

func TestParseUnsupportedEncoding(t *testing.T) {
	_, err := ParseReader(strings.NewReader("C1\n"), config.CSVSettings{Encoding: "EBCDIC"})
	assert.ErrorContains(t, err, "unsupported CSV encoding")
}

func TestMultiLineHeaders(t *testing.T) {
	in := "Fecha,Tipo,,\nC1,C2,C3,C2\n\nx,y,z,w\n"

	data, err := ParseReader(strings.NewReader(in), config.CSVSettings{Delimiter: ",", HeaderRows: 2, DataStartRow: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2", "C3", "Column_4"}, data.Headers)
	require.Equal(t, 1, data.RowCount)
	assert.Equal(t, "w", data.Table.Get(0, "Column_4").String())
}

func TestParseFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/ventas.csv", []byte("C1\tC2\na\tb\n"), 0o644))

	data, err := Parse(fs, "/in/ventas.csv", config.CSVSettings{Delimiter: "\\t"})
	require.NoError(t, err)
	assert.Equal(t, "/in/ventas.csv", data.SourceFile)
	assert.Equal(t, "b", data.Table.Get(0, "C2").String())

	_, err = Parse(fs, "/in/missing.csv", config.CSVSettings{})
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/in/empty.csv", nil, 0o644))
	_, err = Parse(fs, "/in/empty.csv", config.CSVSettings{})
	assert.ErrorContains(t, err, "empty")
}
