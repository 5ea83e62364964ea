package encoder

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

func layout() *metadata.DeclarationMetadata {
	md := &metadata.DeclarationMetadata{
		Code: "1922",
		Fields: []metadata.FieldSpec{
			{Code: "C3", Name: "Nombre", DataType: metadata.DataTypeText, Length: 10, Position: 3},
			{Code: "C1", Name: "Fecha", DataType: metadata.DataTypeDate, Length: 8, Position: 1},
			{Code: "C2", Name: "Folio", DataType: metadata.DataTypeInteger, Length: 6, Position: 2, Alignment: metadata.AlignRight, FillChar: "0"},
			{Code: "C4", Name: "Monto", DataType: metadata.DataTypeDecimal, Length: 8, Decimals: 2, Position: 4, Alignment: metadata.AlignRight},
		},
	}
	md.Normalize()
	return md
}

func TestEncodeLineLength(t *testing.T) {
	md := layout()
	table := types.FromRecords([]string{"C1", "C2", "C3", "C4"}, [][]string{
		{"2024-03-15", "42", "Juan", "1234.5"},
		{"", "", "", ""},
		{"15/03/2024", "7.9", "  Nombre demasiado largo  ", "-3"},
	})

	lines, _ := New(Options{}).Encode(table, md)
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, md.LineLength(), utf8.RuneCountInString(line), "line %d", i+1)
	}

	assert.Equal(t, "20240315000042Juan      00123450", lines[0])
	assert.Equal(t, "        000000                 0", lines[1])
	assert.Equal(t, "20240315000007Nombre dem-0000300", lines[2])
}

func TestDecimalEncoding(t *testing.T) {
	f := metadata.FieldSpec{Code: "M", DataType: metadata.DataTypeDecimal, Length: 8, Decimals: 2, Alignment: metadata.AlignRight}

	tests := []struct {
		in   types.Value
		want string
	}{
		{types.Parse("1234.5", types.KindDecimal), "00123450"},
		{types.NewInt(12345), "01234500"},
		{types.Parse("0.005", types.KindDecimal), "00000001"},
		{types.Parse("0.015", types.KindDecimal), "00000001"},
		{types.Parse("2.675", types.KindDecimal), "00000267"},
		{types.Parse("1.005", types.KindDecimal), "00000100"},
		{types.Parse("-0.001", types.KindDecimal), "00000000"},
		{types.Parse("-12.5", types.KindDecimal), "-0001250"},
		{types.Null(), "       0"},
		{types.NewText("abc"), "       0"},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.in, f))
		})
	}

	back, err := ParseImpliedDecimal("01234500", 2)
	require.NoError(t, err)
	want, _, _ := apd.NewFromString("12345.00")
	assert.Zero(t, back.Cmp(want))

	back, err = ParseImpliedDecimal("00123450", 2)
	require.NoError(t, err)
	assert.Equal(t, "1234.50", back.Text('f'))
}

func TestDecimalWithoutDecimalsTruncates(t *testing.T) {
	f := metadata.FieldSpec{Code: "M", DataType: metadata.DataTypeDecimal, Length: 5, Alignment: metadata.AlignRight, FillChar: "0"}
	assert.Equal(t, "00099", FormatValue(types.Parse("99.99", types.KindDecimal), f))
}

func TestIntegerEncoding(t *testing.T) {
	f := metadata.FieldSpec{Code: "N", DataType: metadata.DataTypeInteger, Length: 4, Alignment: metadata.AlignRight}

	tests := map[string]string{
		"42.9":  "  42",
		"-7.9":  "  -7",
		"-0.5":  "   0",
		"":      "   0",
		"x":     "   0",
		"12345": "1234",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, FormatValue(types.NewText(in), f))
		})
	}
}

func TestDateEncoding(t *testing.T) {
	f := metadata.FieldSpec{Code: "D", DataType: metadata.DataTypeDate, Length: 8}

	for _, in := range []string{"2024-03-15", "15/03/2024", "15-03-2024"} {
		assert.Equal(t, "20240315", FormatValue(types.NewText(in), f), in)
	}
	assert.Equal(t, "20240315", FormatValue(types.NewDate(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)), f))
	assert.Equal(t, "marzo   ", FormatValue(types.NewText("marzo"), f))
	assert.Equal(t, "        ", FormatValue(types.Null(), f))
}

func TestTextIsIdempotent(t *testing.T) {
	f := metadata.FieldSpec{Code: "T", DataType: metadata.DataTypeText, Length: 5}
	once := FormatValue(types.NewText("  abcdefg "), f)
	assert.Equal(t, "abcde", once)
	assert.Equal(t, once, FormatValue(types.NewText(once), f))
}

func TestAlign(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		length int
		align  metadata.Alignment
		fill   rune
		want   string
		cut    bool
	}{
		{"left", "ab", 5, metadata.AlignLeft, ' ', "ab   ", false},
		{"right", "ab", 5, metadata.AlignRight, '0', "000ab", false},
		{"center odd width", "ab", 5, metadata.AlignCenter, '*', "**ab*", false},
		{"center even width", "a", 4, metadata.AlignCenter, '*', "*a**", false},
		{"center even margin", "ab", 6, metadata.AlignCenter, '*', "**ab**", false},
		{"exact", "abc", 3, metadata.AlignRight, ' ', "abc", false},
		{"truncated right", "abcdef", 3, metadata.AlignRight, ' ', "abc", true},
		{"no width", "abc", 0, metadata.AlignLeft, ' ', "abc", false},
		{"multibyte", "ñandú", 6, metadata.AlignLeft, ' ', "ñandú ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cut := Align(tt.s, tt.length, tt.align, tt.fill)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cut, cut)
		})
	}
}

func TestEncodeWarnings(t *testing.T) {
	md := &metadata.DeclarationMetadata{
		Code: "1922",
		Fields: []metadata.FieldSpec{
			{Code: "C1", DataType: metadata.DataTypeText, Length: 3, Position: 1},
			{Code: "C2", DataType: metadata.DataTypeText, Length: 0, Position: 2},
		},
	}
	md.Normalize()
	table := types.FromRecords([]string{"C1", "C2"}, [][]string{{"abc", "x"}, {"abcd", "yy"}})

	lines, warnings := New(Options{}).Encode(table, md)
	assert.Equal(t, []string{"abcx", "abcyy"}, lines)

	require.Len(t, warnings, 2)
	assert.Equal(t, WarningUnpadded, warnings[0].Kind)
	assert.Equal(t, "C2", warnings[0].Field)
	assert.Equal(t, 0, warnings[0].Row)
	assert.Equal(t, WarningTruncated, warnings[1].Kind)
	assert.Equal(t, 2, warnings[1].Row)
	assert.Equal(t, "C1", warnings[1].Field)
}

func TestWriteFiling(t *testing.T) {
	fs := afero.NewMemMapFs()

	info, err := WriteFiling(fs, "/out/DJ1922.922", []string{"Peñalolén", "abc"})
	require.NoError(t, err)
	assert.Equal(t, 2, info.Lines)
	assert.Equal(t, 14, info.Bytes)
	assert.Len(t, info.Checksum, 16)

	data, err := afero.ReadFile(fs, "/out/DJ1922.922")
	require.NoError(t, err)
	assert.Equal(t, []byte("Pe\xf1alol\xe9n\nabc\n"), data)

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")

	again, err := WriteFiling(fs, "/out/copy.922", []string{"Peñalolén", "abc"})
	require.NoError(t, err)
	assert.Equal(t, info.Checksum, again.Checksum)
}

func TestWriteFilingUnencodable(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := WriteFiling(fs, "/out/DJ1922.922", []string{"ok", "precio €"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnencodable))
	assert.Contains(t, err.Error(), "line 2")

	exists, _ := afero.Exists(fs, "/out/DJ1922.922")
	assert.False(t, exists)
}

func TestFileName(t *testing.T) {
	md := &metadata.DeclarationMetadata{Code: "1922"}
	now := time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC)

	assert.Equal(t, "DJ1922_20240115_143022.922", FileName(md, "", now))
	assert.Equal(t, "carga_1922_20240115.922", FileName(md, "carga_{code}_{date}", now))
	assert.True(t, strings.HasSuffix(FileName(&metadata.DeclarationMetadata{Code: "48"}, "", now), ".48"))
}

func TestSummarize(t *testing.T) {
	md := layout()
	table := types.FromRecords([]string{"C1", "C2", "C3", "C4"}, [][]string{
		{"2024-03-15", "1", "A", "10"},
		{"15/03/2024", "2", "A", "10.00"},
	})

	s := Summarize(table, md)
	assert.Equal(t, 32, s.LineLength)
	assert.Equal(t, 2, s.Lines)
	require.Len(t, s.Fields, 4)

	assert.Equal(t, FieldLayout{Code: "C1", Name: "Fecha", Start: 1, End: 8, Length: 8, DataType: metadata.DataTypeDate, Distinct: 1}, s.Fields[0])
	assert.Equal(t, 9, s.Fields[1].Start)
	assert.Equal(t, 2, s.Fields[1].Distinct)
	assert.Equal(t, 25, s.Fields[3].Start)
	assert.Equal(t, 32, s.Fields[3].End)
	assert.Equal(t, 1, s.Fields[3].Distinct)
}
