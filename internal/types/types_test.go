package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		wantKind Kind
		wantStr  string
	}{
		{"blank is null", "   ", KindInteger, KindNull, ""},
		{"integer", "42", KindInteger, KindInteger, "42"},
		{"integer column with decimals", "42.7", KindInteger, KindDecimal, "42.7"},
		{"integer column garbage stays text", "abc", KindInteger, KindText, "abc"},
		{"decimal", "1234.50", KindDecimal, KindDecimal, "1234.50"},
		{"negative decimal", "-0.5", KindDecimal, KindDecimal, "-0.5"},
		{"nan is not a number", "NaN", KindDecimal, KindText, "NaN"},
		{"date stays text", "2024-03-15", KindDate, KindText, "2024-03-15"},
		{"text keeps surrounding spaces", " ab ", KindText, KindText, " ab "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Parse(tt.raw, tt.kind)
			assert.Equal(t, tt.wantKind, v.Kind())
			assert.Equal(t, tt.wantStr, v.String())
		})
	}
}

func TestFromAny(t *testing.T) {
	assert.True(t, FromAny(nil).IsNull())
	assert.Equal(t, KindInteger, FromAny(7).Kind())
	assert.Equal(t, "1234.5", FromAny(1234.5).String())
	assert.Equal(t, KindDate, FromAny(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)).Kind())
	assert.Equal(t, "2024-03-15", FromAny(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)).String())
	assert.Equal(t, "True", FromAny(true).String())
}

func TestNativeAndBlank(t *testing.T) {
	assert.Nil(t, Null().Native())
	assert.Equal(t, int64(3), NewInt(3).Native())
	assert.Equal(t, 2.5, Parse("2.5", KindDecimal).Native())
	assert.Equal(t, "x", NewText("x").Native())

	assert.True(t, NewText("  ").IsBlank())
	assert.False(t, NewInt(0).IsBlank())
}

func TestNewTextNormalisesToNFC(t *testing.T) {
	// "e" followed by a combining acute accent.
	v := NewText("Jose\u0301")
	assert.Equal(t, "Jos\u00e9", v.String())
}

func TestDecimalEquality(t *testing.T) {
	a := Parse("1.50", KindDecimal)
	b := Parse("1.5", KindDecimal)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NewText("1.5")))
}

func TestTableOperations(t *testing.T) {
	tbl := FromRecords([]string{"C1", "C2"}, [][]string{
		{"10", "a"},
		{"", "b"},
		{"30"},
	})
	require.Equal(t, 3, tbl.Len())
	assert.True(t, tbl.Get(1, "C1").IsNull())
	assert.True(t, tbl.Get(2, "C2").IsNull())
	assert.True(t, tbl.Get(9, "C1").IsNull())

	tbl.Coerce(map[string]Kind{"C1": KindInteger})
	i, ok := tbl.Get(0, "C1").Int64()
	require.True(t, ok)
	assert.Equal(t, int64(10), i)

	clone := tbl.Clone()
	clone.Rows[0]["C2"] = NewText("changed")
	assert.Equal(t, "a", tbl.Get(0, "C2").String())

	tbl.AddColumn("C3", NewText("x"))
	assert.True(t, tbl.HasColumn("C3"))
	assert.Equal(t, []string{"x", "x", "x"}, []string{
		tbl.Get(0, "C3").String(), tbl.Get(1, "C3").String(), tbl.Get(2, "C3").String(),
	})
	assert.Len(t, tbl.Column("C1"), 3)
}
