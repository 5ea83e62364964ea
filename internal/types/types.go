// =============================================================================
// DJ Filer - Shared Types
// =============================================================================
//
// This package contains the value and table types shared by every stage of
// the pipeline. Keeping them here avoids import cycles between:
//   - metadata   (lookup tables are returned as rows)
//   - rules      (values are handed to the expression engine)
//   - validation (tables are scanned row by row)
//   - sections   (section tables are merged)
//   - encoder    (values are formatted into fixed-width fields)
//
// VALUE MODEL:
//   A cell holds exactly one of: null, text, integer, decimal or date.
//   Input readers produce text cells; Table.Coerce re-parses them according
//   to the declared data type of each field.
//
// =============================================================================

package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// KIND
// =============================================================================

// Kind identifies which variant a Value carries.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindInteger
	KindDecimal
	KindDate
)

// String returns the upper-case name used in metadata and messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindText:
		return "TEXT"
	case KindInteger:
		return "INTEGER"
	case KindDecimal:
		return "DECIMAL"
	case KindDate:
		return "DATE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DateLayout is the layout used when a date value is rendered as text.
const DateLayout = "2006-01-02"

// =============================================================================
// VALUE
// =============================================================================

// Value is a single cell. The zero value is null.
type Value struct {
	kind Kind
	text string
	i    int64
	d    *apd.Decimal
	t    time.Time
}

// Null returns the null value.
func Null() Value { return Value{} }

// NewText returns a text value. The string is NFC-normalised so that
// decomposed accents coming from spreadsheets encode as single characters.
func NewText(s string) Value {
	return Value{kind: KindText, text: norm.NFC.String(s)}
}

// NewInt returns an integer value.
func NewInt(i int64) Value { return Value{kind: KindInteger, i: i} }

// NewDecimal returns a decimal value. A nil or non-finite decimal is null.
func NewDecimal(d *apd.Decimal) Value {
	if d == nil || d.Form != apd.Finite {
		return Null()
	}
	return Value{kind: KindDecimal, d: d}
}

// NewDate returns a date value truncated to the day.
func NewDate(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// FromAny converts a plain Go value into a Value.
//
// SUPPORTED INPUTS:
//   - nil                              -> null
//   - Value                            -> itself
//   - string, []byte                   -> text
//   - int, int8..int64, uint8..uint32  -> integer
//   - float32, float64                 -> decimal (NaN/Inf -> null)
//   - *apd.Decimal, apd.Decimal        -> decimal
//   - time.Time                        -> date
//   - anything else                    -> text via fmt.Sprint
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return NewText(x)
	case []byte:
		return NewText(string(x))
	case int:
		return NewInt(int64(x))
	case int8:
		return NewInt(int64(x))
	case int16:
		return NewInt(int64(x))
	case int32:
		return NewInt(int64(x))
	case int64:
		return NewInt(x)
	case uint8:
		return NewInt(int64(x))
	case uint16:
		return NewInt(int64(x))
	case uint32:
		return NewInt(int64(x))
	case float32:
		return decimalFromFloat(float64(x))
	case float64:
		return decimalFromFloat(x)
	case *apd.Decimal:
		return NewDecimal(x)
	case apd.Decimal:
		return NewDecimal(&x)
	case time.Time:
		return NewDate(x)
	case bool:
		if x {
			return NewText("True")
		}
		return NewText("False")
	default:
		return NewText(fmt.Sprint(v))
	}
}

func decimalFromFloat(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		return Null()
	}
	return NewDecimal(d)
}

// Parse converts raw text into a Value of the requested kind.
//
// PARAMETERS:
//   - raw: The cell text as read from the input file.
//   - kind: The declared kind of the field.
//
// RETURNS:
//   - Null when the text is blank.
//   - The parsed integer/decimal when the text is numeric.
//   - A text value otherwise, so rules can still see what was typed.
//
// Dates are kept as text: the encoder understands the accepted date
// layouts and rules compare them as strings.
func Parse(raw string, kind Kind) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Null()
	}

	switch kind {
	case KindInteger:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return NewInt(i)
		}
		if d, ok := ParseDecimal(s); ok {
			return NewDecimal(d)
		}
	case KindDecimal:
		if d, ok := ParseDecimal(s); ok {
			return NewDecimal(d)
		}
	}

	return NewText(raw)
}

// ParseDecimal parses a finite decimal number.
func ParseDecimal(s string) (*apd.Decimal, bool) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil || d.Form != apd.Finite {
		return nil, false
	}
	return d, true
}

// =============================================================================
// VALUE ACCESSORS
// =============================================================================

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsBlank reports whether v is null or whitespace-only text.
func (v Value) IsBlank() bool {
	return v.kind == KindNull || (v.kind == KindText && strings.TrimSpace(v.text) == "")
}

// IsNumeric reports whether v holds an integer or a decimal.
func (v Value) IsNumeric() bool {
	return v.kind == KindInteger || v.kind == KindDecimal
}

// String renders v as text. Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return v.d.Text('f')
	case KindDate:
		return v.t.Format(DateLayout)
	default:
		return ""
	}
}

// Int64 returns the integer held by v.
func (v Value) Int64() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

// Decimal returns v as a decimal. Integers are widened; text is parsed.
func (v Value) Decimal() (*apd.Decimal, bool) {
	switch v.kind {
	case KindDecimal:
		return v.d, true
	case KindInteger:
		return apd.New(v.i, 0), true
	case KindText:
		return ParseDecimal(v.text)
	default:
		return nil, false
	}
}

// Float64 returns v as a float64 when it is numeric.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.i), true
	case KindDecimal:
		f, err := v.d.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Time returns the date held by v.
func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.t, true
}

// Native returns the plain Go representation handed to the rule engine:
// nil, string, int64, float64 or time.Time.
func (v Value) Native() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindInteger:
		return v.i
	case KindDecimal:
		f, _ := v.Float64()
		return f
	case KindDate:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two values hold the same variant and content.
// Decimals compare numerically, so 1.50 equals 1.5.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindText:
		return v.text == o.text
	case KindInteger:
		return v.i == o.i
	case KindDecimal:
		return v.d.Cmp(o.d) == 0
	case KindDate:
		return v.t.Equal(o.t)
	}
	return false
}

// =============================================================================
// ROW AND TABLE
// =============================================================================

// Row maps a field code to its cell value.
type Row map[string]Value

// Get returns the value for code, or null when the row has no such column.
func (r Row) Get(code string) Value {
	if v, ok := r[code]; ok {
		return v
	}
	return Null()
}

// Table is an ordered set of rows sharing a column list.
//
// Columns keeps the order in which columns were read; rows are maps so
// readers can leave unknown cells unset.
type Table struct {
	Columns []string
	Rows    []Row
}

// NewTable creates an empty table with the given columns.
func NewTable(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// FromRecords builds a text table from a header and raw records.
// Short records are padded with nulls; blank cells become null.
func FromRecords(header []string, records [][]string) *Table {
	t := NewTable(header...)
	for _, rec := range records {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
				row[col] = NewText(rec[i])
			} else {
				row[col] = Null()
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// HasColumn reports whether code is one of the table's columns.
func (t *Table) HasColumn(code string) bool {
	for _, c := range t.Columns {
		if c == code {
			return true
		}
	}
	return false
}

// AddRow appends a row.
func (t *Table) AddRow(r Row) {
	t.Rows = append(t.Rows, r)
}

// AddColumn appends a column if missing and sets fill on rows lacking it.
func (t *Table) AddColumn(code string, fill Value) {
	if !t.HasColumn(code) {
		t.Columns = append(t.Columns, code)
	}
	for _, r := range t.Rows {
		if _, ok := r[code]; !ok {
			r[code] = fill
		}
	}
}

// Get returns the cell at row i (0-based) for code.
func (t *Table) Get(i int, code string) Value {
	if i < 0 || i >= len(t.Rows) {
		return Null()
	}
	return t.Rows[i].Get(code)
}

// Column returns every value of one column in row order.
func (t *Table) Column(code string) []Value {
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Get(code)
	}
	return out
}

// Clone returns a deep copy; rows can be changed without affecting t.
func (t *Table) Clone() *Table {
	c := NewTable(t.Columns...)
	c.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		nr := make(Row, len(r))
		for k, v := range r {
			nr[k] = v
		}
		c.Rows[i] = nr
	}
	return c
}

// Coerce re-parses text cells of the given columns into their declared kind.
// Cells that are already typed are left alone.
func (t *Table) Coerce(kinds map[string]Kind) {
	for _, r := range t.Rows {
		for code, kind := range kinds {
			v, ok := r[code]
			if !ok || v.kind != KindText {
				continue
			}
			r[code] = Parse(v.text, kind)
		}
	}
}
