// =============================================================================
// DJ Filer - Positional Encoder
// =============================================================================
//
// This module turns validated rows into the fixed-width lines of a filing.
// Each field is formatted according to its data type, then padded or
// truncated to its length. Fields are concatenated without separators, so
// every line is exactly as long as the sum of the field lengths.
//
// TYPE FORMATTING:
//   | Type    | Input                   | Output                             |
//   |---------|-------------------------|------------------------------------|
//   | TEXT    | "  Juan Pérez "         | "Juan Pérez"                       |
//   | INTEGER | "42.9", blank           | "42", "0"                          |
//   | DECIMAL | 1234.5 (2 decimals, 8)  | "00123450"                         |
//   | DATE    | "15/03/2024"            | "20240315"                         |
//
// ALIGNMENT:
//   LEFT pads on the right and RIGHT pads on the left. CENTER splits the
//   padding; an odd fill character goes on the left when the field width is
//   odd and on the right otherwise. Values longer than the field are cut on
//   the right whatever the alignment.
//
// =============================================================================

package encoder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// =============================================================================
// WARNINGS
// =============================================================================

// WarningKind classifies an encoding warning.
type WarningKind string

const (
	// WarningUnpadded marks a field with length <= 0, emitted without a
	// fixed width. Such output is only fit for diagnostics.
	WarningUnpadded WarningKind = "UNPADDED"

	// WarningTruncated marks a value cut to fit its field.
	WarningTruncated WarningKind = "TRUNCATED"
)

// Warning describes data altered or left unpadded during encoding.
// Warnings never change the encoded output.
type Warning struct {
	Kind    WarningKind
	Row     int // 1-based; 0 for field-level warnings
	Field   string
	Message string
}

// =============================================================================
// ENCODER
// =============================================================================

// Options configures an Encoder.
type Options struct {
	Logger zerolog.Logger
}

// Encoder formats tables into fixed-width lines.
type Encoder struct {
	log zerolog.Logger
}

// New creates an Encoder.
func New(opts Options) *Encoder {
	return &Encoder{log: opts.Logger}
}

// Encode formats every row of table into one line.
//
// PARAMETERS:
//   - table: The validated (or force-encoded) table.
//   - md: The declaration metadata; fields are emitted in OrderedFields order.
//
// RETURNS:
//   - One line per row, in row order, without line terminators.
//   - Warnings for unpadded fields and truncated values.
func (e *Encoder) Encode(table *types.Table, md *metadata.DeclarationMetadata) ([]string, []Warning) {
	fields := md.OrderedFields()

	var warnings []Warning
	for _, f := range fields {
		if f.Length <= 0 {
			warnings = append(warnings, Warning{
				Kind:    WarningUnpadded,
				Field:   f.Code,
				Message: fmt.Sprintf("Campo '%s' tiene longitud %d; se emite sin ancho fijo", f.Code, f.Length),
			})
		}
	}

	lines := make([]string, table.Len())
	var b strings.Builder
	for i := range table.Rows {
		b.Reset()
		for _, f := range fields {
			raw := table.Get(i, f.Code)
			formatted, truncated := encodeField(raw, f)
			if truncated {
				warnings = append(warnings, Warning{
					Kind:    WarningTruncated,
					Row:     i + 1,
					Field:   f.Code,
					Message: fmt.Sprintf("Valor '%s' truncado a %d caracteres", raw.String(), f.Length),
				})
			}
			b.WriteString(formatted)
		}
		lines[i] = b.String()
	}

	e.log.Debug().
		Str("declaration", md.Code).
		Int("lines", len(lines)).
		Int("line_length", md.LineLength()).
		Int("warnings", len(warnings)).
		Msg("encoded filing")

	return lines, warnings
}

// FormatValue formats one cell for its field, padding included.
func FormatValue(value types.Value, f metadata.FieldSpec) string {
	s, _ := encodeField(value, f)
	return s
}

func encodeField(value types.Value, f metadata.FieldSpec) (string, bool) {
	return Align(formatByType(value, f), f.Length, f.Alignment, f.Fill())
}

// =============================================================================
// TYPE FORMATTING
// =============================================================================

func formatByType(value types.Value, f metadata.FieldSpec) string {
	switch f.DataType {
	case metadata.DataTypeInteger:
		return formatInteger(value)
	case metadata.DataTypeDecimal:
		return formatDecimal(value, f.Decimals, f.Length)
	case metadata.DataTypeDate:
		return formatDate(value)
	default:
		return strings.TrimSpace(value.String())
	}
}

// numeric returns the decimal held by value, or nil for blank and
// unparseable cells.
func numeric(value types.Value) *apd.Decimal {
	if value.IsBlank() {
		return nil
	}
	d, ok := value.Decimal()
	if !ok || d.Form != apd.Finite {
		return nil
	}
	return d
}

var truncContext = apd.Context{Precision: 100, Rounding: apd.RoundDown, MaxExponent: apd.MaxExponent, MinExponent: apd.MinExponent}

// truncate drops the fractional part of d.
func truncate(d *apd.Decimal) string {
	var out apd.Decimal
	if _, err := truncContext.Quantize(&out, d, 0); err != nil {
		return "0"
	}
	if out.IsZero() {
		return "0"
	}
	return out.Text('f')
}

func formatInteger(value types.Value) string {
	d := numeric(value)
	if d == nil {
		return "0"
	}
	return truncate(d)
}

func formatDecimal(value types.Value, decimals, length int) string {
	d := numeric(value)
	if d == nil {
		return "0"
	}
	if decimals <= 0 {
		return truncate(d)
	}

	// Rounded on the binary float64: 2.675 gives 2.67, 0.005 gives 0.01.
	f, err := d.Float64()
	if err != nil {
		return "0"
	}
	s := strconv.FormatFloat(f, 'f', decimals, 64)
	if strings.Trim(s, "-0.") == "" {
		s = strings.TrimPrefix(s, "-")
	}
	return zfill(strings.Replace(s, ".", "", 1), length)
}

// zfill left-pads s with zeros to width, keeping a leading sign in front.
func zfill(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	pad := strings.Repeat("0", width-n)
	if s != "" && (s[0] == '-' || s[0] == '+') {
		return s[:1] + pad + s[1:]
	}
	return pad + s
}

var datePatterns = []struct {
	re    *regexp.Regexp
	order [3]int // indexes of year, month, day in the submatches
}{
	{regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`), [3]int{1, 2, 3}},
	{regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})`), [3]int{3, 2, 1}},
	{regexp.MustCompile(`^(\d{2})-(\d{2})-(\d{4})`), [3]int{3, 2, 1}},
}

// formatDate renders dates as YYYYMMDD. Text in one of the accepted
// layouts is reordered; any other text passes through unchanged.
func formatDate(value types.Value) string {
	if value.IsNull() {
		return ""
	}
	if t, ok := value.Time(); ok {
		return t.Format("20060102")
	}

	s := value.String()
	for _, p := range datePatterns {
		if m := p.re.FindStringSubmatch(s); m != nil {
			return m[p.order[0]] + m[p.order[1]] + m[p.order[2]]
		}
	}
	return s
}

// =============================================================================
// ALIGNMENT
// =============================================================================

// Align pads or truncates s to length characters.
//
// RETURNS:
//   - The fitted value. A length <= 0 returns s untouched.
//   - Whether characters were cut off.
func Align(s string, length int, align metadata.Alignment, fill rune) (string, bool) {
	if length <= 0 {
		return s, false
	}

	n := utf8.RuneCountInString(s)
	if n > length {
		return string([]rune(s)[:length]), true
	}
	if n == length {
		return s, false
	}

	marg := length - n
	pad := func(k int) string { return strings.Repeat(string(fill), k) }

	switch align {
	case metadata.AlignRight:
		return pad(marg) + s, false
	case metadata.AlignCenter:
		left := marg/2 + (marg & length & 1)
		return pad(left) + s + pad(marg-left), false
	default:
		return s + pad(marg), false
	}
}

// ParseImpliedDecimal reads a DECIMAL field back: the last decimals digits
// are the fractional part.
func ParseImpliedDecimal(s string, decimals int) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to parse encoded decimal %q: %w", s, err)
	}
	d.Exponent -= int32(decimals)
	return d, nil
}
