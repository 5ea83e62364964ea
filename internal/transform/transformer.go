// =============================================================================
// DJ Filer - Transformation Engine
// =============================================================================
//
// This module applies the per-declaration transformations configured in
// config.yaml (or declarations/*.yaml) to input tables before validation.
// Exports from accounting systems rarely match the declaration layout
// exactly; common fixes are:
//   - RUT normalization (dots, dashes, lower-case k)
//   - Document type codes ("FACTURA" -> 33)
//   - Zero-padding of folios
//   - Trimming and case conversion of names
//
// Transformations work on the text of a cell. A transformed cell is text
// again and is re-typed by Table.Coerce afterwards.
//
// EXAMPLE (config.yaml):
//
//   declarations:
//     "1922":
//       transformation_rules:
//         - field: C3
//           actions:
//             - type: clean_rut
//         - field: C2
//           actions:
//             - type: lookup
//               lookup_table: {FACTURA: "33", BOLETA: "39"}
//
// =============================================================================

package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/pkg/rut"
)

// =============================================================================
// TRANSFORMER
// =============================================================================

// Transformer applies transformation rules to tables.
type Transformer struct {
	rules   []config.TransformationRule
	regexes map[string]*regexp.Regexp
}

var knownActions = map[string]bool{
	"trim": true, "uppercase": true, "lowercase": true,
	"prepend_string": true, "append_string": true,
	"pad_zeros_to_length": true, "remove_leading_zeros": true,
	"replace": true, "regex_replace": true,
	"lookup": true, "lookup_with_default": true,
	"if_empty_use_default": true, "if_empty_use_field": true,
	"extract_digits": true, "normalize_whitespace": true,
	"clean_rut": true, "format_rut": true,
}

// New creates a Transformer. Unknown action types and invalid regular
// expressions are reported here rather than on the first row.
func New(rules []config.TransformationRule) (*Transformer, error) {
	t := &Transformer{
		rules:   rules,
		regexes: make(map[string]*regexp.Regexp),
	}

	for _, rule := range rules {
		for _, action := range rule.Actions {
			if !knownActions[action.Type] {
				return nil, fmt.Errorf("field %s: unknown transformation type: %s", rule.Field, action.Type)
			}
			if action.Type != "regex_replace" || action.Find == "" {
				continue
			}
			if _, ok := t.regexes[action.Find]; ok {
				continue
			}
			re, err := regexp.Compile(action.Find)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid regex pattern: %w", rule.Field, err)
			}
			t.regexes[action.Find] = re
		}
	}

	return t, nil
}

// Empty reports whether t has nothing to apply.
func (t *Transformer) Empty() bool {
	return t == nil || len(t.rules) == 0
}

// Apply returns a copy of table with every rule applied to its field.
// Rules for columns the table lacks are skipped.
//
// RETURNS:
//   - The transformed copy; table itself is not modified.
//   - The number of cells whose value changed.
func (t *Transformer) Apply(table *types.Table) (*types.Table, int) {
	out := table.Clone()
	if t.Empty() {
		return out, 0
	}

	changed := 0
	for i, row := range out.Rows {
		original := table.Rows[i]
		for _, rule := range t.rules {
			if !out.HasColumn(rule.Field) {
				continue
			}
			before := row.Get(rule.Field)
			after := t.transformValue(before, rule.Actions, original)
			if !after.Equal(before) {
				row[rule.Field] = after
				changed++
			}
		}
	}
	return out, changed
}

func (t *Transformer) transformValue(v types.Value, actions []config.TransformationAction, row types.Row) types.Value {
	s := v.String()
	for _, action := range actions {
		s = t.applyAction(s, action, row)
	}
	if strings.TrimSpace(s) == "" {
		return types.Null()
	}
	if v.Kind() != types.KindText && s == v.String() {
		return v
	}
	return types.NewText(s)
}

// applyAction applies a single transformation action.
//
// SUPPORTED TRANSFORMATIONS:
//   See the switch statement below for all supported transformation types.
func (t *Transformer) applyAction(value string, action config.TransformationAction, row types.Row) string {
	switch action.Type {

	// =========================================================================
	// STRING MANIPULATIONS
	// =========================================================================

	case "trim":
		return strings.TrimSpace(value)

	case "uppercase":
		return strings.ToUpper(value)

	case "lowercase":
		return strings.ToLower(value)

	case "prepend_string":
		// EXAMPLE:
		//   Input: "1001"
		//   Action: prepend_string with value "F"
		//   Output: "F1001"
		return action.Value + value

	case "append_string":
		return value + action.Value

	case "replace":
		// EXAMPLE:
		//   Input: "1.234.567"
		//   Action: replace with find "." and value ""
		//   Output: "1234567"
		if action.Find == "" {
			return value
		}
		return strings.ReplaceAll(value, action.Find, action.Value)

	case "regex_replace":
		re, ok := t.regexes[action.Find]
		if !ok {
			return value
		}
		return re.ReplaceAllString(value, action.Value)

	case "normalize_whitespace":
		return strings.Join(strings.Fields(value), " ")

	case "extract_digits":
		var b strings.Builder
		for _, r := range value {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()

	// =========================================================================
	// NUMERIC FORMATTING
	// =========================================================================

	case "pad_zeros_to_length":
		// EXAMPLE:
		//   Input: "123"
		//   Action: pad_zeros_to_length with value "8"
		//   Output: "00000123"
		targetLength, err := strconv.Atoi(action.Value)
		if err != nil || targetLength <= 0 || strings.TrimSpace(value) == "" {
			return value
		}
		return PadLeft(value, targetLength, '0')

	case "remove_leading_zeros":
		result := strings.TrimLeft(value, "0")
		if result == "" && value != "" {
			return "0"
		}
		return result

	// =========================================================================
	// LOOKUP TABLE REPLACEMENTS
	// =========================================================================

	case "lookup":
		if replacement, exists := action.LookupTable[strings.TrimSpace(value)]; exists {
			return replacement
		}
		return value

	case "lookup_with_default":
		if replacement, exists := action.LookupTable[strings.TrimSpace(value)]; exists {
			return replacement
		}
		return action.Value

	// =========================================================================
	// DEFAULTS
	// =========================================================================

	case "if_empty_use_default":
		if strings.TrimSpace(value) == "" {
			return action.Value
		}
		return value

	case "if_empty_use_field":
		if strings.TrimSpace(value) == "" {
			return row.Get(action.Value).String()
		}
		return value

	// =========================================================================
	// RUT
	// =========================================================================

	case "clean_rut":
		// EXAMPLE: "12.345.678-k" -> "12345678-K"
		if strings.TrimSpace(value) == "" {
			return value
		}
		return rut.Compact(value)

	case "format_rut":
		// EXAMPLE: "12345678K" -> "12.345.678-K"
		if strings.TrimSpace(value) == "" {
			return value
		}
		return rut.Format(value)
	}

	return value
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// PadLeft pads a string with a character on the left to reach the target
// length in characters.
func PadLeft(s string, length int, padChar rune) string {
	n := utf8.RuneCountInString(s)
	if n >= length {
		return s
	}
	return strings.Repeat(string(padChar), length-n) + s
}
