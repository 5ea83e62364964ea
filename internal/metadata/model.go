// =============================================================================
// DJ Filer - Declaration Metadata Model
// =============================================================================
//
// This module describes one declaration type ("Declaración Jurada"): its
// ordered fields with their fixed-width layout and the validation rules bound
// to each field. Metadata is loaded once per processing run from a Store and
// is treated as read-only afterwards.
//
// FIELD LAYOUT:
//   | Code | Type    | Length | Decimals | Position | Alignment | Fill | Section |
//   |------|---------|--------|----------|----------|-----------|------|---------|
//   | C1   | DATE    | 8      | 0        | 1        | LEFT      | " "  |         |
//   | C6   | DECIMAL | 12     | 2        | 6        | RIGHT     | "0"  |         |
//
// SIMPLE vs COMPOSITE:
//   A SIMPLE declaration has one flat input table. A COMPOSITE declaration
//   splits its fields into named sections, each read from its own sheet and
//   merged before validation.
//
// =============================================================================

package metadata

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ginjaninja78/dj-filer/internal/types"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// DataType is the declared type of a field.
type DataType string

const (
	DataTypeText    DataType = "TEXT"
	DataTypeInteger DataType = "INTEGER"
	DataTypeDecimal DataType = "DECIMAL"
	DataTypeDate    DataType = "DATE"
)

// Kind maps the data type onto the value kind used when coercing input.
func (d DataType) Kind() types.Kind {
	switch d {
	case DataTypeInteger:
		return types.KindInteger
	case DataTypeDecimal:
		return types.KindDecimal
	case DataTypeDate:
		return types.KindDate
	default:
		return types.KindText
	}
}

// Alignment controls how a formatted value is padded to its field width.
type Alignment string

const (
	AlignLeft   Alignment = "LEFT"
	AlignRight  Alignment = "RIGHT"
	AlignCenter Alignment = "CENTER"
)

// DeclarationType distinguishes flat filings from sectioned ones.
type DeclarationType string

const (
	DeclarationSimple    DeclarationType = "SIMPLE"
	DeclarationComposite DeclarationType = "COMPOSITE"
)

// ConsolidationStrategy selects how composite sections are merged.
type ConsolidationStrategy string

const (
	// ConsolidateConcatenation lays sections side by side, row i with row i.
	ConsolidateConcatenation ConsolidationStrategy = "CONCATENATION"

	// ConsolidateUnion stacks sections vertically and tags each row with
	// the section it came from.
	ConsolidateUnion ConsolidationStrategy = "UNION"
)

// NormalizeDataType maps the spellings found in metadata stores onto the
// four supported data types. Unknown spellings fall back to TEXT.
func NormalizeDataType(value string) DataType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "INTEGER", "INT", "NUMERIC", "NUMERICO", "NUMBER", "ENTERO":
		return DataTypeInteger
	case "DECIMAL", "DEC", "FLOAT", "DOUBLE", "MONEY", "MONTO":
		return DataTypeDecimal
	case "DATE", "FECHA":
		return DataTypeDate
	default:
		return DataTypeText
	}
}

// NormalizeAlignment maps alignment spellings; anything unknown is LEFT.
func NormalizeAlignment(value string) Alignment {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "RIGHT", "DERECHA", "R":
		return AlignRight
	case "CENTER", "CENTRO", "CENTRADO", "C":
		return AlignCenter
	default:
		return AlignLeft
	}
}

// NormalizeDeclarationType accepts both the English and Spanish names.
func NormalizeDeclarationType(value string) DeclarationType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "COMPOSITE", "COMPUESTA", "COMPUESTO":
		return DeclarationComposite
	default:
		return DeclarationSimple
	}
}

// NormalizeConsolidation defaults to concatenation.
func NormalizeConsolidation(value string) ConsolidationStrategy {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "UNION":
		return ConsolidateUnion
	default:
		return ConsolidateConcatenation
	}
}

// =============================================================================
// FIELD AND RULE SPECS
// =============================================================================

// FieldSpec is one declared field of a declaration.
type FieldSpec struct {
	Code          string    `yaml:"code"`
	Name          string    `yaml:"name"`
	DataType      DataType  `yaml:"data_type"`
	Length        int       `yaml:"length"`
	Decimals      int       `yaml:"decimals"`
	Required      bool      `yaml:"required"`
	Position      int       `yaml:"position"`
	Alignment     Alignment `yaml:"alignment"`
	FillChar      string    `yaml:"fill_char"`
	Section       string    `yaml:"section"`
	LookupTable   string    `yaml:"lookup_table"`
	ExampleFormat string    `yaml:"example_format"`
	Description   string    `yaml:"description"`
}

// Fill returns the padding character. Anything other than exactly one
// character falls back to a space.
func (f FieldSpec) Fill() rune {
	if utf8.RuneCountInString(f.FillChar) != 1 {
		return ' '
	}
	r, _ := utf8.DecodeRuneInString(f.FillChar)
	return r
}

// RuleSpec is one validation rule bound to a field.
type RuleSpec struct {
	Code       string `yaml:"code"`
	Kind       string `yaml:"kind"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
	Active     bool   `yaml:"active"`
}

// =============================================================================
// DECLARATION METADATA
// =============================================================================

// DeclarationMetadata is the complete description of one declaration type.
type DeclarationMetadata struct {
	Code          string
	Name          string
	Description   string
	Type          DeclarationType
	Active        bool
	Consolidation ConsolidationStrategy

	// Fields in the order the store returned them (by position).
	Fields []FieldSpec

	// Rules keyed by field code, each list in evaluation order.
	Rules map[string][]RuleSpec
}

// Normalize applies the defaults and spellings accepted by every store.
// It is called by the stores before metadata is handed out.
func (m *DeclarationMetadata) Normalize() {
	m.Code = strings.TrimSpace(m.Code)
	m.Type = NormalizeDeclarationType(string(m.Type))
	m.Consolidation = NormalizeConsolidation(string(m.Consolidation))

	for i := range m.Fields {
		f := &m.Fields[i]
		f.Code = strings.TrimSpace(f.Code)
		f.Section = strings.TrimSpace(f.Section)
		f.LookupTable = strings.TrimSpace(f.LookupTable)
		f.DataType = NormalizeDataType(string(f.DataType))
		f.Alignment = NormalizeAlignment(string(f.Alignment))
		if utf8.RuneCountInString(f.FillChar) != 1 {
			f.FillChar = " "
		}
	}

	if m.Rules == nil {
		m.Rules = make(map[string][]RuleSpec)
	}
}

// Clone returns a deep copy so a run can never alter shared metadata.
func (m *DeclarationMetadata) Clone() *DeclarationMetadata {
	c := *m
	c.Fields = make([]FieldSpec, len(m.Fields))
	copy(c.Fields, m.Fields)
	c.Rules = make(map[string][]RuleSpec, len(m.Rules))
	for code, rules := range m.Rules {
		rs := make([]RuleSpec, len(rules))
		copy(rs, rules)
		c.Rules[code] = rs
	}
	return &c
}

// IsComposite reports whether the declaration is split into sections.
func (m *DeclarationMetadata) IsComposite() bool {
	return m.Type == DeclarationComposite
}

// Field returns the field with the given code.
func (m *DeclarationMetadata) Field(code string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Code == code {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// OrderedFields returns the fields in output order.
//
// When every position is unique the order is simply ascending position.
// Composite declarations that number positions per section (1..n in each
// section) are ordered by section name first, then position, which matches
// the column order produced by consolidation.
func (m *DeclarationMetadata) OrderedFields() []FieldSpec {
	fields := make([]FieldSpec, len(m.Fields))
	copy(fields, m.Fields)

	if m.positionsUnique() {
		sort.SliceStable(fields, func(i, j int) bool {
			return fields[i].Position < fields[j].Position
		})
		return fields
	}

	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].Section != fields[j].Section {
			return fields[i].Section < fields[j].Section
		}
		return fields[i].Position < fields[j].Position
	})
	return fields
}

func (m *DeclarationMetadata) positionsUnique() bool {
	seen := make(map[int]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		if _, dup := seen[f.Position]; dup {
			return false
		}
		seen[f.Position] = struct{}{}
	}
	return true
}

// Sections returns the distinct non-empty section names, sorted.
func (m *DeclarationMetadata) Sections() []string {
	set := make(map[string]struct{})
	for _, f := range m.Fields {
		if f.Section != "" {
			set[f.Section] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SectionFields returns the fields of one section ordered by position.
func (m *DeclarationMetadata) SectionFields(section string) []FieldSpec {
	var out []FieldSpec
	for _, f := range m.Fields {
		if f.Section == section {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// RequiredFields returns the fields flagged as required, in output order.
func (m *DeclarationMetadata) RequiredFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range m.OrderedFields() {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// ActiveRules returns the active rules of a field in declared order.
func (m *DeclarationMetadata) ActiveRules(code string) []RuleSpec {
	var out []RuleSpec
	for _, r := range m.Rules[code] {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// RuleCount returns the number of active rules across all fields.
func (m *DeclarationMetadata) RuleCount() int {
	n := 0
	for code := range m.Rules {
		n += len(m.ActiveRules(code))
	}
	return n
}

// LineLength returns the width of every encoded line.
func (m *DeclarationMetadata) LineLength() int {
	total := 0
	for _, f := range m.Fields {
		if f.Length > 0 {
			total += f.Length
		}
	}
	return total
}

// FileExtension returns the last three characters of the declaration code,
// which the regulator uses as the filing's file extension.
func (m *DeclarationMetadata) FileExtension() string {
	if len(m.Code) <= 3 {
		return m.Code
	}
	return m.Code[len(m.Code)-3:]
}

// Kinds returns the value kind of every field, keyed by code.
func (m *DeclarationMetadata) Kinds() map[string]types.Kind {
	out := make(map[string]types.Kind, len(m.Fields))
	for _, f := range m.Fields {
		out[f.Code] = f.DataType.Kind()
	}
	return out
}

// LookupTables returns the distinct lookup tables referenced by fields.
func (m *DeclarationMetadata) LookupTables() []string {
	set := make(map[string]struct{})
	for _, f := range m.Fields {
		if f.LookupTable != "" {
			set[f.LookupTable] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// INVARIANTS
// =============================================================================

// InvalidMetadataError lists every invariant a declaration violates.
type InvalidMetadataError struct {
	Code     string
	Problems []string
}

// Error implements the error interface.
func (e *InvalidMetadataError) Error() string {
	return fmt.Sprintf("invalid metadata for declaration %s: %s", e.Code, strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants of the metadata.
//
// CHECKS:
//   - the declaration has a code and at least one field
//   - field codes are present and unique
//   - decimals are not negative
//   - positions are unique within each section
//   - composite declarations assign every field to a section
//   - rules only reference declared fields and active rules have an expression
//
// Fields with a non-positive length are accepted here; the encoder reports
// them as warnings.
func (m *DeclarationMetadata) Validate() error {
	var problems []string

	if m.Code == "" {
		problems = append(problems, "declaration code is empty")
	}
	if len(m.Fields) == 0 {
		problems = append(problems, "declaration has no fields")
	}

	codes := make(map[string]struct{}, len(m.Fields))
	positions := make(map[string]map[int]string)
	for _, f := range m.Fields {
		if f.Code == "" {
			problems = append(problems, fmt.Sprintf("field at position %d has no code", f.Position))
			continue
		}
		if _, dup := codes[f.Code]; dup {
			problems = append(problems, fmt.Sprintf("field code %s is duplicated", f.Code))
		}
		codes[f.Code] = struct{}{}

		if f.Decimals < 0 {
			problems = append(problems, fmt.Sprintf("field %s has negative decimals", f.Code))
		}

		if positions[f.Section] == nil {
			positions[f.Section] = make(map[int]string)
		}
		if other, dup := positions[f.Section][f.Position]; dup {
			problems = append(problems, fmt.Sprintf("fields %s and %s share position %d", other, f.Code, f.Position))
		}
		positions[f.Section][f.Position] = f.Code

		if m.IsComposite() && f.Section == "" {
			problems = append(problems, fmt.Sprintf("field %s has no section in a composite declaration", f.Code))
		}
	}

	ruleFields := make([]string, 0, len(m.Rules))
	for code := range m.Rules {
		ruleFields = append(ruleFields, code)
	}
	sort.Strings(ruleFields)
	for _, code := range ruleFields {
		if _, ok := codes[code]; !ok {
			problems = append(problems, fmt.Sprintf("rules reference unknown field %s", code))
		}
		for _, r := range m.Rules[code] {
			if r.Active && strings.TrimSpace(r.Expression) == "" {
				problems = append(problems, fmt.Sprintf("rule %s of field %s has no expression", r.Code, code))
			}
		}
	}

	if len(problems) > 0 {
		return &InvalidMetadataError{Code: m.Code, Problems: problems}
	}
	return nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary is the overview printed by the `info` command.
type Summary struct {
	Code            string
	Name            string
	Description     string
	Type            DeclarationType
	Active          bool
	Consolidation   ConsolidationStrategy
	FieldCount      int
	RequiredCount   int
	RuleCount       int
	LineLength      int
	FileExtension   string
	Sections        []string
	FieldsBySection map[string]int
	LookupTables    []string
}

// Summary builds the overview of the declaration.
func (m *DeclarationMetadata) Summary() Summary {
	s := Summary{
		Code:            m.Code,
		Name:            m.Name,
		Description:     m.Description,
		Type:            m.Type,
		Active:          m.Active,
		Consolidation:   m.Consolidation,
		FieldCount:      len(m.Fields),
		RequiredCount:   len(m.RequiredFields()),
		RuleCount:       m.RuleCount(),
		LineLength:      m.LineLength(),
		FileExtension:   m.FileExtension(),
		Sections:        m.Sections(),
		FieldsBySection: make(map[string]int),
		LookupTables:    m.LookupTables(),
	}
	for _, sec := range s.Sections {
		s.FieldsBySection[sec] = len(m.SectionFields(sec))
	}
	return s
}
