// =============================================================================
// DJ Filer - Metadata Stores
// =============================================================================
//
// A Store hands out the metadata of one declaration type. Two stores exist:
//   - YAMLStore: a single YAML document holding declarations and lookup
//     tables; the default for local use and tests.
//   - SQLStore: the DECLARACIONES / CAMPOS / VALIDACIONES tables in a
//     SQLite database (see sqlstore.go).
//
// YAML FORMAT:
//
//   declarations:
//     - code: "1922"
//       name: Movimientos de ventas
//       type: SIMPLE
//       fields:
//         - {code: C1, name: Fecha, data_type: DATE, length: 8, position: 1}
//       rules:
//         C1:
//           - {code: V1, expression: "not es_nulo(valor)", message: Fecha requerida}
//   lookup_tables:
//     TIPOS_DOCUMENTO:
//       - {codigo: 33, descripcion: Factura electrónica}
//
// =============================================================================

package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ginjaninja78/dj-filer/internal/types"
)

// ErrDeclarationNotFound is returned when a store has no such declaration.
var ErrDeclarationNotFound = errors.New("declaration not found")

// ErrLookupNotFound is returned when a lookup table does not exist.
var ErrLookupNotFound = errors.New("lookup table not found")

// ErrInvalidLookupName is returned for table names outside [A-Za-z0-9_-].
var ErrInvalidLookupName = errors.New("invalid lookup table name")

var lookupNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidLookupName reports whether name is safe to use as a table name.
func ValidLookupName(name string) bool {
	return lookupNamePattern.MatchString(name)
}

// DeclarationInfo is one line of a store's catalogue.
type DeclarationInfo struct {
	Code   string
	Name   string
	Type   DeclarationType
	Active bool
}

// Store loads declaration metadata.
type Store interface {
	GetMetadata(ctx context.Context, code string) (*DeclarationMetadata, error)
	ListDeclarations(ctx context.Context) ([]DeclarationInfo, error)
}

// LookupSource returns the rows of a named lookup table.
type LookupSource interface {
	FetchLookupTable(ctx context.Context, name string) ([]types.Row, error)
}

// =============================================================================
// YAML STORE
// =============================================================================

type yamlDocument struct {
	Declarations []yamlDeclaration            `yaml:"declarations"`
	LookupTables map[string][]map[string]any `yaml:"lookup_tables"`
}

type yamlDeclaration struct {
	Code          string                `yaml:"code"`
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description"`
	Type          string                `yaml:"type"`
	Active        *bool                 `yaml:"active"`
	Consolidation string                `yaml:"consolidation"`
	Fields        []FieldSpec           `yaml:"fields"`
	Rules         map[string][]yamlRule `yaml:"rules"`
}

type yamlRule struct {
	Code       string `yaml:"code"`
	Kind       string `yaml:"kind"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
	Active     *bool  `yaml:"active"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// YAMLStore serves metadata and lookup tables from a parsed YAML document.
type YAMLStore struct {
	declarations map[string]*DeclarationMetadata
	lookups      map[string][]types.Row
}

// LoadYAMLStore reads and parses a YAML metadata file.
func LoadYAMLStore(path string) (*YAMLStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return ParseYAMLStore(data)
}

// ParseYAMLStore parses a YAML metadata document.
//
// Declarations without an explicit `active` flag are active, and so are
// rules. Duplicate declaration codes are rejected.
func ParseYAMLStore(data []byte) (*YAMLStore, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata YAML: %w", err)
	}

	s := &YAMLStore{
		declarations: make(map[string]*DeclarationMetadata, len(doc.Declarations)),
		lookups:      make(map[string][]types.Row, len(doc.LookupTables)),
	}

	for _, d := range doc.Declarations {
		md := &DeclarationMetadata{
			Code:          d.Code,
			Name:          d.Name,
			Description:   d.Description,
			Type:          DeclarationType(d.Type),
			Active:        boolOr(d.Active, true),
			Consolidation: ConsolidationStrategy(d.Consolidation),
			Fields:        d.Fields,
			Rules:         make(map[string][]RuleSpec, len(d.Rules)),
		}
		for field, rules := range d.Rules {
			for _, r := range rules {
				md.Rules[field] = append(md.Rules[field], RuleSpec{
					Code:       r.Code,
					Kind:       r.Kind,
					Expression: r.Expression,
					Message:    r.Message,
					Active:     boolOr(r.Active, true),
				})
			}
		}
		md.Normalize()

		if _, dup := s.declarations[md.Code]; dup {
			return nil, fmt.Errorf("declaration %s defined twice", md.Code)
		}
		s.declarations[md.Code] = md
	}

	for name, rows := range doc.LookupTables {
		converted := make([]types.Row, 0, len(rows))
		for _, raw := range rows {
			row := make(types.Row, len(raw))
			for k, v := range raw {
				row[k] = types.FromAny(v)
			}
			converted = append(converted, row)
		}
		s.lookups[name] = converted
	}

	return s, nil
}

// GetMetadata returns a validated copy of one declaration.
func (s *YAMLStore) GetMetadata(_ context.Context, code string) (*DeclarationMetadata, error) {
	md, ok := s.declarations[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeclarationNotFound, code)
	}
	c := md.Clone()
	sort.SliceStable(c.Fields, func(i, j int) bool { return c.Fields[i].Position < c.Fields[j].Position })
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ListDeclarations returns the catalogue sorted by code.
func (s *YAMLStore) ListDeclarations(_ context.Context) ([]DeclarationInfo, error) {
	out := make([]DeclarationInfo, 0, len(s.declarations))
	for _, md := range s.declarations {
		out = append(out, DeclarationInfo{Code: md.Code, Name: md.Name, Type: md.Type, Active: md.Active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// FetchLookupTable returns the rows of a lookup table.
func (s *YAMLStore) FetchLookupTable(_ context.Context, name string) ([]types.Row, error) {
	if !ValidLookupName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLookupName, name)
	}
	rows, ok := s.lookups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLookupNotFound, name)
	}
	return rows, nil
}

// Declarations returns every declaration in the document, sorted by code.
// It is used to copy a YAML catalogue into a SQL store.
func (s *YAMLStore) Declarations() []*DeclarationMetadata {
	out := make([]*DeclarationMetadata, 0, len(s.declarations))
	for _, md := range s.declarations {
		out = append(out, md.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
