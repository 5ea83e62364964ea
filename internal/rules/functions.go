package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/pkg/rut"
)

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================
//
// Functions available to rule expressions:
//
//   | Function                               | Result                               |
//   |----------------------------------------|--------------------------------------|
//   | es_nulo(x)                             | x is null or blank text              |
//   | es_numerico(x)                         | x is an integer or decimal           |
//   | es_texto(x)                            | x is text                            |
//   | longitud(x)                            | characters in x, 0 for null          |
//   | contiene(texto, sub)                   | sub occurs in texto                  |
//   | coincide_regex(texto, patron)          | patron matches at the start of texto |
//   | entre(x, min, max)                     | min <= x <= max, numbers only        |
//   | en_lista(x, lista)                     | x is an element of lista             |
//   | lookup(tabla, campo, valor, retorno)   | value from a reference table or null |
//   | rut_valido(x)                          | x is a RUT with a correct check digit|
//   | len(x), str(x), abs(x)                 | length, text form, absolute value    |
//
// =============================================================================

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// helperFunctions returns the CEL declarations of every helper. lookup is
// bound to the evaluator so it can reach the run's cache.
func (e *Evaluator) helperFunctions() []cel.EnvOption {
	dyn := cel.DynType
	return []cel.EnvOption{
		cel.Function("es_nulo",
			cel.Overload("es_nulo_dyn", []*cel.Type{dyn}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return celtypes.Bool(isBlank(v))
				}))),
		cel.Function("es_numerico",
			cel.Overload("es_numerico_dyn", []*cel.Type{dyn}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					_, ok := toFloat(v)
					return celtypes.Bool(ok)
				}))),
		cel.Function("es_texto",
			cel.Overload("es_texto_dyn", []*cel.Type{dyn}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					_, ok := v.(celtypes.String)
					return celtypes.Bool(ok)
				}))),
		cel.Function("longitud",
			cel.Overload("longitud_dyn", []*cel.Type{dyn}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					if isNull(v) {
						return celtypes.Int(0)
					}
					return celtypes.Int(utf8.RuneCountInString(textOf(v)))
				}))),
		cel.Function("contiene",
			cel.Overload("contiene_dyn_dyn", []*cel.Type{dyn, dyn}, cel.BoolType,
				cel.BinaryBinding(func(text, sub ref.Val) ref.Val {
					if isNull(text) {
						return celtypes.False
					}
					return celtypes.Bool(strings.Contains(textOf(text), textOf(sub)))
				}))),
		cel.Function("coincide_regex",
			cel.Overload("coincide_regex_dyn_dyn", []*cel.Type{dyn, dyn}, cel.BoolType,
				cel.BinaryBinding(func(text, pattern ref.Val) ref.Val {
					if isNull(text) {
						return celtypes.False
					}
					re, err := compileAnchored(textOf(pattern))
					if err != nil {
						return celtypes.NewErr("expresión regular inválida: %v", err)
					}
					return celtypes.Bool(re.MatchString(textOf(text)))
				}))),
		cel.Function("entre",
			cel.Overload("entre_dyn_dyn_dyn", []*cel.Type{dyn, dyn, dyn}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					x, ok1 := toFloat(args[0])
					lo, ok2 := toFloat(args[1])
					hi, ok3 := toFloat(args[2])
					if !ok1 || !ok2 || !ok3 {
						return celtypes.False
					}
					return celtypes.Bool(lo <= x && x <= hi)
				}))),
		cel.Function("en_lista",
			cel.Overload("en_lista_dyn_dyn", []*cel.Type{dyn, dyn}, cel.BoolType,
				cel.BinaryBinding(func(v, list ref.Val) ref.Val {
					l, ok := list.(traits.Lister)
					if !ok {
						return celtypes.False
					}
					it := l.Iterator()
					for it.HasNext() == celtypes.True {
						if v.Equal(it.Next()) == celtypes.True {
							return celtypes.True
						}
					}
					return celtypes.False
				}))),
		cel.Function("lookup",
			cel.Overload("lookup_dyn_dyn_dyn_dyn", []*cel.Type{dyn, dyn, dyn, dyn}, dyn,
				cel.FunctionBinding(e.lookup))),
		cel.Function("rut_valido",
			cel.Overload("rut_valido_dyn", []*cel.Type{dyn}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					if isNull(v) {
						return celtypes.False
					}
					return celtypes.Bool(rut.Valid(textOf(v)))
				}))),
		cel.Function("len",
			cel.Overload("len_dyn", []*cel.Type{dyn}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					switch x := v.(type) {
					case celtypes.String:
						return celtypes.Int(utf8.RuneCountInString(string(x)))
					case traits.Sizer:
						return x.Size()
					}
					if isNull(v) {
						return celtypes.Int(0)
					}
					return celtypes.Int(utf8.RuneCountInString(textOf(v)))
				}))),
		cel.Function("str",
			cel.Overload("str_dyn", []*cel.Type{dyn}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return celtypes.String(textOf(v))
				}))),
		cel.Function("abs",
			cel.Overload("abs_dyn", []*cel.Type{dyn}, dyn,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					switch x := v.(type) {
					case celtypes.Int:
						if x < 0 {
							return -x
						}
						return x
					case celtypes.Double:
						return celtypes.Double(math.Abs(float64(x)))
					case celtypes.Uint:
						return x
					}
					return celtypes.NewErr("abs() requiere un número, recibió %s", v.Type().TypeName())
				}))),
	}
}

// lookup is the binding of lookup(tabla, campo_busqueda, valor, campo_retorno).
func (e *Evaluator) lookup(args ...ref.Val) ref.Val {
	if e.cache == nil {
		return celtypes.NullValue
	}
	table, okT := args[0].(celtypes.String)
	field, okF := args[1].(celtypes.String)
	ret, okR := args[3].(celtypes.String)
	if !okT || !okF || !okR {
		return celtypes.NullValue
	}

	found := e.cache.Lookup(e.ctx, string(table), string(field), fromCEL(args[2]), string(ret))
	if found.IsNull() {
		return celtypes.NullValue
	}
	return celtypes.DefaultTypeAdapter.NativeToValue(found.Native())
}

// =============================================================================
// VALUE CONVERSIONS
// =============================================================================

func isNull(v ref.Val) bool {
	if v == nil {
		return true
	}
	_, ok := v.(celtypes.Null)
	return ok
}

func isBlank(v ref.Val) bool {
	if isNull(v) {
		return true
	}
	if s, ok := v.(celtypes.String); ok {
		return strings.TrimSpace(string(s)) == ""
	}
	return false
}

func toFloat(v ref.Val) (float64, bool) {
	switch x := v.(type) {
	case celtypes.Int:
		return float64(x), true
	case celtypes.Uint:
		return float64(x), true
	case celtypes.Double:
		return float64(x), true
	}
	return 0, false
}

// textOf renders a value as stored rules expect to see it as text:
// 100.0 stays "100.0", null is "None", booleans are capitalised.
func textOf(v ref.Val) string {
	if isNull(v) {
		return "None"
	}
	switch x := v.(type) {
	case celtypes.String:
		return string(x)
	case celtypes.Int:
		return strconv.FormatInt(int64(x), 10)
	case celtypes.Uint:
		return strconv.FormatUint(uint64(x), 10)
	case celtypes.Double:
		f := float64(x)
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case celtypes.Bool:
		if x {
			return "True"
		}
		return "False"
	}
	if t, ok := v.Value().(time.Time); ok {
		return t.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v.Value())
}

// fromCEL converts a CEL value back into a cell value.
func fromCEL(v ref.Val) types.Value {
	if isNull(v) {
		return types.Null()
	}
	switch x := v.(type) {
	case celtypes.Int:
		return types.NewInt(int64(x))
	case celtypes.Uint:
		return types.NewInt(int64(x))
	case celtypes.Double:
		return types.FromAny(float64(x))
	case celtypes.String:
		return types.NewText(string(x))
	}
	return types.FromAny(v.Value())
}
