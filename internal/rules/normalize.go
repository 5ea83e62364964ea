package rules

import (
	"strings"
	"unicode"
)

// keywordReplacements maps the word operators and literals found in stored
// rule expressions onto their CEL spelling.
var keywordReplacements = map[string]string{
	"and":   "&&",
	"or":    "||",
	"not":   "!",
	"None":  "null",
	"True":  "true",
	"False": "false",
	"is":    "==",
}

// NormalizeExpression rewrites word operators (and, or, not, not in, is,
// is not) and the None/True/False literals outside string literals so stored
// expressions compile as CEL.
//
// A leading "not" negates everything up to the next and/or, comma or closing
// bracket at the same nesting depth, so it keeps its looser binding over
// comparisons.
//
// EXAMPLES:
//   "not es_nulo(valor) and valor > 0"  ->  "!(es_nulo(valor)) && valor > 0"
//   "not valor < 0"                     ->  "!(valor < 0)"
//   "valor not in [1, 2]"               ->  "!(valor in [1, 2])"
//   "valor is not None"                 ->  "valor != null"
//   "contiene(valor, 'and')"            ->  unchanged
func NormalizeExpression(expr string) string {
	toks := tokenize(expr)
	i := 0
	return renderSeq(parseNodes(toks, &i, false))
}

// =============================================================================
// TOKENS
// =============================================================================

type tokenKind int

const (
	tokSpace tokenKind = iota
	tokString
	tokIdent
	tokOpen
	tokClose
	tokPunct
)

type token struct {
	kind     tokenKind
	text     string
	afterDot bool // identifier used as a member name, e.g. fila.or
}

func tokenize(expr string) []token {
	runes := []rune(expr)
	var toks []token
	lastSignificant := ""

	for i := 0; i < len(runes); {
		r := runes[i]
		var t token
		j := i + 1

		switch {
		case unicode.IsSpace(r):
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			t.kind = tokSpace
		case r == '\'' || r == '"':
			j = skipString(runes, i)
			t.kind = tokString
		case isIdentStart(r):
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			t.kind = tokIdent
			t.afterDot = lastSignificant == "."
		case r >= '0' && r <= '9':
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			t.kind = tokPunct
		case r == '(' || r == '[' || r == '{':
			t.kind = tokOpen
		case r == ')' || r == ']' || r == '}':
			t.kind = tokClose
		case (r == '&' || r == '|') && j < len(runes) && runes[j] == r:
			j++
			t.kind = tokPunct
		default:
			t.kind = tokPunct
		}

		t.text = string(runes[i:j])
		toks = append(toks, t)
		if t.kind != tokSpace {
			lastSignificant = t.text
		}
		i = j
	}
	return toks
}

// skipString returns the index just past the string literal starting at i.
// An unterminated literal runs to the end of the input.
func skipString(runes []rune, i int) int {
	quote := runes[i]
	j := i + 1
	for j < len(runes) {
		switch runes[j] {
		case '\\':
			j += 2
			continue
		case quote:
			return min(j+1, len(runes))
		}
		j++
	}
	return len(runes)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

// =============================================================================
// BRACKET TREE
// =============================================================================

// node is a token or a bracketed group of nodes.
type node struct {
	token
	children []node
	closing  string
	group    bool
}

// parseNodes groups tokens by bracket. Inside a group it stops at the
// matching close; an unmatched close at the top level stays a plain token.
func parseNodes(toks []token, i *int, nested bool) []node {
	var out []node
	for *i < len(toks) {
		t := toks[*i]
		switch t.kind {
		case tokOpen:
			*i++
			n := node{token: t, group: true}
			n.children = parseNodes(toks, i, true)
			if *i < len(toks) {
				n.closing = toks[*i].text
				*i++
			}
			out = append(out, n)
		case tokClose:
			if nested {
				return out
			}
			out = append(out, node{token: t})
			*i++
		default:
			out = append(out, node{token: t})
			*i++
		}
	}
	return out
}

func (n node) isWord(w string) bool {
	return !n.group && n.kind == tokIdent && !n.afterDot && n.text == w
}

func (n node) isSeparator() bool {
	if n.group {
		return false
	}
	if n.isWord("and") || n.isWord("or") {
		return true
	}
	if n.kind == tokPunct {
		switch n.text {
		case ",", "&&", "||", "?", ":":
			return true
		}
	}
	return false
}

// =============================================================================
// RENDERING
// =============================================================================

// renderSeq renders nodes split at boolean operators and commas, each
// operand rendered on its own.
func renderSeq(nodes []node) string {
	var b strings.Builder
	start := 0
	for k, n := range nodes {
		if !n.isSeparator() {
			continue
		}
		b.WriteString(renderOperand(nodes[start:k]))
		b.WriteString(renderPlain(nodes[k : k+1]))
		start = k + 1
	}
	b.WriteString(renderOperand(nodes[start:]))
	return b.String()
}

// renderOperand renders one operand of a boolean operator, wrapping a
// leading "not" and any "x not in y" in a negated group.
func renderOperand(seg []node) string {
	lead, core, trail := trimSpaceNodes(seg)
	if len(core) == 0 {
		return renderPlain(seg)
	}

	var body string
	switch {
	case core[0].isWord("not"):
		body = "!(" + renderTrimmed(core[1:]) + ")"
	default:
		if k, in := notInIndex(core); k >= 0 {
			body = "!(" + renderTrimmed(core[:k]) + " in " + renderTrimmed(core[in+1:]) + ")"
		} else {
			body = renderPlain(core)
		}
	}
	return renderPlain(lead) + body + renderPlain(trail)
}

func renderTrimmed(seg []node) string {
	_, core, _ := trimSpaceNodes(seg)
	return renderOperand(core)
}

// renderPlain renders nodes with keyword replacement only.
func renderPlain(nodes []node) string {
	var b strings.Builder
	for k := 0; k < len(nodes); k++ {
		n := nodes[k]
		if n.group {
			b.WriteString(n.text)
			b.WriteString(renderSeq(n.children))
			b.WriteString(n.closing)
			continue
		}
		if n.kind != tokIdent || n.afterDot {
			b.WriteString(n.text)
			continue
		}
		// "is not" collapses into a single inequality.
		if n.text == "is" {
			if next := nextSignificant(nodes, k+1); next > k+1 && next < len(nodes) && nodes[next].isWord("not") {
				b.WriteString("!=")
				k = next
				continue
			}
		}
		if rep, ok := keywordReplacements[n.text]; ok {
			b.WriteString(rep)
		} else {
			b.WriteString(n.text)
		}
	}
	return b.String()
}

// notInIndex finds "not in" at the top level of an operand and returns the
// indexes of both words, or -1.
func notInIndex(seg []node) (notAt, inAt int) {
	for k, n := range seg {
		if !n.isWord("not") {
			continue
		}
		if prev := prevSignificant(seg, k-1); prev >= 0 && seg[prev].isWord("is") {
			continue
		}
		if next := nextSignificant(seg, k+1); next < len(seg) && seg[next].isWord("in") {
			return k, next
		}
	}
	return -1, -1
}

func trimSpaceNodes(seg []node) (lead, core, trail []node) {
	i, j := 0, len(seg)
	for i < j && !seg[i].group && seg[i].kind == tokSpace {
		i++
	}
	for j > i && !seg[j-1].group && seg[j-1].kind == tokSpace {
		j--
	}
	return seg[:i], seg[i:j], seg[j:]
}

func nextSignificant(nodes []node, k int) int {
	for k < len(nodes) && !nodes[k].group && nodes[k].kind == tokSpace {
		k++
	}
	return k
}

func prevSignificant(nodes []node, k int) int {
	for k >= 0 && !nodes[k].group && nodes[k].kind == tokSpace {
		k--
	}
	return k
}
