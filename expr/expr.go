// Package expr implements the safe expression evaluator (C2): a closed
// boolean/comparison grammar over the state tree, used for edge conditions
// and step conditions, without running arbitrary code.
//
// Grammar (the only permitted productions):
//   - property access: state.a.b.c, or a bare a.b auto-prefixed with "state."
//   - comparisons: X OP Y with OP in {===, !==, ==, !=, >, <, >=, <=}
//   - boolean composition: X && Y, X || Y
//   - literals: integers, decimals, single/double-quoted strings, true,
//     false, null, undefined
//
// Any forbidden identifier anywhere in the source aborts evaluation and
// returns false (and, for edge resolution, "__fallback__").
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// forbiddenTokens denylists identifiers that would resolve to a dynamic
// evaluator, prototype walker, or constructor access.
var forbiddenTokens = []string{
	"eval", "Function", "constructor", "__proto__", "prototype",
	"globalThis", "process", "require", "import(", "exec(",
}

// Null and Undefined are distinct sentinel values for the null/undefined literals.
type nullType struct{}
type undefinedType struct{}

var Null = nullType{}
var Undefined = undefinedType{}

// Fallback is the reserved result key returned when evaluation is unsafe,
// malformed, or matches nothing declared in targets.
const Fallback = "__fallback__"

// Unsafe reports whether expr contains a forbidden token anywhere in its source.
func Unsafe(source string) bool {
	for _, tok := range forbiddenTokens {
		if strings.Contains(source, tok) {
			return true
		}
	}
	return false
}

// Eval evaluates expr against state and returns its value. A forbidden token
// or parse error returns (false, err) where err wraps the safety/parse
// failure; callers that need edge/condition semantics should treat any
// error as "unsafe" per the ExpressionUnsafe error kind.
func Eval(source string, state map[string]any) (any, error) {
	if Unsafe(source) {
		return false, fmt.Errorf("expr: forbidden token in expression")
	}
	p := &parser{toks: tokenize(source), state: state}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if !p.atEnd() {
		return false, fmt.Errorf("expr: unexpected trailing input")
	}
	return val, nil
}

// EvalBool evaluates expr and coerces the result to boolean. A malformed or
// unsafe expression returns false, matching "a malformed condition skips
// the step".
func EvalBool(source string, state map[string]any) bool {
	val, err := Eval(source, state)
	if err != nil {
		return false
	}
	return truthy(val)
}

// ResolveTarget evaluates source and matches the stringified result against
// a targets map per §4.2: exact key match, else value match (returning its
// key), else Fallback.
func ResolveTarget(source string, state map[string]any, targets map[string]string) string {
	val, err := Eval(source, state)
	if err != nil {
		return Fallback
	}
	s := stringifyResult(val)
	if _, ok := targets[s]; ok {
		return s
	}
	for k, v := range targets {
		if v == s {
			return k
		}
	}
	return Fallback
}

func stringifyResult(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case nullType:
		return "null"
	case undefinedType:
		return "undefined"
	case nil:
		return "undefined"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case nullType, undefinedType, nil:
		return false
	default:
		return true
	}
}

// --- tokenizer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

var multiCharOps = []string{"===", "!==", "==", "!=", ">=", "<=", "&&", "||"}

func tokenize(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			toks = append(toks, token{tokString, src[i+1 : min(j, len(src))]})
			i = j + 1
		case isDigit(c):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			matched := false
			for _, op := range multiCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if c == '>' || c == '<' {
				toks = append(toks, token{tokOp, string(c)})
				i++
				continue
			}
			// Unknown character: skip it rather than throwing (malformed
			// conditions degrade to a skip/fallback per spec, not a panic).
			i++
		}
	}
	return toks
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- recursive-descent parser ---

type parser struct {
	toks  []token
	pos   int
	state map[string]any
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

// parseOr: andExpr (|| andExpr)*
func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

// parseAnd: compareExpr (&& compareExpr)*
func (p *parser) parseAnd() (any, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

var compareOps = map[string]bool{"===": true, "!==": true, "==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true}

// parseCompare: atom (OP atom)?
func (p *parser) parseCompare() (any, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp && compareOps[p.peek().text] {
		op := p.next().text
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return compare(left, op, right), nil
	}
	return left, nil
}

func (p *parser) parseAtom() (any, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expr: expected ')'")
		}
		p.next()
		return val, nil
	case tokString:
		p.next()
		return t.text, nil
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("expr: bad number %q", t.text)
		}
		return f, nil
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return Null, nil
		case "undefined":
			return Undefined, nil
		default:
			return resolvePath(t.text, p.state), nil
		}
	default:
		return nil, fmt.Errorf("expr: unexpected token")
	}
}

func resolvePath(path string, state map[string]any) any {
	path = strings.TrimPrefix(path, "state.")
	segs := strings.Split(path, ".")
	var cur any = state
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return Undefined
		}
		v, ok := m[seg]
		if !ok {
			return Undefined
		}
		cur = v
	}
	return cur
}

func compare(left any, op string, right any) bool {
	switch op {
	case "===":
		return strictEqual(left, right)
	case "!==":
		return !strictEqual(left, right)
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	case ">", "<", ">=", "<=":
		return numericCompare(left, op, right)
	}
	return false
}

func strictEqual(a, b any) bool {
	af, aIsNum := a.(float64)
	bf, bIsNum := b.(float64)
	if aIsNum && bIsNum {
		return af == bf
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	_, aNull := a.(nullType)
	_, bNull := b.(nullType)
	if aNull && bNull {
		return true
	}
	_, aUndef := a.(undefinedType)
	_, bUndef := b.(undefinedType)
	if aUndef && bUndef {
		return true
	}
	return false
}

func looseEqual(a, b any) bool {
	if strictEqual(a, b) {
		return true
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return as == bs
}

func numericCompare(a any, op string, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case ">":
			return af > bf
		case "<":
			return af < bf
		case ">=":
			return af >= bf
		case "<=":
			return af <= bf
		}
	}
	as := stringifyResult(a)
	bs := stringifyResult(b)
	switch op {
	case ">":
		return as > bs
	case "<":
		return as < bs
	case ">=":
		return as >= bs
	case "<=":
		return as <= bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
