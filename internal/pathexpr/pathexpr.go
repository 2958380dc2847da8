// Package pathexpr implements the predicate language used by topic trigger
// criteria. Expressions are evaluated against the previous and current
// revision of a changed resource, bound as %previous and %current.
//
// The language covers field navigation, equality and membership relations,
// empty(), memberOf(), boolean connectives and parenthesization. Evaluation
// is side-effect free and deterministic; and/or short-circuit.
package pathexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/carewire/carewire/internal/valueset"
)

// Diagnostics collects non-fatal evaluation notes, e.g. a memberOf call that
// could not reach its value set.
type Diagnostics struct {
	notes []string
}

func (d *Diagnostics) Add(format string, args ...interface{}) {
	if d == nil {
		return
	}
	d.notes = append(d.notes, fmt.Sprintf(format, args...))
}

func (d *Diagnostics) Notes() []string {
	if d == nil {
		return nil
	}
	return d.notes
}

// Evaluator compiles and evaluates predicate expressions. The value-set
// service backs memberOf; it may be nil, in which case every memberOf call
// evaluates to false with a diagnostic.
type Evaluator struct {
	valueSets valueset.Service
}

func New(valueSets valueset.Service) *Evaluator {
	return &Evaluator{valueSets: valueSets}
}

// Expr is a compiled expression, safe for concurrent use.
type Expr struct {
	src  string
	root *node
}

func (e *Expr) String() string { return e.src }

// Compile parses an expression. A compile error means the authored topic is
// malformed; it is surfaced at registration time, never during matching.
func (e *Evaluator) Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("pathexpr: empty expression")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("pathexpr: tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("pathexpr: parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("pathexpr: unexpected token %q at position %d", tok.value, tok.pos)
	}
	return &Expr{src: src, root: root}, nil
}

// EvaluateBool evaluates a compiled expression against a previous/current
// pair. A nil previous (create) makes every %previous accessor yield the
// empty collection; same for a nil current (delete).
func (e *Evaluator) EvaluateBool(expr *Expr, previous, current map[string]interface{}, diags *Diagnostics) (bool, error) {
	ctx := &evalContext{
		previous:  previous,
		current:   current,
		valueSets: e.valueSets,
		diags:     diags,
	}
	coll, err := ctx.eval(expr.root, nil)
	if err != nil {
		return false, fmt.Errorf("pathexpr: eval %q: %w", expr.src, err)
	}
	return collectionToBool(coll), nil
}

// ============================================================================
// Lexer
// ============================================================================

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkVariable                  // %previous, %current
	tkNumber                    // integer
	tkString                    // 'single-quoted'
	tkDot                       // .
	tkLParen                    // (
	tkRParen                    // )
	tkPipe                      // |
	tkEq                        // =
	tkNe                        // !=
	tkEOF                       // end-of-input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '%':
			i++
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("empty variable name at position %d", start)
			}
			tokens = append(tokens, token{tkVariable, input[i:j], start})
			i = j
		case ch == '\'':
			i++ // skip opening quote
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
				}
				sb.WriteByte(input[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++ // skip closing quote
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || input[j] == '-' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// Parser
// ============================================================================

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, integer, bool
	ndVariable                 // %previous, %current
	ndPath                     // field name
	ndDot                      // a.b
	ndFunction                 // a.fn(args...)
	ndCompare                  // a = b, a != b
	ndIn                       // a in (b | c | ...)
	ndAnd                      // a and b
	ndOr                       // a or b
	ndUnion                    // a | b
)

type node struct {
	kind     nodeKind
	value    interface{}
	children []*node
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//   or      (1)
//   and     (2)
//   |       (3)  union, only meaningful inside in(...)
//   = != in (4)
//   . ()    (5)

func (p *parser) parseExpression(minPrec int) (*node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, op := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		n := &node{kind: kind, children: []*node{left, right}}
		if kind == ndCompare {
			n.value = op
		}
		left = n
	}
	return left, nil
}

func (p *parser) infixInfo(tok token) (int, nodeKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "or":
		return 1, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "and":
		return 2, ndAnd, "and"
	case tok.kind == tkPipe:
		return 3, ndUnion, "|"
	case tok.kind == tkEq:
		return 4, ndCompare, "="
	case tok.kind == tkNe:
		return 4, ndCompare, "!="
	case tok.kind == tkIdent && tok.value == "in":
		return 4, ndIn, "in"
	}
	return -1, 0, ""
}

func (p *parser) parsePostfix() (*node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tkDot {
		p.advance() // consume '.'
		ident, err := p.expect(tkIdent)
		if err != nil {
			return nil, fmt.Errorf("expected identifier after '.' at position %d", ident.pos)
		}
		if p.peek().kind == tkLParen {
			p.advance() // consume '('
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			n = &node{kind: ndFunction, value: ident.value, children: append([]*node{n}, args...)}
		} else {
			field := &node{kind: ndPath, value: ident.value}
			n = &node{kind: ndDot, children: []*node{n, field}}
		}
	}
	return n, nil
}

func (p *parser) parsePrimary() (*node, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &node{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &node{kind: ndLiteral, value: i}, nil

	case tkVariable:
		p.advance()
		if tok.value != "previous" && tok.value != "current" {
			return nil, fmt.Errorf("unknown variable %%%s at position %d", tok.value, tok.pos)
		}
		return &node{kind: ndVariable, value: tok.value}, nil

	case tkIdent:
		p.advance()
		switch tok.value {
		case "true":
			return &node{kind: ndLiteral, value: true}, nil
		case "false":
			return &node{kind: ndLiteral, value: false}, nil
		}
		// Bare identifiers navigate the current revision; "previous" and
		// "current" used as leading names alias the variables.
		switch tok.value {
		case "previous", "current":
			return &node{kind: ndVariable, value: tok.value}, nil
		}
		return &node{kind: ndPath, value: tok.value}, nil

	case tkEOF:
		return nil, errors.New("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*node, error) {
	var args []*node
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkPipe {
			break
		}
		p.advance() // arguments separated by '|' inside in(...)
	}
	return args, nil
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	previous  map[string]interface{}
	current   map[string]interface{}
	valueSets valueset.Service
	diags     *Diagnostics
}

func (ctx *evalContext) eval(n *node, input []interface{}) ([]interface{}, error) {
	switch n.kind {
	case ndLiteral:
		return []interface{}{n.value}, nil

	case ndVariable:
		name := n.value.(string)
		var root map[string]interface{}
		if name == "previous" {
			root = ctx.previous
		} else {
			root = ctx.current
		}
		if root == nil {
			return []interface{}{}, nil
		}
		return []interface{}{root}, nil

	case ndPath:
		// A bare leading identifier navigates the current revision.
		if input == nil {
			if ctx.current == nil {
				return []interface{}{}, nil
			}
			input = []interface{}{ctx.current}
		}
		out := []interface{}{}
		for _, item := range input {
			out = append(out, navigateField(item, n.value.(string))...)
		}
		return out, nil

	case ndDot:
		left, err := ctx.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		if left == nil {
			// an empty navigation result must stay empty, not rebind the
			// right side to the current revision
			left = []interface{}{}
		}
		return ctx.eval(n.children[1], left)

	case ndFunction:
		return ctx.evalFunction(n, input)

	case ndCompare:
		return ctx.evalCompare(n, input)

	case ndIn:
		return ctx.evalIn(n, input)

	case ndAnd:
		left, err := ctx.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		if !collectionToBool(left) {
			return []interface{}{false}, nil // short-circuit
		}
		right, err := ctx.eval(n.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{collectionToBool(right)}, nil

	case ndOr:
		left, err := ctx.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		if collectionToBool(left) {
			return []interface{}{true}, nil // short-circuit
		}
		right, err := ctx.eval(n.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{collectionToBool(right)}, nil

	case ndUnion:
		left, err := ctx.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ctx.eval(n.children[1], input)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", n.kind)
	}
}

func (ctx *evalContext) evalCompare(n *node, input []interface{}) ([]interface{}, error) {
	op := n.value.(string)
	left, err := ctx.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(n.children[1], input)
	if err != nil {
		return nil, err
	}
	// Empty operand: "=" is false, "!=" is true. A missing field never equals
	// anything, including another missing field.
	if len(left) == 0 || len(right) == 0 {
		return []interface{}{op == "!="}, nil
	}
	eq := valueEqual(left[0], right[0])
	if op == "!=" {
		return []interface{}{!eq}, nil
	}
	return []interface{}{eq}, nil
}

func (ctx *evalContext) evalIn(n *node, input []interface{}) ([]interface{}, error) {
	left, err := ctx.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(n.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 {
		return []interface{}{false}, nil
	}
	for _, lv := range left {
		for _, rv := range right {
			if valueEqual(lv, rv) {
				return []interface{}{true}, nil
			}
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) evalFunction(n *node, input []interface{}) ([]interface{}, error) {
	name := n.value.(string)
	receiver, err := ctx.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	args := n.children[1:]

	switch name {
	case "empty":
		return []interface{}{len(receiver) == 0}, nil
	case "exists":
		return []interface{}{len(receiver) > 0}, nil
	case "not":
		return []interface{}{!collectionToBool(receiver)}, nil
	case "memberOf":
		return ctx.fnMemberOf(receiver, args)
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

// fnMemberOf tests the receiver's codes against a value set. An unavailable
// value set yields false plus a diagnostic, never an error: a missing
// terminology source must not fail the subscription.
func (ctx *evalContext) fnMemberOf(receiver []interface{}, args []*node) ([]interface{}, error) {
	if len(args) != 1 || args[0].kind != ndLiteral {
		return nil, errors.New("memberOf requires one value set URL argument")
	}
	url, ok := args[0].value.(string)
	if !ok {
		return nil, errors.New("memberOf argument must be a string literal")
	}
	if ctx.valueSets == nil {
		ctx.diags.Add("memberOf(%s): no value set service configured", url)
		return []interface{}{false}, nil
	}
	for _, item := range receiver {
		for _, code := range extractCodes(item) {
			member, err := ctx.valueSets.Contains(url, code)
			if err != nil {
				ctx.diags.Add("memberOf(%s): %v", url, err)
				return []interface{}{false}, nil
			}
			if member {
				return []interface{}{true}, nil
			}
		}
	}
	return []interface{}{false}, nil
}

// extractCodes pulls candidate codes from a value: plain code strings, Coding
// maps, and CodeableConcepts with a coding array.
func extractCodes(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]interface{}:
		if code, ok := t["code"].(string); ok {
			return []string{code}
		}
		if codings, ok := t["coding"].([]interface{}); ok {
			var out []string
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok {
					if code, ok := cm["code"].(string); ok {
						out = append(out, code)
					}
				}
			}
			return out
		}
	}
	return nil
}

func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok {
		return nil
	}
	if arr, isArr := val.([]interface{}); isArr {
		return arr
	}
	return []interface{}{val}
}
