package flow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Restricted boolean expression evaluator for condition nodes. The grammar
// covers comparisons, &&, ||, !, numeric and string literals, parentheses,
// and dotted dereference of the single parameter "context". Anything
// host-language flavored is rejected up front via the blocklist, and any
// parse or type error makes the condition evaluate to false at the call
// site.

var blockedTokens = []string{";", "{", "}", "process", "global", "window", "document", "require", "import"}

// EvalCondition evaluates expr against ctx. The error return is non-nil on
// blocked, malformed or ill-typed expressions; callers treat that as false.
func EvalCondition(expr string, ctx map[string]interface{}) (bool, error) {
	for _, tok := range blockedTokens {
		if strings.Contains(expr, tok) {
			return false, fmt.Errorf("expression contains blocked token %q", tok)
		}
	}
	if containsWord(expr, "eval") {
		return false, fmt.Errorf("expression contains blocked identifier %q", "eval")
	}

	p := &exprParser{input: expr, ctx: ctx}
	value, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("unexpected trailing input at offset %d", p.pos)
	}
	return truthy(value), nil
}

// containsWord reports whether word occurs in s as a standalone identifier.
func containsWord(s, word string) bool {
	for start := 0; ; {
		idx := strings.Index(s[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		before := idx == 0 || !isIdentRune(rune(s[idx-1]))
		afterIdx := idx + len(word)
		after := afterIdx >= len(s) || !isIdentRune(rune(s[afterIdx]))
		if before && after {
			return true
		}
		start = idx + 1
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type exprParser struct {
	input string
	pos   int
	ctx   map[string]interface{}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n' || p.input[p.pos] == '\r') {
		p.pos++
	}
}

func (p *exprParser) accept(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *exprParser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (interface{}, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (interface{}, error) {
	p.skipSpace()
	// Careful not to consume the '!' of '!='.
	if p.pos < len(p.input) && p.input[p.pos] == '!' && !strings.HasPrefix(p.input[p.pos:], "!=") {
		p.pos++
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *exprParser) parseComparison() (interface{}, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for _, op := range comparisonOps {
		if p.accept(op) {
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *exprParser) parsePrimary() (interface{}, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch c := p.input[p.pos]; {
	case c == '(':
		p.pos++
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return value, nil
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return p.parseIdent()
	}
}

func (p *exprParser) parseString(quote byte) (interface{}, error) {
	p.pos++
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == quote {
			s := p.input[start:p.pos]
			p.pos++
			return s, nil
		}
		p.pos++
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func (p *exprParser) parseNumber() (interface{}, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (p.input[p.pos] == '.' || (p.input[p.pos] >= '0' && p.input[p.pos] <= '9')) {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number literal %q", p.input[start:p.pos])
	}
	return f, nil
}

func (p *exprParser) parseIdent() (interface{}, error) {
	start := p.pos
	for p.pos < len(p.input) && (isIdentRune(rune(p.input[p.pos])) || p.input[p.pos] == '.' || p.input[p.pos] == '[' || p.input[p.pos] == ']') {
		p.pos++
	}
	ident := p.input[start:p.pos]
	if ident == "" {
		return nil, fmt.Errorf("unexpected character %q at offset %d", p.input[start], start)
	}

	switch ident {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return nil, nil
	case "context":
		return p.ctx, nil
	}

	if strings.HasPrefix(ident, "context.") || strings.HasPrefix(ident, "context[") {
		path := strings.TrimPrefix(ident, "context.")
		path = strings.TrimPrefix(path, "context")
		value, ok := GetPath(p.ctx, path)
		if !ok {
			return nil, nil
		}
		return value, nil
	}

	return nil, fmt.Errorf("unknown identifier %q", ident)
}

func truthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case float64:
		return value != 0
	case int:
		return value != 0
	case string:
		return value != ""
	default:
		return true
	}
}

func compare(op string, left, right interface{}) (interface{}, error) {
	lf, lNum := asNumber(left)
	rf, rNum := asNumber(right)

	switch op {
	case "==", "!=":
		var eq bool
		if lNum && rNum {
			eq = lf == rf
		} else {
			eq = stringify(left) == stringify(right)
		}
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}

	// Ordering requires two numbers or two strings.
	if lNum && rNum {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T and %T", left, right)
}

func asNumber(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}
