package automation

import (
	"fmt"
	"strings"
)

// SafeBoolEval evaluates a boolean expression over the closed grammar
//
//	expr    := or
//	or      := and ( OR and )*
//	and     := not ( AND not )*
//	not     := NOT not | primary
//	primary := TRUE | FALSE | '(' expr ')'
//
// Tokens are whitespace-separated and keywords are case-insensitive. Nothing
// outside the grammar is admitted, so user-supplied expressions cannot reach
// host code. Empty input evaluates to false without error.
func SafeBoolEval(expr string) (bool, error) {
	tokens := tokenize(expr)
	if len(tokens) == 0 {
		return false, nil
	}
	p := &boolParser{tokens: tokens}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("Unexpected token %q", p.tokens[p.pos])
	}
	return result, nil
}

func tokenize(expr string) []string {
	// Parens may abut keywords, so split them out before fielding.
	expr = strings.ReplaceAll(expr, "(", " ( ")
	expr = strings.ReplaceAll(expr, ")", " ) ")
	return strings.Fields(expr)
}

type boolParser struct {
	tokens []string
	pos    int
}

func (p *boolParser) peek() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	return p.tokens[p.pos], true
}

func (p *boolParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		tok, ok := p.peek()
		if !ok || !strings.EqualFold(tok, "OR") {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
}

func (p *boolParser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for {
		tok, ok := p.peek()
		if !ok || !strings.EqualFold(tok, "AND") {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
}

func (p *boolParser) parseNot() (bool, error) {
	if tok, ok := p.peek(); ok && strings.EqualFold(tok, "NOT") {
		p.pos++
		inner, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !inner, nil
	}
	return p.parsePrimary()
}

func (p *boolParser) parsePrimary() (bool, error) {
	tok, ok := p.peek()
	if !ok {
		return false, fmt.Errorf("Unexpected token: end of expression")
	}
	switch {
	case strings.EqualFold(tok, "TRUE"):
		p.pos++
		return true, nil
	case strings.EqualFold(tok, "FALSE"):
		p.pos++
		return false, nil
	case tok == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return false, err
		}
		closing, ok := p.peek()
		if !ok || closing != ")" {
			return false, fmt.Errorf("Expected ')' in expression")
		}
		p.pos++
		return inner, nil
	default:
		return false, fmt.Errorf("Unexpected token %q", tok)
	}
}
