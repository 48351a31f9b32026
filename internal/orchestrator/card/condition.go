package card

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate expands ${...} references in expr and interprets the result as a
// boolean predicate. The grammar is deliberately small: comparisons
// (== != < <= > >=), && || !, parentheses, numbers, quoted strings, true and
// false. Bare words evaluate as string literals so expanded variables compare
// naturally. There is no arithmetic and no function call syntax.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	resolved := Expand(expr, vars)
	expanded, ok := resolved.(string)
	if !ok {
		// A whole-string placeholder resolved to a non-string value.
		return truthy(resolved), nil
	}

	tokens, err := lexCondition(expanded)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	p := &condParser{tokens: tokens}
	v, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("condition %q: unexpected %q", expr, p.tokens[p.pos].text)
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	default:
		return true
	}
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokBool
	tokOp
	tokLParen
	tokRParen
)

type condToken struct {
	kind tokenKind
	text string
	num  float64
	b    bool
}

func lexCondition(s string) ([]condToken, error) {
	var tokens []condToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, condToken{kind: tokLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, condToken{kind: tokRParen, text: ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			tokens = append(tokens, condToken{kind: tokString, text: s[i+1 : i+1+end]})
			i += end + 2
		case strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"),
			strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "<="), strings.HasPrefix(s[i:], ">="):
			tokens = append(tokens, condToken{kind: tokOp, text: s[i : i+2]})
			i += 2
		case c == '<' || c == '>' || c == '!':
			tokens = append(tokens, condToken{kind: tokOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			tokens = append(tokens, condToken{kind: tokNumber, text: s[i:j], num: num})
			i = j
		case isWordChar(rune(c)):
			j := i
			for j < len(s) && isWordChar(rune(s[j])) {
				j++
			}
			word := s[i:j]
			switch word {
			case "true":
				tokens = append(tokens, condToken{kind: tokBool, text: word, b: true})
			case "false":
				tokens = append(tokens, condToken{kind: tokBool, text: word, b: false})
			default:
				// Bare word, usually an expanded variable value.
				tokens = append(tokens, condToken{kind: tokString, text: word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return tokens, nil
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-'
}

type condParser struct {
	tokens []condToken
	pos    int
}

func (p *condParser) peek() (condToken, bool) {
	if p.pos >= len(p.tokens) {
		return condToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOp || tok.text != "||" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOp || tok.text != "&&" {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
}

func (p *condParser) parseUnary() (any, error) {
	if tok, ok := p.peek(); ok && tok.kind == tokOp && tok.text == "!" {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	tok, ok := p.peek()
	if !ok || tok.kind != tokOp || tok.text == "&&" || tok.text == "||" || tok.text == "!" {
		return left, nil
	}
	op := tok.text
	p.pos++
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(left, right, op)
}

func (p *condParser) parsePrimary() (any, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch tok.kind {
	case tokLParen:
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case tokNumber:
		p.pos++
		return tok.num, nil
	case tokString:
		p.pos++
		return tok.text, nil
	case tokBool:
		p.pos++
		return tok.b, nil
	default:
		return nil, fmt.Errorf("unexpected %q", tok.text)
	}
}

func compare(left, right any, op string) (bool, error) {
	lnum, lok := asNumber(left)
	rnum, rok := asNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return lnum == rnum, nil
		case "!=":
			return lnum != rnum, nil
		case "<":
			return lnum < rnum, nil
		case "<=":
			return lnum <= rnum, nil
		case ">":
			return lnum > rnum, nil
		case ">=":
			return lnum >= rnum, nil
		}
	}

	lstr := fmt.Sprintf("%v", left)
	rstr := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return lstr == rstr, nil
	case "!=":
		return lstr != rstr, nil
	case "<":
		return lstr < rstr, nil
	case "<=":
		return lstr <= rstr, nil
	case ">":
		return lstr > rstr, nil
	case ">=":
		return lstr >= rstr, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		return 0, false
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
