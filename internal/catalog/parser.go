package catalog

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ParseError reports where a query expression stopped making sense.
type ParseError struct {
	Query string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse query at offset %d: %s", e.Pos, e.Msg)
}

// ParseOptions tunes how bare terms are interpreted.
type ParseOptions struct {
	// TextFields are matched as free text by ':' rather than exactly.
	TextFields []string
	// DefaultField is used for values given without a field name.
	DefaultField string
}

// DefaultParseOptions treats "message" as the only free-text field.
func DefaultParseOptions() ParseOptions {
	return ParseOptions{TextFields: []string{"message"}, DefaultField: "message"}
}

// ParseExpr parses a query with DefaultParseOptions.
func ParseExpr(query string) (Expr, error) {
	return ParseExprWith(query, DefaultParseOptions())
}

// ParseExprWith parses a Lucene-style query expression.
//
// Grammar, loosest binding first:
//
//	or     = and { "OR" and }
//	and    = unary { "AND" unary }
//	unary  = "NOT" unary | "(" or ")" | term
//	term   = [ field ( ":" | "=" | "~" ) ] ( value | "(" or-of-values ")" )
//
// ':' is a text match on text fields or wildcard values and an exact match
// otherwise, '=' is always exact and '~' is always a text match. Adjacent
// terms must be joined by an explicit operator.
func ParseExprWith(query string, opts ParseOptions) (Expr, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}
	p := &parser{query: query, tokens: tokens, opts: opts}
	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "empty query")
	}
	expr, err := p.parseOr(nil)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s, expected AND or OR", tok)
	}
	return expr, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of query"
	case tokString:
		return fmt.Sprintf("%q", t.text)
	}
	return "'" + t.text + "'"
}

func tokenize(query string) ([]token, error) {
	var tokens []token
	runes := []rune(query)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ':' || r == '=' || r == '~':
			tokens = append(tokens, token{kind: tokOp, text: string(r), pos: i})
			i++
		case r == '"':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, &ParseError{Query: query, Pos: start, Msg: "unterminated quoted string"}
			}
			tokens = append(tokens, token{kind: tokString, text: b.String(), pos: start})
		default:
			start := i
			var b strings.Builder
			for i < len(runes) {
				c := runes[i]
				if unicode.IsSpace(c) || strings.ContainsRune(`()":=~`, c) {
					break
				}
				if c == '\\' && i+1 < len(runes) {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				b.WriteRune(c)
				i++
			}
			word := b.String()
			kind := tokWord
			switch word {
			case "AND", "&&":
				kind = tokAnd
			case "OR", "||":
				kind = tokOr
			case "NOT":
				kind = tokNot
			}
			tokens = append(tokens, token{kind: kind, text: word, pos: start})
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(runes)}), nil
}

type parser struct {
	query  string
	tokens []token
	pos    int
	opts   ParseOptions
}

// termContext carries the field and operator of a grouped value list such as
// build_name:("a" OR "b").
type termContext struct {
	field string
	op    string
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &ParseError{Query: p.query, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr(ctx *termContext) (Expr, error) {
	first, err := p.parseAnd(ctx)
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokOr {
		p.next()
		term, err := p.parseAnd(ctx)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return OrExpr{Terms: terms}, nil
}

func (p *parser) parseAnd(ctx *termContext) (Expr, error) {
	first, err := p.parseUnary(ctx)
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokAnd {
		p.next()
		term, err := p.parseUnary(ctx)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return And(terms...), nil
}

func (p *parser) parseUnary(ctx *termContext) (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokNot:
		p.next()
		term, err := p.parseUnary(ctx)
		if err != nil {
			return nil, err
		}
		return NotExpr{Term: term}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr(ctx)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "unexpected %s, expected ')'", closing)
		}
		return inner, nil
	}
	if ctx != nil {
		return p.parseValue(ctx.field, ctx.op)
	}
	return p.parseTerm()
}

func (p *parser) parseTerm() (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokString:
		// Bare phrase against the default field.
		return p.parseValue(p.opts.DefaultField, ":")
	case tokWord:
	default:
		return nil, p.errorf(tok, "unexpected %s, expected a field term", tok)
	}

	if p.tokens[p.pos+1].kind != tokOp {
		return p.parseValue(p.opts.DefaultField, ":")
	}
	field := p.next()
	if !validFieldName(field.text) {
		return nil, p.errorf(field, "invalid field name %q", field.text)
	}
	op := p.next()

	if p.peek().kind == tokLParen {
		p.next()
		group, err := p.parseOr(&termContext{field: field.text, op: op.text})
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "unexpected %s, expected ')'", closing)
		}
		return group, nil
	}
	return p.parseValue(field.text, op.text)
}

func (p *parser) parseValue(field, op string) (Expr, error) {
	tok := p.next()
	if tok.kind != tokWord && tok.kind != tokString {
		return nil, p.errorf(tok, "unexpected %s, expected a value", tok)
	}
	if field == "" {
		return nil, p.errorf(tok, "value %s has no field", tok)
	}
	if tok.text == "" {
		return nil, p.errorf(tok, "empty value for field %q", field)
	}
	if p.peek().kind == tokOp {
		return nil, p.errorf(p.peek(), "unexpected %s after value", p.peek())
	}

	wildcard := tok.kind == tokWord && strings.ContainsAny(tok.text, "*?")
	switch op {
	case "=":
		if wildcard {
			return nil, p.errorf(tok, "wildcards are not allowed in exact match on %q", field)
		}
		return FieldMatch{Field: field, Value: tok.text}, nil
	case "~":
		return NewTextPattern(field, tok.text, wildcard), nil
	}
	if wildcard || slices.Contains(p.opts.TextFields, field) {
		return NewTextPattern(field, tok.text, wildcard), nil
	}
	return FieldMatch{Field: field, Value: tok.text}, nil
}

func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '@' || r == '-') {
			return false
		}
	}
	return true
}
