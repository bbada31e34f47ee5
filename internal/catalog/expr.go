package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// Expr is a parsed fingerprint query. Every variant renders to a Lucene
// query_string for the search backend and can be evaluated locally against a
// document's fields.
type Expr interface {
	QueryString() string
	Match(fields map[string]any) bool
	isExpr()
}

// FieldMatch requires a field to equal a value exactly.
type FieldMatch struct {
	Field string
	Value string
}

func (FieldMatch) isExpr() {}

func (m FieldMatch) QueryString() string {
	return m.Field + ":" + quote(m.Value)
}

func (m FieldMatch) Match(fields map[string]any) bool {
	for _, v := range fieldValues(fields, m.Field) {
		if v == m.Value {
			return true
		}
	}
	return false
}

// TextPattern matches free text inside a field, case-insensitively. When
// Wildcard is set, '*' and '?' in Pattern match any run of characters and any
// single character.
type TextPattern struct {
	Field    string
	Pattern  string
	Wildcard bool

	re *regexp.Regexp
}

// NewTextPattern compiles a text pattern for local evaluation.
func NewTextPattern(field, pattern string, wildcard bool) TextPattern {
	var b strings.Builder
	b.WriteString("(?is)")
	if wildcard {
		for _, r := range pattern {
			switch r {
			case '*':
				b.WriteString(".*")
			case '?':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
	} else {
		b.WriteString(regexp.QuoteMeta(pattern))
	}
	return TextPattern{
		Field:    field,
		Pattern:  pattern,
		Wildcard: wildcard,
		re:       regexp.MustCompile(b.String()),
	}
}

func (TextPattern) isExpr() {}

func (p TextPattern) QueryString() string {
	if !p.Wildcard {
		return p.Field + ":" + quote(p.Pattern)
	}
	var b strings.Builder
	b.WriteString(p.Field)
	b.WriteByte(':')
	for _, r := range p.Pattern {
		if r != '*' && r != '?' && (strings.ContainsRune(luceneReserved, r) || r == ' ' || r == '\t') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p TextPattern) Match(fields map[string]any) bool {
	re := p.re
	if re == nil {
		re = NewTextPattern(p.Field, p.Pattern, p.Wildcard).re
	}
	for _, v := range fieldValues(fields, p.Field) {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// AndExpr matches when every term matches.
type AndExpr struct {
	Terms []Expr
}

func (AndExpr) isExpr() {}

func (a AndExpr) QueryString() string {
	return join(a.Terms, " AND ")
}

func (a AndExpr) Match(fields map[string]any) bool {
	for _, t := range a.Terms {
		if !t.Match(fields) {
			return false
		}
	}
	return true
}

// OrExpr matches when any term matches.
type OrExpr struct {
	Terms []Expr
}

func (OrExpr) isExpr() {}

func (o OrExpr) QueryString() string {
	return join(o.Terms, " OR ")
}

func (o OrExpr) Match(fields map[string]any) bool {
	for _, t := range o.Terms {
		if t.Match(fields) {
			return true
		}
	}
	return false
}

// NotExpr negates its term.
type NotExpr struct {
	Term Expr
}

func (NotExpr) isExpr() {}

func (n NotExpr) QueryString() string {
	return "NOT " + wrap(n.Term)
}

func (n NotExpr) Match(fields map[string]any) bool {
	return !n.Term.Match(fields)
}

// And conjoins the non-nil terms, flattening nested conjunctions. It returns
// nil when no term remains and the term itself when only one does.
func And(terms ...Expr) Expr {
	flat := make([]Expr, 0, len(terms))
	for _, t := range terms {
		switch v := t.(type) {
		case nil:
		case AndExpr:
			flat = append(flat, v.Terms...)
		default:
			flat = append(flat, v)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return AndExpr{Terms: flat}
}

// FieldValues returns the values an expression requires for field through
// exact matches reachable by conjunction only.
func FieldValues(expr Expr, field string) []string {
	switch v := expr.(type) {
	case FieldMatch:
		if v.Field == field {
			return []string{v.Value}
		}
	case AndExpr:
		var out []string
		for _, t := range v.Terms {
			out = append(out, FieldValues(t, field)...)
		}
		return out
	}
	return nil
}

const luceneReserved = `+-=&|><!(){}[]^"~:\/`

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func wrap(e Expr) string {
	switch e.(type) {
	case AndExpr, OrExpr:
		return "(" + e.QueryString() + ")"
	}
	return e.QueryString()
}

func join(terms []Expr, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = wrap(t)
	}
	return strings.Join(parts, sep)
}

func fieldValues(fields map[string]any, name string) []string {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
