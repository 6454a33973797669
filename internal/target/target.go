// ABOUTME: Target selector expressions for matching minions against job targets
// ABOUTME: Parses Salt-style selectors (glob, E@regex, L@list, and/or compounds) into an expression tree

package target

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrInvalidSelector is returned when a target expression cannot be parsed.
var ErrInvalidSelector = errors.New("invalid target selector")

// Expr is a parsed target expression. Matching is a pure function of the
// minion ID; an Expr carries no registry state.
type Expr interface {
	// Matches reports whether the given minion ID satisfies the expression.
	Matches(minionID string) bool

	// String returns the canonical selector text for the expression.
	String() string
}

// Glob matches minion IDs against a shell-style glob pattern.
type Glob struct {
	Pattern string
}

// Matches reports whether id matches the glob pattern.
func (g Glob) Matches(id string) bool {
	ok, err := path.Match(g.Pattern, id)
	return err == nil && ok
}

func (g Glob) String() string { return g.Pattern }

// Regex matches minion IDs against a compiled regular expression.
type Regex struct {
	re *regexp.Regexp
}

// Matches reports whether id matches the regular expression.
func (r Regex) Matches(id string) bool { return r.re.MatchString(id) }

func (r Regex) String() string { return "E@" + r.re.String() }

// List matches minion IDs against an explicit set of IDs.
type List struct {
	ids map[string]struct{}
}

// Matches reports whether id is one of the listed minion IDs.
func (l List) Matches(id string) bool {
	_, ok := l.ids[id]
	return ok
}

func (l List) String() string {
	ids := make([]string, 0, len(l.ids))
	for id := range l.ids {
		ids = append(ids, id)
	}
	return "L@" + strings.Join(ids, ",")
}

// And matches only when every child expression matches.
type And struct {
	Children []Expr
}

// Matches reports whether id satisfies all child expressions.
func (a And) Matches(id string) bool {
	for _, c := range a.Children {
		if !c.Matches(id) {
			return false
		}
	}
	return true
}

func (a And) String() string { return joinCompound(a.Children, "and") }

// Or matches when at least one child expression matches.
type Or struct {
	Children []Expr
}

// Matches reports whether id satisfies any child expression.
func (o Or) Matches(id string) bool {
	for _, c := range o.Children {
		if c.Matches(id) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return joinCompound(o.Children, "or") }

func joinCompound(children []Expr, op string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return "( " + strings.Join(parts, " "+op+" ") + " )"
}

// Parse converts a selector string into an expression tree.
//
// Syntax (whitespace-separated tokens):
//
//	web*                   glob on minion ID
//	E@^web\d+$             regular expression
//	L@web1,web2,db1        explicit ID list
//	web* and E@.*prod.*    compound and
//	web* or db*            compound or
//	( a or b ) and c       grouping
//
// Returns ErrInvalidSelector (wrapped with detail) on malformed input.
func Parse(selector string) (Expr, error) {
	tokens := tokenize(selector)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty selector", ErrInvalidSelector)
	}

	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%w: unexpected token %q", ErrInvalidSelector, p.tokens[p.pos])
	}
	return expr, nil
}

// tokenize splits a selector into tokens, treating parentheses as their
// own tokens even when not whitespace-separated.
func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	children := []Expr{left}
	for p.peek() == "or" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return Or{Children: children}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseLeaf()
	if err != nil {
		return nil, err
	}

	children := []Expr{left}
	for p.peek() == "and" {
		p.pos++
		right, err := p.parseLeaf()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return And{Children: children}, nil
}

func (p *parser) parseLeaf() (Expr, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("%w: expression ends after operator", ErrInvalidSelector)
	case ")":
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidSelector, tok)
	case "and", "or":
		return nil, fmt.Errorf("%w: unexpected operator %q", ErrInvalidSelector, tok)
	case "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidSelector)
		}
		p.pos++
		return inner, nil
	}

	p.pos++
	return parseAtom(tok)
}

// parseAtom converts a single non-operator token into a leaf expression.
func parseAtom(tok string) (Expr, error) {
	switch {
	case strings.HasPrefix(tok, "E@"):
		pattern := tok[2:]
		if pattern == "" {
			return nil, fmt.Errorf("%w: empty regex in %q", ErrInvalidSelector, tok)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex %q: %v", ErrInvalidSelector, pattern, err)
		}
		return Regex{re: re}, nil

	case strings.HasPrefix(tok, "L@"):
		raw := tok[2:]
		if raw == "" {
			return nil, fmt.Errorf("%w: empty list in %q", ErrInvalidSelector, tok)
		}
		ids := make(map[string]struct{})
		for _, id := range strings.Split(raw, ",") {
			if id == "" {
				return nil, fmt.Errorf("%w: empty entry in list %q", ErrInvalidSelector, tok)
			}
			ids[id] = struct{}{}
		}
		return List{ids: ids}, nil

	default:
		// Bare token is a glob. Validate the pattern now so a malformed
		// glob is rejected at submit rather than silently matching nothing.
		if _, err := path.Match(tok, "x"); err != nil {
			return nil, fmt.Errorf("%w: bad glob %q", ErrInvalidSelector, tok)
		}
		return Glob{Pattern: tok}, nil
	}
}

// NewList builds a List expression from explicit minion IDs.
func NewList(ids ...string) List {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return List{ids: set}
}
