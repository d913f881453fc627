package aptlist

import (
	"strings"

	"github.com/apx-pm/apx/pkg/debver"
)

// Atom is one alternative within a dependency: name, optional
// architecture qualifier and optional version constraint.
//
//	libssl3:amd64 (>= 3.0.2)
type Atom struct {
	Name       string
	Arch       string
	Constraint debver.Constraint
}

// Alternatives is one conjunct of a dependency expression: a set of
// pipe-separated atoms of which at least one must be satisfied.
type Alternatives []Atom

// ParseDepends parses an APT dependency expression: comma-separated
// conjuncts, each a pipe-separated list of alternatives.
//
// https://www.debian.org/doc/debian-policy/ch-relationships.html
func ParseDepends(s string) ([]Alternatives, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Alternatives
	offset := 0
	for _, conjunct := range strings.Split(s, ",") {
		alts, err := parseAlternatives(conjunct, offset)
		if err != nil {
			return nil, err
		}
		if len(alts) > 0 {
			out = append(out, alts)
		}
		offset += len(conjunct) + 1
	}
	return out, nil
}

func parseAlternatives(s string, offset int) (Alternatives, error) {
	var alts Alternatives
	inner := 0
	for _, part := range strings.Split(s, "|") {
		atom, err := parseAtom(part, offset+inner)
		if err != nil {
			return nil, err
		}
		if atom != nil {
			alts = append(alts, *atom)
		}
		inner += len(part) + 1
	}
	return alts, nil
}

var constraintOps = []string{"<<", ">>", ">=", "<=", "="}

func parseAtom(s string, offset int) (*Atom, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	col := offset + strings.Index(s, trimmed[:1]) + 1

	var atom Atom
	rest := trimmed
	if open := strings.IndexByte(rest, '('); open >= 0 {
		end := strings.IndexByte(rest[open:], ')')
		if end < 0 {
			return nil, &ParseError{Line: 1, Column: col + open, Reason: "unterminated version constraint"}
		}
		constraint := strings.TrimSpace(rest[open+1 : open+end])
		c, ok := parseConstraint(constraint)
		if !ok {
			return nil, &ParseError{Line: 1, Column: col + open, Reason: "invalid version constraint " + strings.TrimSpace(rest[open:open+end+1])}
		}
		atom.Constraint = c
		rest = strings.TrimSpace(rest[:open])
	}
	// architecture qualifiers in brackets are accepted and ignored,
	// matching how apt treats foreign-arch restrictions on a native
	// resolution
	if open := strings.IndexByte(rest, '['); open >= 0 {
		rest = strings.TrimSpace(rest[:open])
	}
	if name, arch, ok := strings.Cut(rest, ":"); ok {
		atom.Name = name
		atom.Arch = arch
	} else {
		atom.Name = rest
	}
	if atom.Name == "" {
		return nil, &ParseError{Line: 1, Column: col, Reason: "empty package name in dependency"}
	}
	return &atom, nil
}

func parseConstraint(s string) (debver.Constraint, bool) {
	for _, op := range constraintOps {
		if strings.HasPrefix(s, op) {
			v := strings.TrimSpace(strings.TrimPrefix(s, op))
			if v == "" {
				return debver.Constraint{}, false
			}
			return debver.Constraint{Op: op, Version: v}, true
		}
	}
	return debver.Constraint{}, false
}

func (a Atom) String() string {
	var b strings.Builder
	b.WriteString(a.Name)
	if a.Arch != "" {
		b.WriteString(":" + a.Arch)
	}
	if a.Constraint.Op != "" {
		b.WriteString(" (" + a.Constraint.String() + ")")
	}
	return b.String()
}

func (alts Alternatives) String() string {
	parts := make([]string, len(alts))
	for i, a := range alts {
		parts[i] = a.String()
	}
	return strings.Join(parts, " | ")
}
