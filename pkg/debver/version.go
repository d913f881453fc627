package debver

import (
	"fmt"

	version "github.com/knqyf263/go-deb-version"
)

// Compare orders two Debian version strings.
// It returns a negative value when a sorts before b, a positive value
// when a sorts after b and zero when they are equal. The epoch dominates,
// then the upstream version, then the revision.
//
// https://www.debian.org/doc/debian-policy/ch-controlfields.html#version
func Compare(a, b string) (int, error) {
	va, err := version.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", a, err)
	}
	vb, err := version.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// Valid reports whether s is a well-formed Debian version string.
func Valid(s string) bool {
	return version.Valid(s)
}

// Constraint is a single relational requirement on a version,
// as found in dependency expressions: "(>= 2.0)".
type Constraint struct {
	Op      string
	Version string
}

// Matches reports whether v satisfies the constraint. An empty
// operator or an empty constraint version matches anything.
func (c Constraint) Matches(v string) bool {
	if c.Op == "" || c.Version == "" || v == "" {
		return true
	}
	v1, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	v2, err := version.NewVersion(c.Version)
	if err != nil {
		return false
	}
	switch c.Op {
	case ">>":
		return v1.GreaterThan(v2)
	case "<<":
		return v1.LessThan(v2)
	case "=":
		return v1.Equal(v2)
	case ">=":
		return v1.GreaterThan(v2) || v1.Equal(v2)
	case "<=":
		return v1.LessThan(v2) || v1.Equal(v2)
	default:
		return true
	}
}

func (c Constraint) String() string {
	if c.Op == "" {
		return c.Version
	}
	return c.Op + " " + c.Version
}
