package solver

import (
	"fmt"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/index"
)

// StepKind tags what a transaction step does to the target system.
type StepKind string

const (
	StepInstall StepKind = "install"
	StepUpgrade StepKind = "upgrade"
	StepRemove  StepKind = "remove"
)

// Step is one entry of an ordered transaction. Install and upgrade
// steps carry the catalog row to place; remove steps carry only the
// name. Steps sharing a Batch belong to a dependency cycle and must
// commit together.
type Step struct {
	Kind        StepKind
	Name        string
	Package     *index.Package
	FromVersion string
	Batch       int
}

func (s Step) String() string {
	switch s.Kind {
	case StepUpgrade:
		return fmt.Sprintf("upgrade %s (%s -> %s)", s.Name, s.FromVersion, s.Package.Version)
	case StepRemove:
		return "remove " + s.Name
	default:
		return fmt.Sprintf("install %s %s", s.Name, s.Package.Version)
	}
}

// Transaction is the solver's output: steps ordered so every step's
// dependencies are satisfied by the pre-state or an earlier step.
type Transaction struct {
	Steps []Step
}

// Empty reports whether the transaction changes nothing.
func (t *Transaction) Empty() bool {
	return len(t.Steps) == 0
}

// Unsatisfiable explains why no transaction exists. Clauses is the
// minimal set of conflicting constraints, phrased for the user.
type Unsatisfiable struct {
	Clauses []string
}

func (u *Unsatisfiable) Error() string {
	return fmt.Sprintf("%v: %s", apxerr.ErrUnsatisfiable, strings.Join(u.Clauses, "; "))
}

// Unwrap ties the witness into the error taxonomy so callers can
// match with errors.Is.
func (u *Unsatisfiable) Unwrap() error {
	return apxerr.ErrUnsatisfiable
}
