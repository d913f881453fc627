package solver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/debver"
	"github.com/apx-pm/apx/pkg/index"
)

// resolution is the mutable state of one solve: the packages chosen
// so far and the installed packages whose removal the plan requires.
type resolution struct {
	s        *Solver
	selected map[string]*index.Package
	removals map[string]bool
	order    []string
}

func newResolution(s *Solver) *resolution {
	return &resolution{
		s:        s,
		selected: map[string]*index.Package{},
		removals: map[string]bool{},
	}
}

// installedActive returns the installed row for name unless the plan
// already removes or supersedes it.
func (r *resolution) installedActive(name string) *index.Installed {
	if r.removals[name] || r.selected[name] != nil {
		return nil
	}
	return r.s.installed[name]
}

// require ensures a package satisfying the constraint ends up in the
// post-state, selecting and recursing as needed. via names the
// requiring package for diagnostics.
func (r *resolution) require(name string, c debver.Constraint, via string) error {
	if p := r.selected[name]; p != nil {
		if c.Matches(p.Version) {
			return nil
		}
		return &Unsatisfiable{Clauses: []string{
			fmt.Sprintf("%s requires %s (%s) but %s %s is already planned", via, name, c.String(), name, p.Version),
		}}
	}
	if inst := r.installedActive(name); inst != nil && c.Matches(inst.Version) {
		return nil
	}

	var candidates []*index.Package
	for _, p := range r.s.catalog[name] {
		if c.Matches(p.Version) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return r.requireVirtual(name, c, via)
	}

	pick := candidates[0]
	if err := r.checkConflicts(pick); err != nil {
		return err
	}
	r.selected[name] = pick
	r.order = append(r.order, name)
	return r.resolveDepends(pick)
}

// requireVirtual satisfies name through its providers. Versioned
// constraints never match a virtual name.
func (r *resolution) requireVirtual(name string, c debver.Constraint, via string) error {
	provs := r.s.providers[name]
	if len(provs) > 0 && c.Op == "" {
		for _, p := range provs {
			if r.selected[p.Name] != nil || r.installedActive(p.Name) != nil {
				return nil
			}
		}
		var clauses []string
		for _, p := range provs {
			st := r.snapshot()
			err := r.require(p.Name, debver.Constraint{}, via)
			if err == nil {
				return nil
			}
			r.restore(st)
			u, ok := err.(*Unsatisfiable)
			if !ok {
				return err
			}
			clauses = append(clauses, u.Clauses...)
		}
		return &Unsatisfiable{Clauses: append(
			[]string{fmt.Sprintf("%s depends on %s but no provider is installable", via, name)}, clauses...)}
	}
	if len(r.s.catalog[name]) == 0 {
		return &Unsatisfiable{Clauses: []string{fmt.Sprintf("%s: %s: unknown package", via, name)}}
	}
	best := r.s.catalog[name][0]
	return &Unsatisfiable{Clauses: []string{
		fmt.Sprintf("%s depends on %s (%s) but only %s %s is available", via, name, c.String(), name, best.Version),
	}}
}

// resolveDepends satisfies every conjunct of pick's dependency
// expression, trying alternatives left to right. A failed alternative
// rolls the state back before the next one is tried.
func (r *resolution) resolveDepends(pick *index.Package) error {
	expr, err := aptlist.ParseDepends(strings.Join(pick.Depends, ", "))
	if err != nil {
		return fmt.Errorf("%s: malformed dependency expression: %w", pick.Name, err)
	}
	for _, alts := range expr {
		if r.conjunctSatisfied(alts) {
			continue
		}
		var clauses []string
		satisfied := false
		for _, atom := range alts {
			st := r.snapshot()
			err := r.require(atom.Name, atom.Constraint, pick.Name)
			if err == nil {
				satisfied = true
				break
			}
			r.restore(st)
			u, ok := err.(*Unsatisfiable)
			if !ok {
				return err
			}
			clauses = append(clauses, u.Clauses...)
		}
		if !satisfied {
			return &Unsatisfiable{Clauses: append(
				[]string{fmt.Sprintf("%s depends on %s", pick.Name, alts.String())}, clauses...)}
		}
	}
	return nil
}

// conjunctSatisfied reports whether any alternative of the conjunct
// already holds in the planned post-state.
func (r *resolution) conjunctSatisfied(alts aptlist.Alternatives) bool {
	for _, atom := range alts {
		if p := r.selected[atom.Name]; p != nil && atom.Constraint.Matches(p.Version) {
			return true
		}
		if inst := r.installedActive(atom.Name); inst != nil && atom.Constraint.Matches(inst.Version) {
			return true
		}
		if atom.Constraint.Op != "" {
			continue
		}
		for _, p := range r.s.providers[atom.Name] {
			if r.selected[p.Name] == p {
				return true
			}
		}
		for _, inst := range r.s.installed {
			if r.removals[inst.Name] || r.selected[inst.Name] != nil {
				continue
			}
			if providesName(inst.Provides, atom.Name) {
				return true
			}
		}
	}
	return false
}

// checkConflicts rejects pick when it cannot co-exist with the
// planned or installed state. An installed conflictor that pick also
// replaces is scheduled for removal instead.
func (r *resolution) checkConflicts(pick *index.Package) error {
	expr, err := aptlist.ParseDepends(strings.Join(pick.Conflicts, ", "))
	if err != nil {
		return fmt.Errorf("%s: malformed conflicts expression: %w", pick.Name, err)
	}
	for _, alts := range expr {
		for _, atom := range alts {
			if atom.Name == pick.Name {
				continue
			}
			if q := r.selected[atom.Name]; q != nil && atom.Constraint.Matches(q.Version) {
				return &Unsatisfiable{Clauses: []string{
					fmt.Sprintf("%s conflicts with %s %s, which the plan installs", pick.Name, q.Name, q.Version),
				}}
			}
			if inst := r.installedActive(atom.Name); inst != nil && atom.Constraint.Matches(inst.Version) {
				if containsName(pick.Replaces, atom.Name) {
					r.removals[atom.Name] = true
					continue
				}
				return &Unsatisfiable{Clauses: []string{
					fmt.Sprintf("%s conflicts with installed %s %s", pick.Name, inst.Name, inst.Version),
				}}
			}
		}
	}

	for _, name := range r.order {
		q := r.selected[name]
		if clash := conflictsWith(q.Name, q.Conflicts, pick); clash != "" {
			return &Unsatisfiable{Clauses: []string{clash}}
		}
	}
	for _, inst := range r.s.installed {
		if r.removals[inst.Name] || r.selected[inst.Name] != nil {
			continue
		}
		if clash := conflictsWith(inst.Name, inst.Conflicts, pick); clash != "" {
			return &Unsatisfiable{Clauses: []string{clash}}
		}
	}
	return nil
}

// conflictsWith reports whether owner's conflicts expression forbids
// pick, returning the offending clause.
func conflictsWith(owner string, conflicts []string, pick *index.Package) string {
	expr, err := aptlist.ParseDepends(strings.Join(conflicts, ", "))
	if err != nil {
		return ""
	}
	for _, alts := range expr {
		for _, atom := range alts {
			if atom.Name == pick.Name && atom.Constraint.Matches(pick.Version) {
				return fmt.Sprintf("%s conflicts with %s %s", owner, pick.Name, pick.Version)
			}
		}
	}
	return ""
}

func providesName(provides []string, name string) bool {
	for _, prov := range provides {
		fields := strings.Fields(prov)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

func containsName(list []string, name string) bool {
	for _, entry := range list {
		fields := strings.Fields(entry)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

type resolutionState struct {
	selected map[string]*index.Package
	removals map[string]bool
	order    []string
}

func (r *resolution) snapshot() resolutionState {
	st := resolutionState{
		selected: make(map[string]*index.Package, len(r.selected)),
		removals: make(map[string]bool, len(r.removals)),
		order:    append([]string(nil), r.order...),
	}
	for k, v := range r.selected {
		st.selected[k] = v
	}
	for k, v := range r.removals {
		st.removals[k] = v
	}
	return st
}

func (r *resolution) restore(st resolutionState) {
	r.selected = st.selected
	r.removals = st.removals
	r.order = st.order
}

// transaction turns the resolved state into ordered steps: takeover
// removals first, then installs and upgrades batched by dependency
// cycles.
func (r *resolution) transaction() (*Transaction, error) {
	tx := &Transaction{}
	batch := 0

	var removed []string
	for name := range r.removals {
		if r.selected[name] == nil {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		tx.Steps = append(tx.Steps, Step{Kind: StepRemove, Name: name, Batch: batch})
		batch++
	}

	for _, group := range batchSelected(r) {
		for _, name := range group {
			pick := r.selected[name]
			step := Step{Kind: StepInstall, Name: name, Package: pick, Batch: batch}
			if inst := r.s.installed[name]; inst != nil {
				step.Kind = StepUpgrade
				step.FromVersion = inst.Version
			}
			tx.Steps = append(tx.Steps, step)
		}
		batch++
	}
	return tx, nil
}
