package solver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/debver"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/go-logr/logr"
)

// Solver plans transactions from the catalog and the installed set.
// It applies unit propagation over the usual rules: one version per
// name, conflicts forbid co-installation, provides feed virtual names
// and replaces permits takeover of an installed package.
type Solver struct {
	catalog   map[string][]*index.Package
	providers map[string][]*index.Package
	installed map[string]*index.Installed
	jobs      int
}

// New builds a solver over a catalog snapshot. Candidate lists are
// pre-sorted by preference: highest version first, then repository
// priority, then name.
func New(catalog []index.Package, installed []index.Installed, jobs int) *Solver {
	if jobs < 1 {
		jobs = 1
	}
	s := &Solver{
		catalog:   map[string][]*index.Package{},
		providers: map[string][]*index.Package{},
		installed: map[string]*index.Installed{},
		jobs:      jobs,
	}
	for i := range catalog {
		p := &catalog[i]
		s.catalog[p.Name] = append(s.catalog[p.Name], p)
		for _, prov := range p.Provides {
			fields := strings.Fields(prov)
			if len(fields) > 0 {
				s.providers[fields[0]] = append(s.providers[fields[0]], p)
			}
		}
	}
	for name := range s.catalog {
		sortCandidates(s.catalog[name])
	}
	for name := range s.providers {
		sortCandidates(s.providers[name])
	}
	for i := range installed {
		s.installed[installed[i].Name] = &installed[i]
	}
	return s
}

// sortCandidates orders by descending version, then descending repo
// priority, then name. The comparison never reaches further: equal
// rows from equally-ranked repos are interchangeable.
func sortCandidates(list []*index.Package) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Name == list[j].Name && list[i].Version != list[j].Version {
			if c, err := debver.Compare(list[i].Version, list[j].Version); err == nil {
				return c > 0
			}
			return list[i].Version > list[j].Version
		}
		if list[i].RepoPriority != list[j].RepoPriority {
			return list[i].RepoPriority > list[j].RepoPriority
		}
		return list[i].Name < list[j].Name
	})
}

// Install plans installing the named packages and their closure.
func (s *Solver) Install(ctx context.Context, names []string) (*Transaction, error) {
	log := logr.FromContextOrDiscard(ctx)

	if s.jobs > 1 && len(names) > 1 {
		if tx, ok, err := s.installParallel(ctx, names); ok {
			if err != nil {
				return nil, err
			}
			log.V(1).Info("planned install", "requested", len(names), "steps", len(tx.Steps))
			return tx, nil
		}
	}

	r := newResolution(s)
	for _, name := range names {
		atom, err := parseRequest(name)
		if err != nil {
			return nil, err
		}
		if err := r.require(atom.Name, atom.Constraint, "requested"); err != nil {
			return nil, err
		}
	}
	tx, err := r.transaction()
	if err != nil {
		return nil, err
	}
	log.V(1).Info("planned install", "requested", len(names), "steps", len(tx.Steps))
	return tx, nil
}

// Remove plans removing the named packages. It refuses to break an
// installed dependent unless that dependent is also being removed.
func (s *Solver) Remove(ctx context.Context, names []string) (*Transaction, error) {
	log := logr.FromContextOrDiscard(ctx)

	removing := map[string]bool{}
	for _, name := range names {
		if s.installed[name] == nil {
			return nil, &Unsatisfiable{Clauses: []string{name + " is not installed"}}
		}
		removing[name] = true
	}

	var clauses []string
	for _, inst := range s.installed {
		if removing[inst.Name] {
			continue
		}
		expr, err := aptlist.ParseDepends(strings.Join(inst.Depends, ", "))
		if err != nil {
			continue
		}
		for _, alts := range expr {
			if s.conjunctHolds(alts, removing) {
				continue
			}
			// the conjunct held before, so its loss traces to a removal
			clauses = append(clauses, fmt.Sprintf("%s depends on %s", inst.Name, alts.String()))
		}
	}
	if len(clauses) > 0 {
		return nil, &Unsatisfiable{Clauses: clauses}
	}

	tx := &Transaction{}
	// reverse dependency order: dependents first
	ordered := orderRemovals(s, names)
	for i, name := range ordered {
		tx.Steps = append(tx.Steps, Step{Kind: StepRemove, Name: name, Batch: i})
	}
	log.V(1).Info("planned removal", "steps", len(tx.Steps))
	return tx, nil
}

// conjunctHolds reports whether a dependency conjunct stays satisfied
// by the installed set after the pending removals.
func (s *Solver) conjunctHolds(alts aptlist.Alternatives, removing map[string]bool) bool {
	for _, atom := range alts {
		if inst := s.installed[atom.Name]; inst != nil && !removing[atom.Name] && atom.Constraint.Matches(inst.Version) {
			return true
		}
		if atom.Constraint.Op != "" {
			continue
		}
		for _, inst := range s.installed {
			if removing[inst.Name] {
				continue
			}
			for _, prov := range inst.Provides {
				fields := strings.Fields(prov)
				if len(fields) > 0 && fields[0] == atom.Name {
					return true
				}
			}
		}
	}
	return false
}

// Upgrade plans moving every installed package to its best available
// version, pulling in whatever the new versions depend on.
func (s *Solver) Upgrade(ctx context.Context) (*Transaction, error) {
	log := logr.FromContextOrDiscard(ctx)

	r := newResolution(s)
	var names []string
	for name := range s.installed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inst := s.installed[name]
		candidates := s.catalog[name]
		if len(candidates) == 0 {
			continue
		}
		best := candidates[0]
		c, err := debver.Compare(best.Version, inst.Version)
		if err != nil || c <= 0 {
			continue
		}
		if err := r.require(name, debver.Constraint{Op: "=", Version: best.Version}, "upgrade"); err != nil {
			return nil, err
		}
	}
	tx, err := r.transaction()
	if err != nil {
		return nil, err
	}
	log.V(1).Info("planned upgrade", "steps", len(tx.Steps))
	return tx, nil
}

// parseRequest accepts "name" or "name=version" request forms.
func parseRequest(s string) (aptlist.Atom, error) {
	if name, version, ok := strings.Cut(s, "="); ok {
		if name == "" || version == "" {
			return aptlist.Atom{}, fmt.Errorf("malformed request %q", s)
		}
		return aptlist.Atom{Name: name, Constraint: debver.Constraint{Op: "=", Version: version}}, nil
	}
	return aptlist.Atom{Name: s}, nil
}
