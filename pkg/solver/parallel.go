package solver

import (
	"context"
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// installParallel splits the requested roots into subproblems whose
// dependency closures cannot touch and solves them concurrently. The
// merged plan equals the sequential one because the partitions share
// no package names; anything that would make them interact reports
// not-ok and the caller solves sequentially.
func (s *Solver) installParallel(ctx context.Context, names []string) (*Transaction, bool, error) {
	log := logr.FromContextOrDiscard(ctx)

	parts := s.partition(names)
	if len(parts) < 2 {
		return nil, false, nil
	}
	log.V(1).Info("solving partitions in parallel", "partitions", len(parts), "jobs", s.jobs)

	results := make([]*resolution, len(parts))
	g := new(errgroup.Group)
	g.SetLimit(s.jobs)
	for i, part := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := newResolution(s)
			for _, name := range part {
				atom, err := parseRequest(name)
				if err != nil {
					return err
				}
				if err := r.require(atom.Name, atom.Constraint, "requested"); err != nil {
					return err
				}
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, true, err
	}

	merged := newResolution(s)
	for _, r := range results {
		for name, p := range r.selected {
			if q, ok := merged.selected[name]; ok && q != p {
				return nil, false, nil
			}
			merged.selected[name] = p
		}
		for name := range r.removals {
			merged.removals[name] = true
		}
		merged.order = append(merged.order, r.order...)
	}
	for _, p := range merged.selected {
		for _, q := range merged.selected {
			if p != q && conflictsWith(p.Name, p.Conflicts, q) != "" {
				return nil, false, nil
			}
		}
	}

	tx, err := merged.transaction()
	return tx, true, err
}

// partition groups the requested names by overlapping reachable-name
// sets. Two roots whose closures share any name land in the same
// partition.
func (s *Solver) partition(names []string) [][]string {
	reach := make([]map[string]bool, len(names))
	for i, n := range names {
		reach[i] = s.reachable(n)
	}

	group := make([]int, len(names))
	for i := range group {
		group[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if group[i] != i {
			group[i] = find(group[i])
		}
		return group[i]
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if intersects(reach[i], reach[j]) {
				group[find(j)] = find(i)
			}
		}
	}

	byRoot := map[int][]string{}
	var roots []int
	for i, name := range names {
		root := find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], name)
	}
	sort.Ints(roots)

	parts := make([][]string, 0, len(roots))
	for _, root := range roots {
		parts = append(parts, byRoot[root])
	}
	return parts
}

// reachable returns every package name the closure of root could
// touch, over all candidate versions and providers.
func (s *Solver) reachable(root string) map[string]bool {
	atom, err := parseRequest(root)
	if err != nil {
		return map[string]bool{root: true}
	}

	seen := map[string]bool{}
	queue := []string{atom.Name}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		for _, p := range s.catalog[name] {
			for _, dep := range depNames(p.Depends) {
				if !seen[dep] {
					queue = append(queue, dep)
				}
			}
			for _, c := range depNames(p.Conflicts) {
				if !seen[c] {
					queue = append(queue, c)
				}
			}
		}
		for _, p := range s.providers[name] {
			if !seen[p.Name] {
				queue = append(queue, p.Name)
			}
		}
	}
	return seen
}

// depNames lists every package name mentioned anywhere in a
// dependency expression, alternatives included.
func depNames(deps []string) []string {
	expr, err := aptlist.ParseDepends(strings.Join(deps, ", "))
	if err != nil {
		return nil
	}
	var names []string
	for _, alts := range expr {
		for _, atom := range alts {
			names = append(names, atom.Name)
		}
	}
	return names
}

func intersects(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}
