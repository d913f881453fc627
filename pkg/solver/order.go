package solver

import (
	"sort"
	"strings"

	"github.com/apx-pm/apx/pkg/aptlist"
)

// batchSelected groups the selected packages into dependency batches:
// strongly connected components of the dependency graph, emitted
// dependencies first. A singleton component is an ordinary step; a
// larger one is a cycle that commits as one batch.
func batchSelected(r *resolution) [][]string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)

	adj := map[string][]string{}
	for _, name := range names {
		p := r.selected[name]
		expr, err := aptlist.ParseDepends(strings.Join(p.Depends, ", "))
		if err != nil {
			continue
		}
		var deps []string
		seen := map[string]bool{}
		for _, alts := range expr {
			for _, atom := range alts {
				if sel, ok := r.selected[atom.Name]; ok && atom.Name != name && !seen[atom.Name] {
					if atom.Constraint.Matches(sel.Version) {
						deps = append(deps, atom.Name)
						seen[atom.Name] = true
					}
					continue
				}
				for _, prov := range r.s.providers[atom.Name] {
					if sel, ok := r.selected[prov.Name]; ok && sel == prov && prov.Name != name && !seen[prov.Name] {
						deps = append(deps, prov.Name)
						seen[prov.Name] = true
					}
				}
			}
		}
		sort.Strings(deps)
		adj[name] = deps
	}
	return tarjan(names, adj)
}

// tarjan returns the strongly connected components of the graph. A
// component completes only after every component it can reach, so the
// output lists dependencies before their dependents.
func tarjan(nodes []string, adj map[string][]string) [][]string {
	var (
		counter int
		indices = map[string]int{}
		low     = map[string]int{}
		onStack = map[string]bool{}
		stack   []string
		comps   [][]string
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, ok := indices[w]; !ok {
				connect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && indices[w] < low[v] {
				low[v] = indices[w]
			}
		}

		if low[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			comps = append(comps, comp)
		}
	}

	for _, v := range nodes {
		if _, ok := indices[v]; !ok {
			connect(v)
		}
	}
	return comps
}

// orderRemovals orders removal steps dependents first, so no removal
// leaves a still-installed package with a missing dependency mid-way.
func orderRemovals(s *Solver, names []string) []string {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	// edge a -> b when a depends on b; a goes first
	adj := map[string][]string{}
	indeg := map[string]int{}
	for _, n := range sorted {
		indeg[n] = 0
	}
	for _, a := range sorted {
		inst := s.installed[a]
		expr, err := aptlist.ParseDepends(strings.Join(inst.Depends, ", "))
		if err != nil {
			continue
		}
		seen := map[string]bool{}
		for _, alts := range expr {
			for _, atom := range alts {
				if set[atom.Name] && atom.Name != a && !seen[atom.Name] {
					adj[a] = append(adj[a], atom.Name)
					indeg[atom.Name]++
					seen[atom.Name] = true
				}
			}
		}
	}

	var (
		queue   []string
		out     []string
		emitted = map[string]bool{}
	)
	for _, n := range sorted {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		sort.Strings(queue)
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		emitted[n] = true
		for _, m := range adj[n] {
			if indeg[m]--; indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	// a removal cycle has no safe order; fall back to name order
	for _, n := range sorted {
		if !emitted[n] {
			out = append(out, n)
		}
	}
	return out
}
