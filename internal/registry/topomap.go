package registry

import (
	"fmt"
	"strings"

	"github.com/relayfleet/relayfleet/internal/fleetid"
)

// TopoMap is the dependency graph used during reload (§4.6): nodes are
// NodeNames, edges are "depends on" (a RouteSelect escaper depends on its
// member escapers, a server depends on its escaper, ...). Construction
// performs a DFS with a visiting-path stack and rejects any back edge as a
// cycle. SortedNodes returns a topological order, leaves (no children)
// first, so that reloading in that order always reloads a dependency
// before its dependents.
type TopoMap struct {
	children map[fleetid.Name][]fleetid.Name
	sorted   []fleetid.Name
}

// CycleError reports a dependency cycle discovered during construction,
// naming every node on the cycle in visitation order.
type CycleError struct {
	Cycle []fleetid.Name
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Cycle))
	for i, n := range e.Cycle {
		names[i] = string(n)
	}
	return fmt.Sprintf("registry: dependency cycle: %s", strings.Join(names, " -> "))
}

// state used during DFS.
type visitState uint8

const (
	unvisited visitState = iota
	visiting
	done
)

// BuildTopoMap constructs a TopoMap from a name -> children-it-depends-on
// adjacency. It returns a *CycleError (via errors.As) if any node depends
// on itself transitively.
func BuildTopoMap(children map[fleetid.Name][]fleetid.Name) (*TopoMap, error) {
	state := make(map[fleetid.Name]visitState, len(children))
	sorted := make([]fleetid.Name, 0, len(children))
	var path []fleetid.Name

	var visit func(n fleetid.Name) error
	visit = func(n fleetid.Name) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			// Back edge: n is already on the current DFS path — build the
			// cycle by trimming path back to n's first occurrence.
			cycle := append([]fleetid.Name{}, path...)
			for i, p := range cycle {
				if p == n {
					cycle = append(cycle[i:], n)
					break
				}
			}
			return &CycleError{Cycle: cycle}
		}

		state[n] = visiting
		path = append(path, n)

		for _, child := range children[n] {
			if err := visit(child); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[n] = done
		sorted = append(sorted, n) // children already appended before n
		return nil
	}

	// Deterministic iteration isn't required for correctness, but makes
	// error output and tests reproducible enough; map range order is fine
	// here because the *set* of nodes visited is what matters, and the
	// first-discovered cycle is reported regardless of start order.
	for n := range children {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	return &TopoMap{children: children, sorted: sorted}, nil
}

// SortedNodes returns the topological order computed at construction:
// for every node, all its children appear earlier in the slice.
func (t *TopoMap) SortedNodes() []fleetid.Name {
	return t.sorted
}

// Children returns the direct dependency children of n.
func (t *TopoMap) Children(n fleetid.Name) []fleetid.Name {
	return t.children[n]
}

// Dependents returns every node that directly depends on n.
func (t *TopoMap) Dependents(n fleetid.Name) []fleetid.Name {
	var out []fleetid.Name
	for parent, kids := range t.children {
		for _, k := range kids {
			if k == n {
				out = append(out, parent)
				break
			}
		}
	}
	return out
}

// TransitiveDependents returns every node that depends on n, directly or
// transitively, in the order they appear in SortedNodes (so reloading them
// in this order respects the dependency order).
func (t *TopoMap) TransitiveDependents(n fleetid.Name) []fleetid.Name {
	affected := map[fleetid.Name]bool{}
	var mark func(target fleetid.Name)
	mark = func(target fleetid.Name) {
		for _, parent := range t.Dependents(target) {
			if !affected[parent] {
				affected[parent] = true
				mark(parent)
			}
		}
	}
	mark(n)

	var out []fleetid.Name
	for _, node := range t.sorted {
		if affected[node] {
			out = append(out, node)
		}
	}
	return out
}
