package plan

import (
	"fmt"
	"strings"
)

// OrderSteps returns the step keys in an order where every step follows its
// dependencies. Among steps that are ready at the same time the proposal
// order is kept, so a linear proposal comes back unchanged.
func OrderSteps(keys []string, dependsOn map[string][]string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	position := make(map[string]int, len(keys))
	for i, k := range keys {
		position[k] = i
	}

	inDegree := make(map[string]int, len(keys))
	forward := make(map[string][]string)
	for _, k := range keys {
		for _, dep := range dependsOn[k] {
			if _, ok := position[dep]; !ok {
				continue // unknown refs are reported by ValidateProposal
			}
			inDegree[k]++
			forward[dep] = append(forward[dep], k)
		}
	}

	// Kahn's algorithm with the ready set kept in proposal order.
	var ready []string
	for _, k := range keys {
		if inDegree[k] == 0 {
			ready = append(ready, k)
		}
	}
	sorted := make([]string, 0, len(keys))
	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) == len(keys) {
		return sorted, nil
	}
	cycle := findCyclePath(keys, dependsOn, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
}

// findCyclePath walks the nodes left with a non-zero in-degree and returns
// one cycle as a path that starts and ends on the same key.
func findCyclePath(keys []string, dependsOn map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var cycle []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range dependsOn[node] {
			switch color[dep] {
			case gray:
				cycle = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			case white:
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, k := range keys {
		if inDegree[k] > 0 && color[k] == white && dfs(k) {
			return cycle
		}
	}
	return []string{"(cycle detected)"}
}
