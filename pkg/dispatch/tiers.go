package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/lakeflow/pkg/fault"
)

// Node is a unit that may depend on others by id.
type Node interface {
	UnitID() string
	Dependencies() []string
}

// Tiers orders nodes into dependency tiers (Kahn's algorithm). Every node in
// tier n depends only on nodes in tiers < n. Within a tier, indices keep input
// order. Duplicate ids, unknown dependencies and cycles are config errors.
func Tiers[N Node](nodes []N) ([][]int, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		id := n.UnitID()
		if _, dup := index[id]; dup {
			return nil, fault.New(fault.KindInvalidConfig, "tiers", id, fmt.Errorf("duplicate unit id"))
		}
		index[id] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[string]bool)
		for _, dep := range n.Dependencies() {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			j, ok := index[dep]
			if !ok {
				return nil, fault.New(fault.KindInvalidConfig, "tiers", n.UnitID(), fmt.Errorf("unknown dependency %q", dep))
			}
			if j == i {
				return nil, fault.New(fault.KindInvalidConfig, "tiers", n.UnitID(), fmt.Errorf("depends on itself"))
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var current []int
	for i := range nodes {
		if indegree[i] == 0 {
			current = append(current, i)
		}
	}

	var tiers [][]int
	placed := 0
	for len(current) > 0 {
		tiers = append(tiers, current)
		placed += len(current)
		var next []int
		for _, i := range current {
			for _, d := range dependents[i] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Ints(next)
		current = next
	}

	if placed != len(nodes) {
		var cyclic []string
		for i, n := range nodes {
			if indegree[i] > 0 {
				cyclic = append(cyclic, n.UnitID())
			}
		}
		return nil, fault.New(fault.KindInvalidConfig, "tiers", "", fmt.Errorf("dependency cycle among %s", strings.Join(cyclic, ", ")))
	}
	return tiers, nil
}
