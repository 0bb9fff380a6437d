package pipeline

// Levels groups the graph's nodes for parallel execution.
//
// A node joins level k once every one of its inputs was placed in levels
// 0..k-1. Nodes whose inputs can never be satisfied (a cycle, or a reference
// to a node that does not exist) are collected into one final level and run
// together with whatever upstream data exists by then.
func Levels(g *Graph) [][]string {
	levels, _ := levelsWithDegraded(g)
	return levels
}

// levelsWithDegraded also returns the ids placed in the degraded final level
func levelsWithDegraded(g *Graph) ([][]string, []string) {
	processed := make(map[string]bool, len(g.Nodes))
	remaining := make([]*Node, 0, len(g.Nodes))
	for i := range g.Nodes {
		remaining = append(remaining, &g.Nodes[i])
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		var rest []*Node
		for _, n := range remaining {
			if inputsProcessed(n, processed) {
				level = append(level, n.ID)
			} else {
				rest = append(rest, n)
			}
		}

		if len(level) == 0 {
			degraded := make([]string, len(rest))
			for i, n := range rest {
				degraded[i] = n.ID
			}
			return append(levels, degraded), degraded
		}

		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
		remaining = rest
	}
	return levels, nil
}

func inputsProcessed(n *Node, processed map[string]bool) bool {
	for _, in := range n.Inputs {
		if !processed[in] {
			return false
		}
	}
	return true
}
