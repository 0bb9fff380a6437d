package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func graphOf(nodes ...Node) *Graph {
	for i := range nodes {
		if nodes[i].Worker == "" {
			nodes[i].Worker = "echo"
		}
	}
	return &Graph{ID: "test", Mode: ModeParallel, Nodes: nodes}
}

func TestLevels_Diamond(t *testing.T) {
	g := graphOf(
		Node{ID: "A"},
		Node{ID: "B", Inputs: []string{"A"}},
		Node{ID: "C", Inputs: []string{"A"}},
		Node{ID: "D", Inputs: []string{"B", "C"}},
	)

	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, Levels(g))
}

func TestLevels_DeclarationOrderIrrelevant(t *testing.T) {
	g := graphOf(
		Node{ID: "D", Inputs: []string{"B", "C"}},
		Node{ID: "C", Inputs: []string{"A"}},
		Node{ID: "B", Inputs: []string{"A"}},
		Node{ID: "A"},
	)

	assert.Equal(t, [][]string{{"A"}, {"C", "B"}, {"D"}}, Levels(g))
}

func TestLevels_Independent(t *testing.T) {
	g := graphOf(Node{ID: "x"}, Node{ID: "y"}, Node{ID: "z"})
	assert.Equal(t, [][]string{{"x", "y", "z"}}, Levels(g))
}

func TestLevels_CycleDegradesToFinalLevel(t *testing.T) {
	g := graphOf(
		Node{ID: "A"},
		Node{ID: "B", Inputs: []string{"A", "C"}},
		Node{ID: "C", Inputs: []string{"B"}},
		Node{ID: "E", Inputs: []string{"A"}},
	)

	levels, degraded := levelsWithDegraded(g)
	assert.Equal(t, [][]string{{"A"}, {"E"}, {"B", "C"}}, levels)
	assert.Equal(t, []string{"B", "C"}, degraded)
}

func TestLevels_DanglingInput(t *testing.T) {
	g := graphOf(
		Node{ID: "A"},
		Node{ID: "orphan", Inputs: []string{"ghost"}},
	)

	levels, degraded := levelsWithDegraded(g)
	assert.Equal(t, [][]string{{"A"}, {"orphan"}}, levels)
	assert.Equal(t, []string{"orphan"}, degraded)
}

func TestLevels_Empty(t *testing.T) {
	assert.Empty(t, Levels(&Graph{ID: "empty"}))
}
