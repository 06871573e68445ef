package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphSorter orders a stage's resource nodes by their dependency edges.
// It detects cycles and assigns topological levels; nodes at the same level
// have no ordering constraint between them.
type GraphSorter struct {
	// nodes maps node names to their resource nodes
	nodes map[string]*ResourceNode

	// adjacencyList maps node names to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node names to their same-stage dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps topological level to node names at that level
	levels [][]string
}

// NewGraphSorter creates a new graph sorter.
func NewGraphSorter() *GraphSorter {
	return &GraphSorter{
		nodes:                make(map[string]*ResourceNode),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// Order returns the graph's nodes in topological order. Cross-stage
// dependency references do not constrain ordering within the stage; they are
// validated by ResourceGraph.Validate and satisfied by stage ordering.
func (s *GraphSorter) Order(graph *ResourceGraph) ([]ResourceNode, error) {
	if len(graph.Nodes) == 0 {
		return nil, nil
	}

	if err := s.initialize(graph); err != nil {
		return nil, err
	}

	if err := s.detectCycles(); err != nil {
		return nil, err
	}

	if err := s.computeLevels(); err != nil {
		return nil, err
	}

	ordered := make([]ResourceNode, 0, len(graph.Nodes))
	for _, level := range s.levels {
		// Deterministic order within a level.
		sort.Strings(level)
		for _, name := range level {
			ordered = append(ordered, *s.nodes[name])
		}
	}

	return ordered, nil
}

// Dependents returns the names of nodes that depend (directly or
// transitively) on the given node. Order must have been called first.
func (s *GraphSorter) Dependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, dep := range s.adjacencyList[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// initialize sets up the internal data structures from the graph.
func (s *GraphSorter) initialize(graph *ResourceGraph) error {
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if node.Name == "" {
			return NewPermanentError("resource node has empty name", nil).
				WithCode(ErrCodeValidation).WithStage(graph.Stage)
		}
		if _, exists := s.nodes[node.Name]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate resource node: %s", node.Name), nil).
				WithCode(ErrCodeValidation).WithStage(graph.Stage)
		}
		s.nodes[node.Name] = node
		s.adjacencyList[node.Name] = make([]string, 0)
		s.reverseAdjacencyList[node.Name] = make([]string, 0)
		s.inDegree[node.Name] = 0
	}

	for _, node := range s.nodes {
		for _, ref := range node.DependsOn {
			stage, target := SplitRef(ref)
			if stage != "" && stage != graph.Stage {
				// Earlier-stage output; ordering is handled by stage order.
				continue
			}
			if _, exists := s.nodes[target]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s depends on unknown node %s", node.Name, target), nil).
					WithCode(ErrCodeValidation).WithStage(graph.Stage).WithNode(node.Name)
			}
			s.adjacencyList[target] = append(s.adjacencyList[target], node.Name)
			s.reverseAdjacencyList[node.Name] = append(s.reverseAdjacencyList[node.Name], target)
			s.inDegree[node.Name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (s *GraphSorter) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for name := range s.nodes {
		if !visited[name] {
			if cycle, err := s.detectCyclesUtil(name, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
					err,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (s *GraphSorter) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range s.adjacencyList[name] {
		if !visited[dependent] {
			if cycle, err := s.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, n := range path {
				if n == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[name] = false
	return nil, nil
}

// computeLevels assigns topological levels using Kahn's algorithm.
func (s *GraphSorter) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(s.inDegree))
	for name, degree := range s.inDegree {
		inDegreeCopy[name] = degree
	}

	currentLevel := make([]string, 0)
	for name, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	if len(currentLevel) == 0 && len(s.nodes) > 0 {
		return NewPermanentError("no root nodes found - all nodes have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		s.levels = append(s.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range s.adjacencyList[name] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	if processed != len(s.nodes) {
		return NewPermanentError("failed to order all nodes - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// ToDOT generates a DOT format representation of the stage graph for
// visualization with Graphviz tools. Order must have been called first.
func (s *GraphSorter) ToDOT(diff *PlanDiff) string {
	var sb strings.Builder

	actions := make(map[string]PlanAction, len(diff.Nodes))
	for _, nd := range diff.Nodes {
		actions[nd.Name] = nd.Action
	}

	sb.WriteString("digraph StageGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range s.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			node := s.nodes[name]
			label := fmt.Sprintf("%s\\n%s", node.Name, node.Type)
			color := actionColor(actions[name])
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, node := range s.nodes {
		for _, ref := range node.DependsOn {
			stage, target := SplitRef(ref)
			if stage != "" && stage != diff.Stage {
				continue
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", target, node.Name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// actionColor returns a color for visualizing plan actions.
func actionColor(a PlanAction) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionDestroy, ActionRecreate:
		return "lightcoral"
	case ActionNoop:
		return "lightgray"
	default:
		return "white"
	}
}
