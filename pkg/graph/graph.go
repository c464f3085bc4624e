// Package graph maintains the dependency edge index: a forward map of what
// each task requires and a reverse map of what depends on it. The graph holds
// edges only; statuses live in the task store, which stays authoritative.
package graph

import (
	"sort"
	"sync"
)

// Graph is a concurrency-safe directed dependency index. An edge from -> to
// means "from requires to completed first". It is a derived structure,
// rebuilt from stored task records at startup.
type Graph struct {
	mu         sync.RWMutex
	deps       map[string][]string // task -> prerequisites
	dependents map[string][]string // task -> tasks waiting on it
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Add registers a task node with its dependency edges.
func (g *Graph) Add(id string, dependsOn []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.deps[id]; !ok {
		g.deps[id] = nil
	}
	for _, dep := range dependsOn {
		g.addEdgeLocked(id, dep)
	}
}

// AddEdge records that from depends on to.
func (g *Graph) AddEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdgeLocked(from, to)
}

func (g *Graph) addEdgeLocked(from, to string) {
	for _, existing := range g.deps[from] {
		if existing == to {
			return
		}
	}
	g.deps[from] = append(g.deps[from], to)
	g.dependents[to] = append(g.dependents[to], from)
}

// Has reports whether the task is known to the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.deps[id]
	return ok
}

// DependenciesOf returns the direct prerequisites of a task.
func (g *Graph) DependenciesOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedCopy(g.deps[id])
}

// DependentsOf returns the tasks that directly depend on the given task.
func (g *Graph) DependentsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedCopy(g.dependents[id])
}

// WouldCreateCycle checks whether adding an edge from -> to would close a
// cycle. BFS from to through existing dependency edges, looking for from.
func (g *Graph) WouldCreateCycle(from, to string) bool {
	if from == to {
		return true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	queue := []string{to}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == from {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		queue = append(queue, g.deps[current]...)
	}
	return false
}

func sortedCopy(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
