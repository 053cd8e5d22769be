// Package depgraph builds a dependency graph over a session group's
// sessions, detects cycles at construction time, and answers
// "which sessions are ready to run" as the Group Runner marks sessions
// completed or failed.
package depgraph

import (
	"errors"
	"fmt"

	"github.com/dpaulsen/sessionrunner/internal/model"
)

// ErrCircularDependency is returned by New when the sessions form a
// cycle (a self-loop counts as a cycle of length 1).
var ErrCircularDependency = errors.New("circular dependency")

// CircularDependencyError carries a sample cycle path for diagnostics.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCircularDependency, e.Cycle)
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// Node is one session's position in the graph: its immediate
// prerequisites and its derived immediate dependents.
type Node struct {
	Session    model.Session
	DependsOn  []string
	Dependents []string
}

// Graph is built once from a session list. Completed and failed session
// ids are tracked as two mutable sets for the duration of one run.
type Graph struct {
	nodes     map[string]*Node
	order     []string
	completed map[string]bool
	failed    map[string]bool
}

// New builds a Graph from sessions, detecting cycles. Dependency ids
// that don't reference another session in the group are kept as
// "missing deps" — they can never be satisfied, so a session depending
// on one is never ready.
func New(sessions []model.Session) (*Graph, error) {
	g := &Graph{
		nodes:     make(map[string]*Node, len(sessions)),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}

	for _, s := range sessions {
		g.nodes[s.ID] = &Node{Session: s, DependsOn: append([]string(nil), s.DependsOn...)}
		g.order = append(g.order, s.ID)
	}

	// Second pass: populate reverse edges (dependents) for ids that
	// exist in the graph; missing deps have no node to attach to.
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.Dependents = append(depNode.Dependents, id)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CircularDependencyError{Cycle: cycle}
	}

	return g, nil
}

// findCycle runs a depth-first search with a recursion-stack set,
// returning a sample cycle path the first time a back edge is found.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)

		node := g.nodes[id]
		if node != nil {
			for _, dep := range node.DependsOn {
				if _, ok := g.nodes[dep]; !ok {
					continue // missing dep, not part of the graph
				}
				switch state[dep] {
				case unvisited:
					if cycle := visit(dep); cycle != nil {
						return cycle
					}
				case visiting:
					// Found a back edge: extract the cycle from the stack.
					start := 0
					for i, s := range stack {
						if s == dep {
							start = i
							break
						}
					}
					cycle := append([]string(nil), stack[start:]...)
					return append(cycle, dep)
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// GetReady returns sessions whose status is pending and that are not
// themselves marked completed or failed, none of whose dependencies are
// in the failed set, and all of whose dependencies are in the completed
// set. Missing dependencies are never satisfied.
func (g *Graph) GetReady() []model.Session {
	var ready []model.Session
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Session.Status != model.SessionPending || g.completed[id] || g.failed[id] {
			continue
		}
		if g.hasFailedDep(node) || !g.allDepsCompleted(node) {
			continue
		}
		ready = append(ready, node.Session)
	}
	return ready
}

func (g *Graph) hasFailedDep(node *Node) bool {
	for _, dep := range node.DependsOn {
		if g.failed[dep] {
			return true
		}
	}
	return false
}

func (g *Graph) allDepsCompleted(node *Node) bool {
	for _, dep := range node.DependsOn {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}

// MarkStarted flips a node's status to active so GetReady stops
// returning it once the Group Runner has spawned its worker, without
// yet counting it as completed or failed.
func (g *Graph) MarkStarted(id string) {
	if node, ok := g.nodes[id]; ok {
		node.Session.Status = model.SessionActive
	}
}

// MarkCompleted adds id to the completed set and removes it from the
// failed set (the last mark always wins).
func (g *Graph) MarkCompleted(id string) {
	g.completed[id] = true
	delete(g.failed, id)
}

// MarkFailed adds id to the failed set and removes it from the
// completed set.
func (g *Graph) MarkFailed(id string) {
	g.failed[id] = true
	delete(g.completed, id)
}

// RemainingCount returns the number of sessions not yet marked
// completed or failed.
func (g *Graph) RemainingCount() int {
	n := 0
	for _, id := range g.order {
		if !g.completed[id] && !g.failed[id] {
			n++
		}
	}
	return n
}

// Blocked describes a pending session waiting on unresolved
// dependencies.
type Blocked struct {
	Session   model.Session
	WaitingOn []string
}

// GetBlocked returns pending sessions with at least one not-yet-completed
// dependency, along with the ids they're still waiting on.
func (g *Graph) GetBlocked() []Blocked {
	var blocked []Blocked
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Session.Status != model.SessionPending {
			continue
		}
		var waitingOn []string
		for _, dep := range node.DependsOn {
			if !g.completed[dep] {
				waitingOn = append(waitingOn, dep)
			}
		}
		if len(waitingOn) > 0 {
			blocked = append(blocked, Blocked{Session: node.Session, WaitingOn: waitingOn})
		}
	}
	return blocked
}

// Dependents returns the immediate dependents of id.
func (g *Graph) Dependents(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return node.Dependents
	}
	return nil
}

// DepsResolved reports whether every dependency of id is in either the
// completed or the failed set. Used to decide when to emit a
// dependency_resolved event for a dependent, which fires once its deps
// are settled one way or the other, not only on success.
func (g *Graph) DepsResolved(id string) bool {
	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	for _, dep := range node.DependsOn {
		if !g.completed[dep] && !g.failed[dep] {
			return false
		}
	}
	return true
}

// MarkPending resets a node's local status back to pending, used by the
// Group Runner on resume so a session paused mid-run becomes eligible
// for GetReady again.
func (g *Graph) MarkPending(id string) {
	if node, ok := g.nodes[id]; ok {
		node.Session.Status = model.SessionPending
	}
}

// GetAllPending returns every session whose local status is pending,
// ignoring dependency gating entirely. Used when a group run opts out
// of dependency ordering (RespectDependencies=false).
func (g *Graph) GetAllPending() []model.Session {
	var out []model.Session
	for _, id := range g.order {
		if g.nodes[id].Session.Status == model.SessionPending {
			out = append(out, g.nodes[id].Session)
		}
	}
	return out
}

// PendingCount returns the number of sessions whose local status is
// still pending.
func (g *Graph) PendingCount() int {
	n := 0
	for _, id := range g.order {
		if g.nodes[id].Session.Status == model.SessionPending {
			n++
		}
	}
	return n
}
