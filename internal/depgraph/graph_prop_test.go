package depgraph

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/dpaulsen/sessionrunner/internal/model"
)

// genAcyclicSessions draws a session list where each session may only
// depend on earlier sessions, so the result is acyclic by construction.
func genAcyclicSessions(t *rapid.T) []model.Session {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	sessions := make([]model.Session, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%d", i)
		var deps []string
		for j := 0; j < i; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("dep-%d-%d", i, j)) {
				deps = append(deps, fmt.Sprintf("s%d", j))
			}
		}
		sessions = append(sessions, model.Session{ID: id, Status: model.SessionPending, DependsOn: deps})
	}
	return sessions
}

func TestGetReady_ReadyImpliesAllDepsCompletedNoneFailed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sessions := genAcyclicSessions(t)
		g, err := New(sessions)
		if err != nil {
			t.Fatalf("acyclic-by-construction graph rejected: %v", err)
		}

		byID := make(map[string]model.Session, len(sessions))
		for _, s := range sessions {
			byID[s.ID] = s
		}

		// Apply a random interleaving of marks, checking the ready-set
		// invariant after every step.
		completed := map[string]bool{}
		failed := map[string]bool{}
		steps := rapid.IntRange(0, 2*len(sessions)).Draw(t, "steps")
		for step := 0; step <= steps; step++ {
			for _, ready := range g.GetReady() {
				for _, dep := range byID[ready.ID].DependsOn {
					if !completed[dep] {
						t.Fatalf("step %d: %s ready with incomplete dep %s", step, ready.ID, dep)
					}
					if failed[dep] {
						t.Fatalf("step %d: %s ready with failed dep %s", step, ready.ID, dep)
					}
				}
			}
			if step == steps || len(sessions) == 0 {
				break
			}
			id := fmt.Sprintf("s%d", rapid.IntRange(0, len(sessions)-1).Draw(t, fmt.Sprintf("pick-%d", step)))
			if rapid.Bool().Draw(t, fmt.Sprintf("ok-%d", step)) {
				g.MarkCompleted(id)
				completed[id] = true
				delete(failed, id)
			} else {
				g.MarkFailed(id)
				failed[id] = true
				delete(completed, id)
			}
		}

		// The two sets are disjoint and RemainingCount agrees with them.
		remaining := 0
		for _, s := range sessions {
			if completed[s.ID] && failed[s.ID] {
				t.Fatalf("%s in both completed and failed", s.ID)
			}
			if !completed[s.ID] && !failed[s.ID] {
				remaining++
			}
		}
		if got := g.RemainingCount(); got != remaining {
			t.Fatalf("RemainingCount() = %d, want %d", got, remaining)
		}
	})
}

func TestMarks_LastMarkWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, err := New([]model.Session{
			{ID: "a", Status: model.SessionPending},
			{ID: "b", Status: model.SessionPending, DependsOn: []string{"a"}},
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		g.MarkStarted("a")
		marks := rapid.SliceOfN(rapid.Bool(), 1, 8).Draw(t, "marks")
		for _, ok := range marks {
			if ok {
				g.MarkCompleted("a")
			} else {
				g.MarkFailed("a")
			}
		}

		// b is ready iff the final mark on a was completed.
		last := marks[len(marks)-1]
		ready := g.GetReady()
		if last {
			if len(ready) != 1 || ready[0].ID != "b" {
				t.Fatalf("final mark completed: ready = %v, want [b]", ready)
			}
		} else if len(ready) != 0 {
			t.Fatalf("final mark failed: ready = %v, want empty", ready)
		}
	})
}
