package coordinator

import (
	"context"
	"slices"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/resources"
)

// graph holds dependency edges by batch position: deps[i] lists the
// positions call i must wait for, ascending.
type graph struct {
	priority []resources.Access
	deps     [][]int
}

func (c *Coordinator) analyze(ctx context.Context, calls []model.ToolCall) (*graph, error) {
	n := len(calls)
	refs := make([][]resources.Reference, n)
	g := &graph{priority: make([]resources.Access, n), deps: make([][]int, n)}
	index := make(map[string]int, n)
	for i, call := range calls {
		refs[i] = c.extractor.Extract(call)
		g.priority[i] = resources.Priority(call, refs[i])
		index[call.ID] = i
	}

	for i := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set := map[int]struct{}{}
		for j := range calls {
			if j != i && dependsOn(refs[i], refs[j], i, j) {
				set[j] = struct{}{}
			}
		}
		for _, id := range ExplicitDependencies(calls[i]) {
			if j, ok := index[id]; ok && j != i {
				set[j] = struct{}{}
			}
		}
		for j := range set {
			g.deps[i] = append(g.deps[i], j)
		}
		slices.Sort(g.deps[i])
	}
	return g, nil
}

// dependsOn reports whether call i (refs a) must run after call j (refs b).
// Path based edges only point backwards in the batch; directory creation is
// the exception and is honoured wherever the creating call sits.
func dependsOn(a, b []resources.Reference, i, j int) bool {
	for _, x := range a {
		for _, y := range b {
			if y.Access == resources.AccessCreateDir && resources.Within(x.Path, y.Path) {
				// two creators of the same directory: the later one waits
				if x.Access == resources.AccessCreateDir && x.Path == y.Path {
					if j < i {
						return true
					}
					continue
				}
				return true
			}
			if j > i || x.Path != y.Path {
				continue
			}
			switch {
			case y.Access == resources.AccessWrite && (x.Access == resources.AccessRead || x.Access == resources.AccessList):
				return true
			case y.Access == resources.AccessWrite && x.Access == resources.AccessWrite:
				return true
			case (y.Access == resources.AccessRead || y.Access == resources.AccessList) && x.Access == resources.AccessWrite:
				return true
			}
		}
	}
	return false
}

// sort runs Kahn's algorithm, always releasing the ready call with the best
// (priority, batch position). When a cycle blocks progress the calls left
// over are appended in batch order and returned as cyclic.
func (g *graph) sort() (order []int, cyclic []int) {
	n := len(g.deps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, deps := range g.deps {
		indegree[i] = len(deps)
		for _, j := range deps {
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, n)
	order = make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if done[i] || indegree[i] > 0 {
				continue
			}
			if next == -1 || g.priority[i] < g.priority[next] {
				next = i
			}
		}
		if next == -1 {
			break
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	if len(order) == n {
		return order, nil
	}
	for i := 0; i < n; i++ {
		if !done[i] {
			cyclic = append(cyclic, i)
			order = append(order, i)
		}
	}
	return order, cyclic
}
