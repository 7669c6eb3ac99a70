package processor

import (
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/resources"
)

// plan splits the batch into execution groups. A call lands one group after
// the latest earlier call it has a resource hazard with or depends on;
// groups run one after another, members of a group run concurrently.
func (p *Processor) plan(calls []model.ToolCall, deps map[string][]string) [][]int {
	refs := make([][]resources.Reference, len(calls))
	position := make(map[string]int, len(calls))
	for i, call := range calls {
		refs[i] = p.extractor.Extract(call)
		if _, dup := position[call.ID]; !dup {
			position[call.ID] = i
		}
	}

	level := make([]int, len(calls))
	var groups [][]int
	for i, call := range calls {
		for j := 0; j < i; j++ {
			if resources.Hazard(refs[i], refs[j]) && level[j]+1 > level[i] {
				level[i] = level[j] + 1
			}
		}
		for _, id := range deps[call.ID] {
			if j, ok := position[id]; ok && j < i && level[j]+1 > level[i] {
				level[i] = level[j] + 1
			}
		}
		for len(groups) <= level[i] {
			groups = append(groups, nil)
		}
		groups[level[i]] = append(groups[level[i]], i)
	}
	return groups
}
