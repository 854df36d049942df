package resultstore

import (
	"sort"
	"sync"
)

// Node 血缘节点：一次工具调用产生的句柄及其父句柄。
// Node is one tool invocation in the lineage DAG: the handle it produced and
// the prior handles that informed the call.
type Node struct {
	Handle           Handle
	StepNumber       int
	ParentHandles    []string
	ChildHandles     []string
	ReasoningContext string
}

// Lineage 会话级 DAG，随工具执行增量构建，答案产出时反向遍历取祖先。
// Lineage is the per-session provenance DAG, built incrementally as tools run
// and queried backward from the handles an answer cites.
type Lineage struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func NewLineage() *Lineage {
	return &Lineage{nodes: map[string]*Node{}}
}

// AddNode records a tool invocation and links it to its parents.
func (l *Lineage) AddNode(h Handle, stepNumber int, parents []string, reasoning string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node := &Node{
		Handle:           h,
		StepNumber:       stepNumber,
		ParentHandles:    append([]string(nil), parents...),
		ReasoningContext: reasoning,
	}
	l.nodes[h.ID] = node
	for _, pid := range parents {
		if parent, ok := l.nodes[pid]; ok {
			parent.ChildHandles = append(parent.ChildHandles, h.ID)
		}
	}
}

// Node returns the lineage node for a handle id.
func (l *Lineage) Node(id string) (Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Ancestors 从被引用的句柄反向收集全部祖先，按步骤号排序，形成审计轨迹。
// Ancestors collects every ancestor of the cited handles (cited nodes
// included) ordered by step number, forming the audit trail.
func (l *Lineage) Ancestors(cited []string) []Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	visited := map[string]struct{}{}
	var walk func(id string)
	walk = func(id string) {
		if _, seen := visited[id]; seen {
			return
		}
		node, ok := l.nodes[id]
		if !ok {
			return
		}
		visited[id] = struct{}{}
		for _, pid := range node.ParentHandles {
			walk(pid)
		}
	}
	for _, id := range cited {
		walk(id)
	}

	out := make([]Node, 0, len(visited))
	for id := range visited {
		out = append(out, *l.nodes[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].Handle.ID < out[j].Handle.ID
	})
	return out
}
