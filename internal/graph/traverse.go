package graph

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/unioslo/spine/internal/entity"
)

// ErrCycle is returned when membership edges loop back on themselves.
var ErrCycle = errors.New("relation cycle detected")

// Descendants returns every entity reachable from root through child edges,
// ordered so that each entity appears after all of its parents. root itself is
// not included.
func (r *Registry) Descendants(ctx context.Context, root entity.Key) ([]entity.Key, error) {
	g := simple.NewDirectedGraph()
	ids := make(map[entity.Key]int64)
	keys := make(map[int64]entity.Key)

	nodeID := func(k entity.Key) int64 {
		if id, ok := ids[k]; ok {
			return id
		}
		id := int64(len(ids))
		ids[k] = id
		keys[id] = k
		g.AddNode(simple.Node(id))
		return id
	}

	rootID := nodeID(root)
	queue := []entity.Key{root}
	visited := map[entity.Key]bool{root: true}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		children, err := r.childrenOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		from := nodeID(cur)
		for _, child := range children {
			to := nodeID(child)
			if from == to {
				return nil, fmt.Errorf("%s: %w", cur, ErrCycle)
			}
			if !g.HasEdgeFromTo(from, to) {
				g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
			}
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}

	sorted, err := topo.Sort(g)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", root, ErrCycle)
	}

	out := make([]entity.Key, 0, len(sorted)-1)
	for _, n := range sorted {
		if n.ID() == rootID {
			continue
		}
		out = append(out, keys[n.ID()])
	}
	return out, nil
}

// childrenOf prefers relations already cached on a registered node.
func (r *Registry) childrenOf(ctx context.Context, key entity.Key) ([]entity.Key, error) {
	r.mu.Lock()
	n := r.nodes[key]
	r.mu.Unlock()

	if n != nil {
		return n.Children(ctx)
	}
	rel, err := r.store.Relations(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load relations of %s: %w", key, err)
	}
	return rel.Children, nil
}
