package physics

import (
	"golang.org/x/sync/errgroup"

	"particles/core"
	"particles/octree"
)

// member is a particle filed in the octree along with its store slot.
// Aggregating members merges the bodies, so every node carries the centre
// of mass of its cell.
type member struct {
	index int
	body  core.Particle
}

func (m member) Add(o member) member {
	return member{index: -1, body: m.body.Add(o.body)}
}

// rebuildTree files every massive particle under its pre-step position.
func (e *Engine) rebuildTree(ps []core.Particle) {
	e.tree.Reset()
	for i := range ps {
		if ps[i].IsInert() {
			continue
		}
		e.tree.InsertAt(member{index: i, body: ps[i]}, ps[i].Position)
	}
}

// forcesByCell runs the force phase with one unit of work per non-empty
// octree leaf. Particles of a leaf are neighbours in space, and mostly in
// memory order too, so a unit touches a compact part of the store.
func (e *Engine) forcesByCell(ps []core.Particle) {
	e.rebuildTree(ps)

	var g errgroup.Group
	g.SetLimit(e.params.Workers)
	for _, leaf := range e.tree.CollectLeaves() {
		members := e.tree.Node(leaf).Elements
		g.Go(func() error {
			for _, m := range members {
				e.accelerate(ps, m.index)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CellStats summarises the octree built by the last cell-grouped step.
type CellStats struct {
	Leaves       int           `json:"leaves"`
	Nodes        int           `json:"nodes"`
	Members      int           `json:"members"`
	NeighbourMax int           `json:"neighbourMax"`
	// Pairs counts interacting leaf pairs, each leaf with itself included.
	Pairs        int           `json:"pairs"`
	CentreOfMass core.Particle `json:"-"`
}

// Cells reports how the last cell-grouped step partitioned the store. It
// returns the zero value when GroupByCell is off.
func (e *Engine) Cells() CellStats {
	if !e.params.GroupByCell {
		return CellStats{}
	}
	e.data.RLock()
	defer e.data.RUnlock()

	leaves := e.tree.CollectLeaves()
	stats := CellStats{
		Leaves:  len(leaves),
		Nodes:   e.tree.NodeCount(),
		Members: e.tree.Len(),
	}
	for _, leaf := range leaves {
		stats.NeighbourMax = max(stats.NeighbourMax, len(e.tree.PositiveNeighbours(leaf)))
	}
	e.tree.VisitPositivePairs(func(a, b octree.NodeID) {
		stats.Pairs++
	})
	if agg, ok := e.tree.Aggregate(); ok {
		stats.CentreOfMass = agg.body
	}
	return stats
}

// compile time check
var _ octree.Accumulator[member] = member{}
