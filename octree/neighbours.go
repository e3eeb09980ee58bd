package octree

// positiveOffsets are the seven cell steps that never decrement an axis.
var positiveOffsets = [7][3]uint32{
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	{1, 1, 0}, {1, 0, 1}, {0, 1, 1},
	{1, 1, 1},
}

// LeafCells returns the number of leaf cells along one axis.
func (t *Octree[T]) LeafCells() uint32 {
	return Resolution >> t.leafAxisShift()
}

// leafAxisShift is the number of low coordinate bits that a leaf does not
// resolve.
func (t *Octree[T]) leafAxisShift() uint32 {
	return 1 + t.offset/3
}

// Cell returns the integer coordinates of a leaf at leaf resolution.
func (t *Octree[T]) Cell(leaf NodeID) (x, y, z uint32) {
	k := t.leafAxisShift()
	x, y, z = Decode(t.nodes[leaf].Prefix)
	return x >> k, y >> k, z >> k
}

// PositiveNeighbours returns the non-empty leaves adjacent to leaf along the
// +x, +y and +z directions (up to seven). Visiting every leaf together with
// its positive neighbours reaches each such pair of cells once, so an
// interaction found this way can be applied to both sides.
//
// Every leaf of this tree sits at depth 0, so a neighbour cell is either a
// leaf of the same size or lies in a subtree that was never subdivided,
// which means it is empty. Cells beyond the domain edge are skipped.
func (t *Octree[T]) PositiveNeighbours(leaf NodeID) []NodeID {
	n := &t.nodes[leaf]
	if n.Depth != 0 || n.IsEmpty() {
		return nil
	}
	k := t.leafAxisShift()
	cells := t.LeafCells()
	cx, cy, cz := t.Cell(leaf)

	var out []NodeID
	for _, d := range positiveOffsets {
		nx, ny, nz := cx+d[0], cy+d[1], cz+d[2]
		if nx >= cells || ny >= cells || nz >= cells {
			continue
		}
		if id := t.Lookup(FromCell(nx<<k, ny<<k, nz<<k)); id != NoNode {
			out = append(out, id)
		}
	}
	return out
}

// VisitPositivePairs calls fn once for every non-empty leaf paired with
// itself and once for each of its positive neighbours.
func (t *Octree[T]) VisitPositivePairs(fn func(a, b NodeID)) {
	for _, leaf := range t.CollectLeaves() {
		fn(leaf, leaf)
		for _, nb := range t.PositiveNeighbours(leaf) {
			fn(leaf, nb)
		}
	}
}
