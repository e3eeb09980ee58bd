package octree

// Accumulator is satisfied by element types that can fold another element
// into a running aggregate.
type Accumulator[T any] interface {
	Add(other T) T
}

// NodeID addresses a node inside its octree's arena.
type NodeID int32

// NoNode marks an absent child or a failed lookup.
const NoNode NodeID = -1

// Node is one cell of the tree. A node either has children or, at depth 0,
// holds elements; never both.
type Node[T Accumulator[T]] struct {
	// Depth is the number of levels below this node; leaves are at 0.
	Depth uint32
	// Prefix holds the code bits that identify this node's region.
	Prefix MortonCode

	// Aggregate is the sum of every element routed through this node.
	Aggregate    T
	HasAggregate bool

	Children [8]NodeID
	Elements []T
}

func newNode[T Accumulator[T]](depth uint32, prefix MortonCode) Node[T] {
	return Node[T]{
		Depth:    depth,
		Prefix:   prefix,
		Children: [8]NodeID{NoNode, NoNode, NoNode, NoNode, NoNode, NoNode, NoNode, NoNode},
	}
}

// IsLeaf reports whether the node sits at the bottom of the tree.
func (n *Node[T]) IsLeaf() bool {
	return n.Depth == 0
}

// HasChildren reports whether the node has been subdivided.
func (n *Node[T]) HasChildren() bool {
	return n.Children[0] != NoNode
}

// IsEmpty reports whether a leaf holds no elements.
func (n *Node[T]) IsEmpty() bool {
	return len(n.Elements) == 0
}

func (n *Node[T]) accumulate(elem T) {
	if n.HasAggregate {
		n.Aggregate = n.Aggregate.Add(elem)
		return
	}
	n.Aggregate = elem
	n.HasAggregate = true
}
