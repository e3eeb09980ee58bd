package octree

import (
	"github.com/go-gl/mathgl/mgl32"
)

const (
	DefaultMaxSize  float32 = 100.0
	DefaultMaxDepth uint32  = 10

	// MinDepth keeps at least one routing level under the roots.
	MinDepth uint32 = 2

	rootShift = 3 * (MaxCodeDepth - 1)
)

// Octree stores elements of type T in a cubical domain [-MaxSize, MaxSize]^3.
// Nodes live in a flat arena; node ids handed out by the tree stay valid
// until the next Insert or Reset.
type Octree[T Accumulator[T]] struct {
	maxSize  float32
	maxDepth uint32
	// offset skips the code bits finer than the leaf level when the tree is
	// shallower than the code.
	offset uint32

	nodes []Node[T]
	roots [8]NodeID
	count int
}

// New creates an empty tree. maxDepth is clamped to [MinDepth, MaxCodeDepth].
func New[T Accumulator[T]](maxSize float32, maxDepth uint32) *Octree[T] {
	maxDepth = min(max(maxDepth, MinDepth), MaxCodeDepth)
	t := &Octree[T]{
		maxSize:  maxSize,
		maxDepth: maxDepth,
		offset:   3 * (MaxCodeDepth - maxDepth),
		nodes:    make([]Node[T], 0, 64),
	}
	t.initRoots()
	return t
}

func (t *Octree[T]) initRoots() {
	for s := range t.roots {
		t.roots[s] = t.alloc(t.maxDepth-1, MortonCode(s)<<rootShift)
	}
}

// MaxSize returns the half-width of the domain.
func (t *Octree[T]) MaxSize() float32 { return t.maxSize }

// MaxDepth returns the tree height.
func (t *Octree[T]) MaxDepth() uint32 { return t.maxDepth }

// Len returns the number of inserted elements.
func (t *Octree[T]) Len() int { return t.count }

// NodeCount returns the number of allocated nodes, roots included.
func (t *Octree[T]) NodeCount() int { return len(t.nodes) }

// Node borrows a node. The pointer is invalidated by the next Insert or Reset.
func (t *Octree[T]) Node(id NodeID) *Node[T] {
	return &t.nodes[id]
}

// Root returns the id of the root in the given slot.
func (t *Octree[T]) Root(slot int) NodeID {
	return t.roots[slot]
}

// Aggregate folds the aggregates of all roots. ok is false for an empty tree.
func (t *Octree[T]) Aggregate() (agg T, ok bool) {
	for _, id := range t.roots {
		n := &t.nodes[id]
		if !n.HasAggregate {
			continue
		}
		if ok {
			agg = agg.Add(n.Aggregate)
		} else {
			agg, ok = n.Aggregate, true
		}
	}
	return agg, ok
}

// Insert routes elem to its leaf using the top three bits of code for the
// root and one more triple per level below it.
func (t *Octree[T]) Insert(elem T, code MortonCode) {
	id := t.roots[rootSlot(code)]
	for {
		n := &t.nodes[id]
		n.accumulate(elem)
		if n.Depth == 0 {
			n.Elements = append(n.Elements, elem)
			break
		}
		depth := n.Depth
		if !n.HasChildren() {
			t.subdivide(id)
		}
		id = t.nodes[id].Children[t.slot(code, depth)]
	}
	t.count++
}

// InsertAt encodes p against the tree's domain and inserts elem there.
func (t *Octree[T]) InsertAt(elem T, p mgl32.Vec3) MortonCode {
	code := EncodeVec(t.maxSize, p)
	t.Insert(elem, code)
	return code
}

// Lookup returns the leaf holding code, or NoNode if nothing was inserted
// in that cell.
func (t *Octree[T]) Lookup(code MortonCode) NodeID {
	id := t.roots[rootSlot(code)]
	for {
		n := &t.nodes[id]
		if n.Depth == 0 {
			if n.IsEmpty() {
				return NoNode
			}
			return id
		}
		if !n.HasChildren() {
			return NoNode
		}
		id = n.Children[t.slot(code, n.Depth)]
	}
}

// CollectLeaves returns every non-empty leaf in Morton order.
func (t *Octree[T]) CollectLeaves() []NodeID {
	var leaves []NodeID
	for _, id := range t.roots {
		leaves = t.collectLeaves(id, leaves)
	}
	return leaves
}

func (t *Octree[T]) collectLeaves(id NodeID, out []NodeID) []NodeID {
	n := &t.nodes[id]
	if n.Depth == 0 {
		if !n.IsEmpty() {
			out = append(out, id)
		}
		return out
	}
	if !n.HasChildren() {
		return out
	}
	for _, c := range n.Children {
		out = t.collectLeaves(c, out)
	}
	return out
}

// Reset drops every node but keeps the arena's capacity, so a tree can be
// rebuilt each frame without reallocating.
func (t *Octree[T]) Reset() {
	clear(t.nodes)
	t.nodes = t.nodes[:0]
	t.count = 0
	t.initRoots()
}

func (t *Octree[T]) alloc(depth uint32, prefix MortonCode) NodeID {
	t.nodes = append(t.nodes, newNode[T](depth, prefix))
	return NodeID(len(t.nodes) - 1)
}

func (t *Octree[T]) subdivide(id NodeID) {
	depth, prefix := t.nodes[id].Depth, t.nodes[id].Prefix
	shift := t.shift(depth)
	var children [8]NodeID
	for s := range children {
		children[s] = t.alloc(depth-1, prefix|MortonCode(s)<<shift)
	}
	// alloc may have moved the arena
	t.nodes[id].Children = children
}

func (t *Octree[T]) shift(depth uint32) uint32 {
	return 3*depth + t.offset
}

func (t *Octree[T]) slot(code MortonCode, depth uint32) uint32 {
	return uint32(code>>t.shift(depth)) & 0b111
}

func rootSlot(code MortonCode) uint32 {
	return uint32(code>>rootShift) & 0b111
}
