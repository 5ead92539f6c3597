// Package rangeset implements an order-statistic set of disjoint,
// non-adjacent ranges of uint32 values, stored as a red-black tree over a
// fixed arena of nodes. Insertion merges a newly inserted value with an
// adjacent or gap-closing neighbouring range instead of creating a new
// node, which keeps the tree small when CIDs mostly arrive in order.
//
// The node count is bounded by the arena size fixed at Create, so a Set
// never allocates on the data path: it either finds a free arena slot or
// fails with ErrTreeFull.
package rangeset

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Set operations. Duplicate and not-found are
// expected, recoverable outcomes rather than programming errors.
var (
	ErrSizeZero    = errors.New("rangeset: zero capacity")
	ErrTreeFull    = errors.New("rangeset: arena exhausted")
	ErrDuplicate   = errors.New("rangeset: value already present")
	ErrNotFound    = errors.New("rangeset: value not in set")
	ErrEmpty       = errors.New("rangeset: set is empty")
)

// Range is the half-open interval [Value, Value+Offset).
type Range struct {
	Value  uint32
	Offset uint32
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint32 { return r.Value + r.Offset }

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Value, r.End())
}

const nilIdx = ^uint32(0)

const (
	red   = true
	black = false
)

type node struct {
	rng    Range
	color  bool
	left   uint32
	right  uint32
	parent uint32
}

// Set is an arena-backed red-black tree of disjoint, non-adjacent ranges.
// The zero value is not usable; construct one with Create.
type Set struct {
	nodes   []node
	free    []uint32 // stack of unused arena slots
	root    uint32
	size    uint32
	maxSize uint32
}

// Create preallocates an arena of maxSize nodes for an empty Set.
func Create(maxSize uint32) (*Set, error) {
	if maxSize == 0 {
		return nil, ErrSizeZero
	}

	s := &Set{
		nodes:   make([]node, maxSize),
		free:    make([]uint32, maxSize),
		root:    nilIdx,
		maxSize: maxSize,
	}
	for i := uint32(0); i < maxSize; i++ {
		s.free[i] = maxSize - 1 - i
	}
	return s, nil
}

// Len returns the number of ranges currently held.
func (s *Set) Len() int { return int(s.size) }

// IsEmpty reports whether the set holds no ranges.
func (s *Set) IsEmpty() bool { return s.size == 0 }

// IsFull reports whether the arena has no free node available.
func (s *Set) IsFull() bool { return len(s.free) == 0 }

// Clear empties the set without shrinking the arena.
func (s *Set) Clear() {
	s.root = nilIdx
	s.size = 0
	s.free = s.free[:0]
	for i := uint32(0); i < s.maxSize; i++ {
		s.free = append(s.free, s.maxSize-1-i)
	}
}

func (s *Set) allocNode(rng Range) (uint32, bool) {
	if len(s.free) == 0 {
		return nilIdx, false
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.nodes[idx] = node{rng: rng, color: red, left: nilIdx, right: nilIdx, parent: nilIdx}
	return idx, true
}

func (s *Set) freeNode(idx uint32) {
	s.free = append(s.free, idx)
}

// Insert adds v to the set, merging it into an adjacent or gap-closing
// range where possible. Duplicate values are reported via ErrDuplicate but
// are otherwise a no-op, matching the source library's "duplicates are
// fine" treatment.
func (s *Set) Insert(v uint32) error {
	if s.maxSize == 0 {
		return ErrSizeZero
	}

	if s.root == nilIdx {
		idx, ok := s.allocNode(Range{Value: v, Offset: 1})
		if !ok {
			return ErrTreeFull
		}
		s.nodes[idx].color = black
		s.root = idx
		s.size = 1
		return nil
	}

	cur := s.root
	for {
		n := &s.nodes[cur]

		switch {
		case v >= n.rng.Value && v < n.rng.End():
			return ErrDuplicate

		case v+1 == n.rng.Value:
			n.rng.Value = v
			n.rng.Offset++
			if p := s.predecessor(cur); p != nilIdx && s.nodes[p].rng.End() == n.rng.Value {
				s.nodes[cur].rng.Value = s.nodes[p].rng.Value
				s.nodes[cur].rng.Offset += s.nodes[p].rng.Offset
				s.deleteNode(p)
			}
			return nil

		case n.rng.End() == v:
			n.rng.Offset++
			if suc := s.successor(cur); suc != nilIdx && s.nodes[suc].rng.Value == v+1 {
				s.nodes[cur].rng.Offset += s.nodes[suc].rng.Offset
				s.deleteNode(suc)
			}
			return nil

		case v < n.rng.Value:
			if n.left == nilIdx {
				idx, ok := s.allocNode(Range{Value: v, Offset: 1})
				if !ok {
					return ErrTreeFull
				}
				s.nodes[cur].left = idx
				s.nodes[idx].parent = cur
				s.size++
				s.insertFixup(idx)
				return nil
			}
			cur = n.left

		default: // v > n.rng.End()
			if n.right == nilIdx {
				idx, ok := s.allocNode(Range{Value: v, Offset: 1})
				if !ok {
					return ErrTreeFull
				}
				s.nodes[cur].right = idx
				s.nodes[idx].parent = cur
				s.size++
				s.insertFixup(idx)
				return nil
			}
			cur = n.right
		}
	}
}

// PopFirst removes and returns the lowest range in the set.
func (s *Set) PopFirst() (Range, error) {
	if s.root == nilIdx {
		return Range{}, ErrEmpty
	}
	idx := s.min(s.root)
	rng := s.nodes[idx].rng
	s.deleteNode(idx)
	return rng, nil
}

// Iterator walks the set in increasing order. A zero Iterator starts
// before the first range.
type Iterator struct {
	cur   uint32
	valid bool
}

// First returns an Iterator positioned at the lowest range.
func (s *Set) First() Iterator {
	if s.root == nilIdx {
		return Iterator{cur: nilIdx}
	}
	return Iterator{cur: s.min(s.root), valid: true}
}

// Next returns the range at the iterator's current position and advances
// it to the in-order successor. When pop is true, the visited node is
// removed from the tree; when rebalance is false the removal skips
// recoloring, which lets a caller tear down the whole set with a single
// pass of Next(pop=true, rebalance=false) calls followed by Clear.
func (s *Set) Next(it *Iterator, pop bool, rebalance bool) (Range, bool) {
	if !it.valid || it.cur == nilIdx {
		return Range{}, false
	}

	cur := it.cur
	rng := s.nodes[cur].rng
	nxt := s.successor(cur)

	if pop {
		if rebalance {
			s.deleteNode(cur)
		} else {
			s.unlinkNode(cur)
		}
	}

	if nxt == nilIdx {
		it.valid = false
		it.cur = nilIdx
	} else {
		it.cur = nxt
	}
	return rng, true
}

// Ranges returns all ranges in increasing order without mutating the set.
func (s *Set) Ranges() []Range {
	out := make([]Range, 0, s.size)
	it := s.First()
	for {
		rng, ok := s.Next(&it, false, false)
		if !ok {
			break
		}
		out = append(out, rng)
	}
	return out
}

func (s *Set) min(idx uint32) uint32 {
	for s.nodes[idx].left != nilIdx {
		idx = s.nodes[idx].left
	}
	return idx
}

func (s *Set) max(idx uint32) uint32 {
	for s.nodes[idx].right != nilIdx {
		idx = s.nodes[idx].right
	}
	return idx
}

func (s *Set) successor(idx uint32) uint32 {
	n := &s.nodes[idx]
	if n.right != nilIdx {
		return s.min(n.right)
	}
	p := n.parent
	cur := idx
	for p != nilIdx && cur == s.nodes[p].right {
		cur = p
		p = s.nodes[p].parent
	}
	return p
}

func (s *Set) predecessor(idx uint32) uint32 {
	n := &s.nodes[idx]
	if n.left != nilIdx {
		return s.max(n.left)
	}
	p := n.parent
	cur := idx
	for p != nilIdx && cur == s.nodes[p].left {
		cur = p
		p = s.nodes[p].parent
	}
	return p
}

// unlinkNode removes idx from the tree structure by splicing around it,
// without any red-black rebalancing; used by Next(pop, rebalance=false)
// for bulk teardown where coloring no longer matters.
func (s *Set) unlinkNode(idx uint32) {
	n := s.nodes[idx]

	var child uint32
	switch {
	case n.left == nilIdx:
		child = n.right
	case n.right == nilIdx:
		child = n.left
	default:
		// Two children: splice out the successor's value into idx, then
		// unlink the successor (which has at most one child) instead.
		suc := s.min(n.right)
		s.nodes[idx].rng = s.nodes[suc].rng
		s.unlinkNode(suc)
		return
	}

	s.transplant(idx, child)
	s.size--
	s.freeNode(idx)
}

func (s *Set) transplant(u, v uint32) {
	p := s.nodes[u].parent
	if p == nilIdx {
		s.root = v
	} else if s.nodes[p].left == u {
		s.nodes[p].left = v
	} else {
		s.nodes[p].right = v
	}
	if v != nilIdx {
		s.nodes[v].parent = p
	}
}

func (s *Set) rotateLeft(x uint32) {
	y := s.nodes[x].right
	s.nodes[x].right = s.nodes[y].left
	if s.nodes[y].left != nilIdx {
		s.nodes[s.nodes[y].left].parent = x
	}
	s.nodes[y].parent = s.nodes[x].parent
	if s.nodes[x].parent == nilIdx {
		s.root = y
	} else if s.nodes[s.nodes[x].parent].left == x {
		s.nodes[s.nodes[x].parent].left = y
	} else {
		s.nodes[s.nodes[x].parent].right = y
	}
	s.nodes[y].left = x
	s.nodes[x].parent = y
}

func (s *Set) rotateRight(x uint32) {
	y := s.nodes[x].left
	s.nodes[x].left = s.nodes[y].right
	if s.nodes[y].right != nilIdx {
		s.nodes[s.nodes[y].right].parent = x
	}
	s.nodes[y].parent = s.nodes[x].parent
	if s.nodes[x].parent == nilIdx {
		s.root = y
	} else if s.nodes[s.nodes[x].parent].right == x {
		s.nodes[s.nodes[x].parent].right = y
	} else {
		s.nodes[s.nodes[x].parent].left = y
	}
	s.nodes[y].right = x
	s.nodes[x].parent = y
}

func (s *Set) isRed(idx uint32) bool {
	return idx != nilIdx && s.nodes[idx].color == red
}

func (s *Set) insertFixup(z uint32) {
	for s.isRed(s.nodes[z].parent) {
		p := s.nodes[z].parent
		gp := s.nodes[p].parent

		if p == s.nodes[gp].left {
			u := s.nodes[gp].right
			if s.isRed(u) {
				s.nodes[p].color = black
				s.nodes[u].color = black
				s.nodes[gp].color = red
				z = gp
				continue
			}
			if z == s.nodes[p].right {
				z = p
				s.rotateLeft(z)
				p = s.nodes[z].parent
				gp = s.nodes[p].parent
			}
			s.nodes[p].color = black
			s.nodes[gp].color = red
			s.rotateRight(gp)
		} else {
			u := s.nodes[gp].left
			if s.isRed(u) {
				s.nodes[p].color = black
				s.nodes[u].color = black
				s.nodes[gp].color = red
				z = gp
				continue
			}
			if z == s.nodes[p].left {
				z = p
				s.rotateRight(z)
				p = s.nodes[z].parent
				gp = s.nodes[p].parent
			}
			s.nodes[p].color = black
			s.nodes[gp].color = red
			s.rotateLeft(gp)
		}
	}
	s.nodes[s.root].color = black
}

// deleteNode removes idx from the tree with full red-black rebalancing.
func (s *Set) deleteNode(idx uint32) {
	n := s.nodes[idx]

	if n.left != nilIdx && n.right != nilIdx {
		suc := s.min(n.right)
		s.nodes[idx].rng = s.nodes[suc].rng
		s.deleteNode(suc)
		return
	}

	var child uint32
	if n.left != nilIdx {
		child = n.left
	} else {
		child = n.right
	}

	parent := n.parent
	removedColor := n.color
	s.transplant(idx, child)
	s.size--
	s.freeNode(idx)

	if removedColor == black {
		s.deleteFixup(child, parent)
	}
}

// deleteFixup restores the red-black invariants after removing a black
// node, starting at x (the node that replaced it, possibly nilIdx) whose
// real parent is parent. x's own parent pointer is only trustworthy once x
// is no longer nilIdx, so parent is threaded explicitly rather than read
// from the (possibly absent) node at x — there is no sentinel NIL node in
// the arena to hang a parent pointer off of.
func (s *Set) deleteFixup(x, parent uint32) {
	for x != s.root && !s.isRed(x) {
		if x != nilIdx {
			parent = s.nodes[x].parent
		}
		if parent == nilIdx {
			break
		}

		if x == s.nodes[parent].left {
			w := s.nodes[parent].right
			if s.isRed(w) {
				s.nodes[w].color = black
				s.nodes[parent].color = red
				s.rotateLeft(parent)
				w = s.nodes[parent].right
			}
			if !s.isRed(s.nodes[w].left) && !s.isRed(s.nodes[w].right) {
				s.nodes[w].color = red
				x = parent
				continue
			}
			if !s.isRed(s.nodes[w].right) {
				if s.nodes[w].left != nilIdx {
					s.nodes[s.nodes[w].left].color = black
				}
				s.nodes[w].color = red
				s.rotateRight(w)
				w = s.nodes[parent].right
			}
			s.nodes[w].color = s.nodes[parent].color
			s.nodes[parent].color = black
			if s.nodes[w].right != nilIdx {
				s.nodes[s.nodes[w].right].color = black
			}
			s.rotateLeft(parent)
			x = s.root
		} else {
			w := s.nodes[parent].left
			if s.isRed(w) {
				s.nodes[w].color = black
				s.nodes[parent].color = red
				s.rotateRight(parent)
				w = s.nodes[parent].left
			}
			if !s.isRed(s.nodes[w].right) && !s.isRed(s.nodes[w].left) {
				s.nodes[w].color = red
				x = parent
				continue
			}
			if !s.isRed(s.nodes[w].left) {
				if s.nodes[w].right != nilIdx {
					s.nodes[s.nodes[w].right].color = black
				}
				s.nodes[w].color = red
				s.rotateLeft(w)
				w = s.nodes[parent].left
			}
			s.nodes[w].color = s.nodes[parent].color
			s.nodes[parent].color = black
			if s.nodes[w].left != nilIdx {
				s.nodes[s.nodes[w].left].color = black
			}
			s.rotateRight(parent)
			x = s.root
		}
	}
	if x != nilIdx {
		s.nodes[x].color = black
	}
}
