package iova

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

const skiplistLevels = 8

var (
	ErrInvalid  = errors.New("invalid argument")
	ErrNotFound = errors.New("mapping not found")
	ErrExists   = errors.New("mapping already exists")
	ErrNoSpace  = errors.New("no iova space available")
)

// Mapping associates a virtual address range with the iova it was mapped at.
// The vaddr is an ordering key only, it is never dereferenced here.
type Mapping struct {
	Vaddr uint64
	Len   uint64
	IOVA  uint64

	next [skiplistLevels]*Mapping
}

func (m *Mapping) end() uint64 {
	return m.Vaddr + m.Len
}

// Translate returns the iova for an address inside the mapping.
func (m *Mapping) Translate(vaddr uint64) uint64 {
	return m.IOVA + (vaddr - m.Vaddr)
}

// Index is an ordered map over non-overlapping vaddr ranges with expected
// O(log n) lookup. It is a skiplist: each mapping carries one forward link per
// level it occupies, bounded by a head sentinel and a tail entry that sorts
// after every possible key.
type Index struct {
	mu sync.Mutex

	height int
	head   Mapping
	tail   Mapping
}

func NewIndex() *Index {
	x := &Index{}
	x.tail.Vaddr = math.MaxUint64
	for k := 0; k < skiplistLevels; k++ {
		x.head.next[k] = &x.tail
	}
	return x
}

// findPath descends from the top level, recording at each level the last
// mapping that still ends at or before vaddr. The recorded path is what
// insert and remove splice against.
func (x *Index) findPath(vaddr uint64, path *[skiplistLevels]*Mapping) *Mapping {
	p := &x.head
	for k := x.height; k >= 0; k-- {
		next := p.next[k]
		for next != &x.tail && vaddr >= next.end() {
			p = next
			next = p.next[k]
		}
		if path != nil {
			path[k] = p
		}
	}

	p = p.next[0]
	if p != &x.tail && vaddr >= p.Vaddr && vaddr < p.end() {
		return p
	}

	return nil
}

func randomLevel() int {
	k := 0
	for k < skiplistLevels-1 && rand.Intn(2) == 1 {
		k++
	}
	return k
}

// Insert adds a mapping for [vaddr, vaddr+length). It fails with ErrExists if
// any existing mapping contains vaddr and ErrInvalid if length is zero.
func (x *Index) Insert(vaddr, length, iova uint64) error {
	if length == 0 {
		return ErrInvalid
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var path [skiplistLevels]*Mapping
	if x.findPath(vaddr, &path) != nil {
		return ErrExists
	}

	m := &Mapping{Vaddr: vaddr, Len: length, IOVA: iova}

	k := randomLevel()
	if k > x.height {
		x.height++
		k = x.height
		path[k] = &x.head
	}

	for ; k >= 0; k-- {
		m.next[k] = path[k].next[k]
		path[k].next[k] = m
	}

	return nil
}

// Remove erases the mapping containing vaddr, unlinking it bottom-up and
// shrinking the height while the top level is empty.
func (x *Index) Remove(vaddr uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var path [skiplistLevels]*Mapping
	m := x.findPath(vaddr, &path)
	if m == nil {
		return ErrNotFound
	}

	for k := 0; k <= x.height; k++ {
		if path[k].next[k] != m {
			break
		}
		path[k].next[k] = m.next[k]
	}

	for x.height > 0 && x.head.next[x.height] == &x.tail {
		x.height--
	}

	return nil
}

// Find returns the mapping containing vaddr, or nil.
func (x *Index) Find(vaddr uint64) *Mapping {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.findPath(vaddr, nil)
}

// Clear removes every mapping, invoking fn (if non-nil) once per mapping
// before it is unlinked.
func (x *Index) Clear(fn func(*Mapping)) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for m := x.head.next[0]; m != &x.tail; m = m.next[0] {
		if fn != nil {
			fn(m)
		}
	}

	for k := 0; k < skiplistLevels; k++ {
		x.head.next[k] = &x.tail
	}
	x.height = 0
}

// Height reports the current top occupied level. Only interesting to tests.
func (x *Index) Height() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.height
}
