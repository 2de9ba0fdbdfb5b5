package iova

import (
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRangeStart is used when the kernel does not report permitted
	// iova ranges. Staying above 64k avoids iovas that some devices treat
	// as special.
	DefaultRangeStart = 0x10000

	// DefaultRangeLast caps the default range at 39 bits, the smallest
	// address width common across iommu implementations.
	DefaultRangeLast = 1<<39 - 1
)

// Range is an inclusive [Start, Last] region of iova space the kernel permits
// for dma mappings.
type Range struct {
	Start uint64
	Last  uint64
}

// Allocator hands out iovas from a set of permitted ranges with a single bump
// cursor. Sticky allocations stay valid until unmapped. Ephemeral allocations
// are valid for the lifetime of one command; once the last outstanding
// ephemeral is released the cursor rewinds to where the first one started, so
// short-lived command buffers never fragment the sticky space.
type Allocator struct {
	mu     sync.Mutex
	ranges []Range
	next   uint64

	nephemeral  atomic.Int64
	watermark   uint64
	pageSize    uint64
	outstanding metrics.Gauge

	l *logrus.Logger
}

func NewAllocator(l *logrus.Logger, pageSize uint64, ranges []Range) *Allocator {
	if len(ranges) == 0 {
		ranges = []Range{{Start: DefaultRangeStart, Last: DefaultRangeLast}}
	}

	return &Allocator{
		ranges:      ranges,
		pageSize:    pageSize,
		outstanding: metrics.GetOrRegisterGauge("iova.ephemeral.outstanding", nil),
		l:           l,
	}
}

// reserve bumps the cursor past the first range that can hold length bytes.
// Caller holds a.mu.
func (a *Allocator) reserve(length uint64) (uint64, error) {
	if length == 0 || length%a.pageSize != 0 {
		return 0, ErrInvalid
	}

	for i := range a.ranges {
		r := &a.ranges[i]

		if r.Last < a.next {
			continue
		}

		next := a.next
		if next < r.Start {
			next = r.Start
		}

		if next > r.Last || r.Last-next+1 < length {
			continue
		}

		a.next = next + length
		return next, nil
	}

	return 0, ErrNoSpace
}

// AllocSticky reserves an iova that remains valid until the caller unmaps it.
// length must be a multiple of the page size.
func (a *Allocator) AllocSticky(length uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.reserve(length)
}

// AllocEphemeral reserves an iova valid only until the owning command
// completes. The cursor position at the 0->1 transition is remembered so the
// whole ephemeral region can be recycled once every ephemeral is released.
func (a *Allocator) AllocEphemeral(length uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	iova, err := a.reserve(length)
	if err != nil {
		return 0, err
	}

	n := a.nephemeral.Add(1)
	a.outstanding.Update(n)
	if n == 1 {
		a.watermark = iova
	}

	return iova, nil
}

// ReleaseEphemeral drops one outstanding ephemeral. The atomic decrement makes
// sure exactly one of any number of concurrent releasers observes the 1->0
// transition and rewinds the cursor.
func (a *Allocator) ReleaseEphemeral() {
	n := a.nephemeral.Add(-1)
	a.outstanding.Update(n)
	if n > 0 {
		return
	}

	if n < 0 {
		a.l.Error("ephemeral iova released with none outstanding")
		return
	}

	a.mu.Lock()
	a.next = a.watermark
	a.watermark = 0
	a.mu.Unlock()
}

// Ranges returns the permitted ranges the allocator draws from.
func (a *Allocator) Ranges() []Range {
	return a.ranges
}
