package iommu

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/basalt-io/unvme/iova"
)

// Context brokers virtual address to iova translation for one device address
// space. It owns the index of live sticky mappings, the iova allocator, and
// the kernel backend that actually installs the translations.
//
// The index and allocator each carry their own mutex; neither is ever held
// across a backend call.
type Context struct {
	l *logrus.Logger

	backend Backend
	index   *iova.Index
	alloc   *iova.Allocator

	pageSize uint64
	mappings metrics.Counter
}

// NewContext opens the backend and builds the allocator from the iova ranges
// the kernel permits, falling back to the conservative default when the
// backend reports none.
func NewContext(l *logrus.Logger, backend Backend, pageSize uint64) (*Context, error) {
	if err := backend.Open(); err != nil {
		return nil, err
	}

	ranges, err := backend.IOVARanges()
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &Context{
		l:        l,
		backend:  backend,
		index:    iova.NewIndex(),
		alloc:    iova.NewAllocator(l, pageSize, ranges),
		pageSize: pageSize,
		mappings: metrics.GetOrRegisterCounter("iommu.mappings", nil),
	}, nil
}

// Backend exposes the backend for device-level operations (reset, irqs).
func (c *Context) Backend() Backend {
	return c.backend
}

// Map installs a sticky dma mapping for [vaddr, vaddr+length) and returns its
// iova. If a live mapping already covers the range the existing iova is
// returned; mapping the same buffer twice is not an error.
func (c *Context) Map(vaddr uintptr, length uint64) (uint64, error) {
	if m := c.index.Find(uint64(vaddr)); m != nil && uint64(vaddr)+length <= m.Vaddr+m.Len {
		return m.Translate(uint64(vaddr)), nil
	}

	iova, err := c.alloc.AllocSticky(length)
	if err != nil {
		return 0, err
	}

	if err := c.backend.MapDMA(vaddr, iova, length); err != nil {
		return 0, err
	}

	if err := c.index.Insert(uint64(vaddr), length, iova); err != nil {
		// the kernel mapping is live but unrecorded; take it back out
		if uerr := c.backend.UnmapDMA(iova, length); uerr != nil {
			c.l.WithError(uerr).WithField("iova", iova).
				Error("failed to roll back dma mapping")
		}
		return 0, err
	}

	c.mappings.Inc(1)
	return iova, nil
}

// Unmap removes the sticky mapping containing vaddr. Unmapping an address
// with no mapping succeeds silently.
func (c *Context) Unmap(vaddr uintptr) error {
	m := c.index.Find(uint64(vaddr))
	if m == nil {
		return nil
	}

	if err := c.backend.UnmapDMA(m.IOVA, m.Len); err != nil {
		return err
	}

	if err := c.index.Remove(m.Vaddr); err == nil {
		c.mappings.Dec(1)
	}

	return nil
}

// MapEphemeral installs a dma mapping whose iova is valid only until the
// owning command completes. The mapping is not indexed; the caller holds the
// iova by value and must pair this with UnmapEphemeral.
func (c *Context) MapEphemeral(vaddr uintptr, length uint64) (uint64, error) {
	iova, err := c.alloc.AllocEphemeral(length)
	if err != nil {
		return 0, err
	}

	if err := c.backend.MapDMA(vaddr, iova, length); err != nil {
		c.alloc.ReleaseEphemeral()
		return 0, err
	}

	return iova, nil
}

// UnmapEphemeral removes an ephemeral mapping and releases its iova. The
// release happens even if the kernel unmap fails, so the allocator's
// outstanding count stays honest.
func (c *Context) UnmapEphemeral(iova uint64, length uint64) error {
	err := c.backend.UnmapDMA(iova, length)
	c.alloc.ReleaseEphemeral()
	return err
}

// Translate returns the iova corresponding to vaddr if it lies within a live
// sticky mapping.
func (c *Context) Translate(vaddr uintptr) (uint64, bool) {
	m := c.index.Find(uint64(vaddr))
	if m == nil {
		return 0, false
	}

	return m.Translate(uint64(vaddr)), true
}

// PageSize is the dma mapping granularity for this context.
func (c *Context) PageSize() uint64 {
	return c.pageSize
}

// Close removes every live mapping and releases the backend.
func (c *Context) Close() error {
	var live []*iova.Mapping
	c.index.Clear(func(m *iova.Mapping) {
		live = append(live, m)
	})

	// the kernel unmaps run after Clear has released the index mutex
	for _, m := range live {
		if err := c.backend.UnmapDMA(m.IOVA, m.Len); err != nil {
			c.l.WithError(err).WithFields(logrus.Fields{
				"iova": m.IOVA, "len": m.Len,
			}).Error("failed to unmap dma during teardown")
		}
		c.mappings.Dec(1)
	}

	return c.backend.Close()
}
