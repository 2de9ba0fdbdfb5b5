//go:build linux

package unvme

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-io/unvme/iommu"
	"github.com/basalt-io/unvme/iova"
	"github.com/basalt-io/unvme/test"
)

type memMapping struct {
	vaddr  uintptr
	length uint64
}

// memBackend records dma mappings so the soft device can translate iovas
// back into process memory.
type memBackend struct {
	mu     sync.Mutex
	mapped map[uint64]memMapping
}

func newMemBackend() *memBackend {
	return &memBackend{mapped: map[uint64]memMapping{}}
}

func (b *memBackend) Name() string                       { return "mem" }
func (b *memBackend) Open() error                        { return nil }
func (b *memBackend) Close() error                       { return nil }
func (b *memBackend) OpenDevice(bdf string) (int, error) { return -1, iommu.ErrUnsupported }
func (b *memBackend) IOVARanges() ([]iova.Range, error)  { return nil, nil }
func (b *memBackend) ResetDevice() error                 { return nil }
func (b *memBackend) SetIRQs(eventfds []int32) error     { return iommu.ErrUnsupported }
func (b *memBackend) DisableIRQs() error                 { return iommu.ErrUnsupported }

var _ iommu.Backend = (*memBackend)(nil)

func (b *memBackend) MapDMA(vaddr uintptr, iova uint64, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapped[iova] = memMapping{vaddr: vaddr, length: length}
	return nil
}

func (b *memBackend) UnmapDMA(iova uint64, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mapped, iova)
	return nil
}

func (b *memBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mapped)
}

// slice exposes n bytes of mapped memory at iova, the way the device would
// dma to it.
func (b *memBackend) slice(iova uint64, n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	for base, m := range b.mapped {
		if iova >= base && iova+uint64(n) <= base+m.length {
			off := uintptr(iova - base)
			return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(m.vaddr), off)), n)
		}
	}
	return nil
}

// softDevice emulates just enough of an NVMe controller behind a mapped BAR
// to exercise bring-up and the admin path: the CC/CSTS handshake, the admin
// submission ring, and completions with proper phase bits.
type softDevice struct {
	t       *testing.T
	bar     []byte
	backend *memBackend
	rt      Runtime

	stop chan struct{}
	done chan struct{}

	ready   bool
	asq     uint64
	acq     uint64
	sqHead  uint32
	cqTail  uint32
	cqPhase uint16

	aerCID   atomic.Int32
	dropNext atomic.Bool
}

func newSoftDevice(t *testing.T, bar []byte, backend *memBackend, rt Runtime) *softDevice {
	d := &softDevice{
		t:       t,
		bar:     bar,
		backend: backend,
		rt:      rt,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.aerCID.Store(-1)

	// MQES 1023, CAP.TO 1, DSTRD 0, NVM command set
	putUint64(bar[regCAP:], 0x3ff|1<<24|1<<37)

	t.Cleanup(d.Stop)
	go d.run()

	return d
}

func putUint64(b []byte, v uint64) {
	*(*uint64)(unsafe.Pointer(&b[0])) = v
}

func (d *softDevice) Stop() {
	select {
	case <-d.done:
		return
	default:
		close(d.stop)
		<-d.done
	}
}

func (d *softDevice) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case <-time.After(50 * time.Microsecond):
		}

		cc := mmioRead32(d.bar, regCC)

		if cc&ccEnable != 0 && !d.ready {
			d.asq = mmioRead64(d.bar, regASQ)
			d.acq = mmioRead64(d.bar, regACQ)
			d.sqHead = 0
			d.cqTail = 0
			d.cqPhase = 1
			d.ready = true
			mmioWrite32(d.bar, regCSTS, cstsReady)
		}

		if cc&ccEnable == 0 && d.ready {
			d.ready = false
			mmioWrite32(d.bar, regCSTS, 0)
		}

		if !d.ready {
			continue
		}

		tail := atomic.LoadUint32(doorbell(d.bar, regDoorbells))
		for d.sqHead != tail {
			d.process(d.sqHead)
			d.sqHead++
			if d.sqHead == adminQueueSize {
				d.sqHead = 0
			}
		}
	}
}

func (d *softDevice) process(idx uint32) {
	ring := d.backend.slice(d.asq, adminQueueSize<<sqeShift)
	if ring == nil {
		d.t.Error("admin sq ring is not dma mapped")
		return
	}

	sqe := (*Command)(unsafe.Pointer(&ring[int(idx)<<sqeShift]))
	cqe := CQE{CID: sqe.CID, SQHead: uint16(d.sqHead)}

	switch sqe.Opcode {
	case opAdminSetFeatures:
		if sqe.Cdw10 == featNumQueues {
			cqe.DW0 = sqe.Cdw11
		}

	case opAdminIdentify:
		if d.dropNext.CompareAndSwap(true, false) {
			return
		}
		buf := d.backend.slice(sqe.PRP1, int(d.rt.PageSize))
		if buf == nil {
			d.t.Error("identify buffer is not dma mapped")
			return
		}
		for i := range buf {
			buf[i] = 0xa5
		}

	case opAdminAsyncEvent:
		d.aerCID.Store(int32(sqe.CID))
		return

	case opAdminCreateCQ, opAdminCreateSQ, opAdminDeleteCQ, opAdminDeleteSQ:
		// accepted with status 0
	}

	d.post(cqe)
}

func (d *softDevice) post(cqe CQE) {
	ring := d.backend.slice(d.acq, adminQueueSize<<cqeShift)
	if ring == nil {
		d.t.Error("admin cq ring is not dma mapped")
		return
	}

	off := int(d.cqTail) << cqeShift

	*(*uint32)(unsafe.Pointer(&ring[off])) = cqe.DW0
	*(*uint32)(unsafe.Pointer(&ring[off+4])) = cqe.DW1
	*(*uint32)(unsafe.Pointer(&ring[off+8])) = uint32(cqe.SQHead) | uint32(cqe.SQID)<<16

	sfp := cqe.SFP&^1 | d.cqPhase
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&ring[off+12])),
		uint32(cqe.CID)|uint32(sfp)<<16)

	d.cqTail++
	if d.cqTail == adminQueueSize {
		d.cqTail = 0
		d.cqPhase ^= 1
	}
}

// fireAEN completes the outstanding asynchronous event request.
func (d *softDevice) fireAEN(dw0 uint32) {
	cid := d.aerCID.Swap(-1)
	if cid < 0 {
		d.t.Error("no aer outstanding")
		return
	}
	d.post(CQE{CID: uint16(cid), DW0: dw0})
}

func newTestController(t *testing.T, opts *Options) (*Controller, *softDevice, *memBackend) {
	t.Helper()

	l := test.NewLogger()
	rt := NewRuntime()

	bar := alignedBuf(0x3000)
	backend := newMemBackend()

	ctx, err := iommu.NewContext(l, backend, rt.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	dev := newSoftDevice(t, bar, backend, rt)

	ctrl, err := NewController(l, ctx, rt, bar, opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.Init())
	t.Cleanup(func() { ctrl.Close() })

	return ctrl, dev, backend
}

func TestControllerInitIdentify(t *testing.T) {
	ctrl, _, backend := newTestController(t, &Options{SQRequested: 2, CQRequested: 2})

	// admin cq ring, sq ring and prp pages are sticky mapped
	mappedBefore := backend.count()
	assert.Equal(t, 3, mappedBefore)

	buf, err := pgmap(int(ctrl.rt.PageSize), ctrl.rt.PageSize)
	require.NoError(t, err)
	defer pgunmap(buf)

	cqe, err := ctrl.Identify(1, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), cqe.Status())

	for _, b := range buf {
		require.Equal(t, byte(0xa5), b)
	}

	// the ephemeral data mapping is gone again
	assert.Equal(t, mappedBefore, backend.count())
}

func TestControllerQueueNegotiation(t *testing.T) {
	ctrl, _, _ := newTestController(t, &Options{SQRequested: 2, CQRequested: 3})

	assert.Equal(t, uint16(2), ctrl.nsqa)
	assert.Equal(t, uint16(3), ctrl.ncqa)
}

func TestControllerCreateIOQPair(t *testing.T) {
	ctrl, _, _ := newTestController(t, &Options{SQRequested: 2, CQRequested: 2})

	qp, err := ctrl.CreateIOQPair(1, 64)
	require.NoError(t, err)
	require.NotNil(t, qp.SQ)
	require.NotNil(t, qp.CQ)

	got, ok := ctrl.QueuePairFor(1)
	require.True(t, ok)
	assert.Equal(t, qp, got)

	require.NoError(t, ctrl.DeleteIOQPair(1))

	_, ok = ctrl.QueuePairFor(1)
	assert.False(t, ok)
}

func TestControllerCreateIOQPairInvalid(t *testing.T) {
	ctrl, _, _ := newTestController(t, &Options{SQRequested: 2, CQRequested: 2})

	// qid above the negotiated count
	_, err := ctrl.CreateIOQPair(5, 64)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestControllerAER(t *testing.T) {
	ctrl, dev, _ := newTestController(t, &Options{SQRequested: 2, CQRequested: 2})

	events := make(chan uint32, 1)
	require.NoError(t, ctrl.AER(func(cqe CQE) {
		events <- cqe.DW0
	}))

	// wait until the device has latched the request
	require.Eventually(t, func() bool {
		return dev.aerCID.Load() >= 0
	}, time.Second, time.Millisecond)
	aerCID := dev.aerCID.Load()

	dev.fireAEN(0x10002)

	// the aen completion is dispatched from within the next admin wait
	buf, err := pgmap(int(ctrl.rt.PageSize), ctrl.rt.PageSize)
	require.NoError(t, err)
	defer pgunmap(buf)

	_, err = ctrl.Identify(1, 0, buf)
	require.NoError(t, err)

	select {
	case dw0 := <-events:
		assert.Equal(t, uint32(0x10002), dw0)
	default:
		t.Fatal("aen handler did not run")
	}

	// the slot was rearmed with the same aer-tagged cid
	require.Eventually(t, func() bool {
		return dev.aerCID.Load() == aerCID
	}, time.Second, time.Millisecond)
}

func TestControllerAdminTimeoutAndReset(t *testing.T) {
	ctrl, dev, _ := newTestController(t, &Options{
		SQRequested: 2, CQRequested: 2, Timeout: 20 * time.Millisecond,
	})

	buf, err := pgmap(int(ctrl.rt.PageSize), ctrl.rt.PageSize)
	require.NoError(t, err)
	defer pgunmap(buf)

	dev.dropNext.Store(true)

	_, err = ctrl.Identify(1, 0, buf)
	require.ErrorIs(t, err, ErrTimeout)

	// the orphaned slot blocks teardown
	assert.ErrorIs(t, ctrl.Close(), ErrBusy)

	// a reset drains orphans; teardown is possible again
	require.NoError(t, ctrl.Reset())
	assert.NoError(t, ctrl.Close())
}
