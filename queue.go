package unvme

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// CQ is a completion queue: a ring of 16-byte entries the controller fills
// and the host consumes. The phase bit distinguishes new entries from stale
// ones; it starts at 1 and the expectation flips every time the head wraps.
type CQ struct {
	l *logrus.Logger

	mem  []byte
	iova uint64

	id    int
	head  uint32
	qsize uint32
	phase uint8

	doorbell *uint32
}

func newCQ(l *logrus.Logger, id int, qsize uint32, mem []byte, iova uint64, db *uint32) *CQ {
	return &CQ{
		l:        l,
		mem:      mem,
		iova:     iova,
		id:       id,
		qsize:    qsize,
		phase:    1,
		doorbell: db,
	}
}

// PollOne consumes the completion at the head, if there is one. An empty
// queue returns false without touching the doorbell.
func (cq *CQ) PollOne() (CQE, bool) {
	off := int(cq.head) << cqeShift

	// the atomic load of the status word orders the reads of the rest of
	// the entry behind the phase check
	word3 := atomic.LoadUint32((*uint32)(unsafe.Pointer(&cq.mem[off+12])))
	if uint8(word3>>16)&1 != cq.phase {
		return CQE{}, false
	}

	word2 := mmioRead32(cq.mem, off+8)

	cqe := CQE{
		DW0:    mmioRead32(cq.mem, off),
		DW1:    mmioRead32(cq.mem, off+4),
		SQHead: uint16(word2),
		SQID:   uint16(word2 >> 16),
		CID:    uint16(word3),
		SFP:    uint16(word3 >> 16),
	}

	cq.head++
	if cq.head == cq.qsize {
		cq.head = 0
		cq.phase ^= 1
	}

	atomic.StoreUint32(cq.doorbell, cq.head)

	return cqe, true
}

// SQ is a submission queue: a ring of 64-byte entries, its doorbell, and the
// pool of request slots that bounds how many commands can be in flight. The
// pool holds qsize-1 slots; the reserved entry keeps head==tail meaning
// empty.
type SQ struct {
	l  *logrus.Logger
	cq *CQ

	mem  []byte
	iova uint64

	id          int
	tail, ptail uint32
	qsize       uint32

	doorbell *uint32

	pageShift uint
	maxPRPs   int

	// postMu serializes ring writes; slot acquisition is lock-free
	postMu sync.Mutex

	rqs     []RQ
	top     atomic.Pointer[RQ]
	orphans atomic.Int64

	prpPages []byte
	prpIOVA  uint64

	// aer receives completions whose cid carries the aer tag; only set on
	// the admin queue
	aer func(CQE)

	submitted metrics.Counter
	completed metrics.Counter
	spurious  metrics.Counter
	timeouts  metrics.Counter
}

func newSQ(l *logrus.Logger, id int, qsize uint32, mem []byte, iova uint64,
	prpPages []byte, prpIOVA uint64, db *uint32, cq *CQ, pageShift uint) *SQ {

	sq := &SQ{
		l:         l,
		cq:        cq,
		mem:       mem,
		iova:      iova,
		id:        id,
		qsize:     qsize,
		doorbell:  db,
		pageShift: pageShift,
		maxPRPs:   1<<(pageShift-3) + 1,
		prpPages:  prpPages,
		prpIOVA:   prpIOVA,
		submitted: metrics.GetOrRegisterCounter("nvme.commands.submitted", nil),
		completed: metrics.GetOrRegisterCounter("nvme.commands.completed", nil),
		spurious:  metrics.GetOrRegisterCounter("nvme.cqe.spurious", nil),
		timeouts:  metrics.GetOrRegisterCounter("nvme.wait.timeouts", nil),
	}

	pageSize := 1 << pageShift

	sq.rqs = make([]RQ, qsize-1)
	for i := range sq.rqs {
		rq := &sq.rqs[i]
		rq.sq = sq
		rq.cid = uint16(i)
		rq.page = prpPages[i*pageSize : (i+1)*pageSize]
		rq.pageIOVA = prpIOVA + uint64(i*pageSize)

		rq.next = sq.top.Load()
		sq.top.Store(rq)
	}

	return sq
}

// Acquire pops a request slot off the free list, or fails with ErrBusy when
// every slot is in flight.
func (sq *SQ) Acquire() (*RQ, error) {
	for {
		rq := sq.top.Load()
		if rq == nil {
			return nil, ErrBusy
		}
		if sq.top.CompareAndSwap(rq, rq.next) {
			rq.next = nil
			return rq, nil
		}
	}
}

// AcquireWait blocks until a slot is free.
func (sq *SQ) AcquireWait() *RQ {
	for {
		rq, err := sq.Acquire()
		if err == nil {
			return rq
		}
		runtime.Gosched()
	}
}

// Release returns a consumed slot to the free list.
func (sq *SQ) Release(rq *RQ) {
	rq.Opaque = nil
	for {
		top := sq.top.Load()
		rq.next = top
		if sq.top.CompareAndSwap(top, rq) {
			return
		}
	}
}

func (sq *SQ) post(cmd *Command) {
	*(*Command)(unsafe.Pointer(&sq.mem[int(sq.tail)<<sqeShift])) = *cmd

	sq.tail++
	if sq.tail == sq.qsize {
		sq.tail = 0
	}
}

// Ring writes the tail to the doorbell if it moved since the last write. The
// atomic store is the release barrier that keeps the device from reading a
// partially written entry.
func (sq *SQ) Ring() {
	if sq.tail == sq.ptail {
		return
	}

	atomic.StoreUint32(sq.doorbell, sq.tail)
	sq.ptail = sq.tail
}

func (sq *SQ) exec(cmd *Command) {
	sq.postMu.Lock()
	sq.post(cmd)
	sq.Ring()
	sq.postMu.Unlock()
}

// Submit stamps the slot's cid into cmd, writes it to the ring and rings the
// doorbell.
func (sq *SQ) Submit(rq *RQ, cmd *Command) {
	cmd.CID = rq.cid
	sq.exec(cmd)
	sq.submitted.Inc(1)
}

// WaitOne polls the completion queue until the completion for rq arrives. A
// completion carrying another live slot's cid is spurious and absorbed; one
// carrying an orphaned cid drains that orphan back to the free list. When
// timeout elapses first, rq becomes orphaned and ErrTimeout is returned. A
// negative timeout waits forever.
//
// A completion the controller failed returns the cqe along with a
// StatusError preserving the status field.
func (sq *SQ) WaitOne(rq *RQ, timeout time.Duration) (CQE, error) {
	deadline := time.Now().Add(timeout)

	for {
		cqe, ok := sq.cq.PollOne()
		if !ok {
			if timeout >= 0 && !time.Now().Before(deadline) {
				rq.orphaned.Store(true)
				sq.orphans.Add(1)
				sq.timeouts.Inc(1)
				return CQE{}, ErrTimeout
			}
			runtime.Gosched()
			continue
		}

		if cqe.CID&cidAER != 0 && sq.aer != nil {
			sq.aer(cqe)
			continue
		}

		if cqe.CID != rq.cid {
			sq.reapUnmatched(cqe)
			continue
		}

		sq.completed.Inc(1)
		return cqe, cqeError(&cqe)
	}
}

// reapUnmatched handles a completion whose cid does not belong to the waiting
// slot: a belated completion for an orphan frees that slot, anything else is
// logged and dropped.
func (sq *SQ) reapUnmatched(cqe CQE) {
	if other := sq.rqFromCID(cqe.CID); other != nil && other.orphaned.CompareAndSwap(true, false) {
		sq.orphans.Add(-1)
		sq.Release(other)
		sq.l.WithFields(logrus.Fields{"cq": sq.cq.id, "cid": cqe.CID}).
			Debug("belated completion drained orphaned slot")
		return
	}

	sq.spurious.Inc(1)
	sq.l.WithFields(logrus.Fields{"cq": sq.cq.id, "cid": cqe.CID}).Error("spurious cqe")
}

func (sq *SQ) rqFromCID(cid uint16) *RQ {
	cid &^= cidAER
	if int(cid) >= len(sq.rqs) {
		return nil
	}
	return &sq.rqs[cid]
}

// QueuePair couples a submission queue with its completion queue.
type QueuePair struct {
	SQ *SQ
	CQ *CQ
}

// check fails with ErrBusy while slots are orphaned; the controller must be
// reset (draining them) before the pair can be torn down.
func (qp *QueuePair) check() error {
	if qp.SQ != nil && qp.SQ.orphans.Load() != 0 {
		return ErrBusy
	}
	return nil
}
