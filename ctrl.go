package unvme

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/basalt-io/unvme/iommu"
	"github.com/basalt-io/unvme/util"
)

// Options configure a controller session.
type Options struct {
	// SQRequested and CQRequested are the number of I/O queues to ask the
	// controller for, as zeroes-based values (the admin queue is not
	// counted).
	SQRequested int
	CQRequested int

	// Administrative skips I/O queue negotiation for controllers that
	// only implement the admin command set.
	Administrative bool

	// Timeout bounds every one-shot admin command.
	Timeout time.Duration
}

func defaultOptions() Options {
	return Options{
		SQRequested: 63,
		CQRequested: 63,
		Timeout:     5 * time.Second,
	}
}

// Controller is a session with one NVMe controller: the admin queue pair,
// any I/O queue pairs created on it, and the mapped register BAR. The caller
// binds the device and maps BAR0; the session owns everything built on top.
type Controller struct {
	l   *logrus.Logger
	ctx *iommu.Context
	rt  Runtime

	bar   []byte
	dstrd uint8

	opts Options

	sqs []*SQ
	cqs []*CQ

	admin QueuePair

	nsqa, ncqa uint16
}

func bufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// NewController wraps a mapped BAR0. bar must cover the register page and
// the doorbell region.
func NewController(l *logrus.Logger, ctx *iommu.Context, rt Runtime, bar []byte, opts *Options) (*Controller, error) {
	if len(bar) < 2*regDoorbells {
		return nil, fmt.Errorf("bar too small (%d bytes): %w", len(bar), ErrInvalid)
	}

	c := &Controller{
		l:    l,
		ctx:  ctx,
		rt:   rt,
		bar:  bar,
		opts: defaultOptions(),
	}
	if opts != nil {
		c.opts = *opts
		if c.opts.Timeout == 0 {
			c.opts.Timeout = defaultOptions().Timeout
		}
	}

	cap := mmioRead64(bar, regCAP)
	if uint64(1)<<(12+capMPSMIN(cap)) > rt.PageSize {
		return nil, fmt.Errorf("controller minimum page size exceeds host pages: %w", ErrInvalid)
	}
	c.dstrd = capDSTRD(cap)

	return c, nil
}

// Init resets the controller, brings up the admin queue pair, enables the
// controller and negotiates the number of I/O queues.
func (c *Controller) Init() error {
	if err := c.Reset(); err != nil {
		return err
	}

	c.sqs = make([]*SQ, c.opts.SQRequested+2)
	c.cqs = make([]*CQ, c.opts.CQRequested+2)

	if err := c.configureAdminQueues(); err != nil {
		return util.ContextualizeIfNeeded("failed to configure admin queue pair", err)
	}

	if err := c.Enable(); err != nil {
		return util.NewContextualError("failed to enable controller", nil, err)
	}

	if c.opts.Administrative {
		return nil
	}

	return c.negotiateQueues()
}

func (c *Controller) sqDoorbell(qid int) *uint32 {
	return doorbell(c.bar, regDoorbells+(2*qid)*(4<<c.dstrd))
}

func (c *Controller) cqDoorbell(qid int) *uint32 {
	return doorbell(c.bar, regDoorbells+(2*qid+1)*(4<<c.dstrd))
}

// configureCQ allocates and maps the completion ring for qid.
func (c *Controller) configureCQ(qid int, qsize uint32) error {
	if qsize < 2 {
		return fmt.Errorf("cq size must be at least 2: %w", ErrInvalid)
	}

	mem, err := pgmap(int(qsize)<<cqeShift, c.rt.PageSize)
	if err != nil {
		return err
	}

	iova, err := c.ctx.Map(bufAddr(mem), uint64(len(mem)))
	if err != nil {
		pgunmap(mem)
		return err
	}

	c.cqs[qid] = newCQ(c.l, qid, qsize, mem, iova, c.cqDoorbell(qid))
	return nil
}

// configureSQ allocates and maps the submission ring and the per-slot prp
// pages for qid.
func (c *Controller) configureSQ(qid int, qsize uint32, cq *CQ) error {
	if qsize < 2 {
		return fmt.Errorf("sq size must be at least 2: %w", ErrInvalid)
	}

	prpPages, err := pgmap(int(qsize-1)<<c.rt.PageShift, c.rt.PageSize)
	if err != nil {
		return err
	}

	prpIOVA, err := c.ctx.Map(bufAddr(prpPages), uint64(len(prpPages)))
	if err != nil {
		pgunmap(prpPages)
		return err
	}

	mem, err := pgmap(int(qsize)<<sqeShift, c.rt.PageSize)
	if err != nil {
		c.ctx.Unmap(bufAddr(prpPages))
		pgunmap(prpPages)
		return err
	}

	iova, err := c.ctx.Map(bufAddr(mem), uint64(len(mem)))
	if err != nil {
		pgunmap(mem)
		c.ctx.Unmap(bufAddr(prpPages))
		pgunmap(prpPages)
		return err
	}

	c.sqs[qid] = newSQ(c.l, qid, qsize, mem, iova, prpPages, prpIOVA,
		c.sqDoorbell(qid), cq, c.rt.PageShift)
	return nil
}

func (c *Controller) discardCQ(qid int) {
	cq := c.cqs[qid]
	if cq == nil {
		return
	}

	if err := c.ctx.Unmap(bufAddr(cq.mem)); err != nil {
		c.l.WithError(err).WithField("cq", qid).Error("failed to unmap cq ring")
	}
	pgunmap(cq.mem)

	c.cqs[qid] = nil
}

func (c *Controller) discardSQ(qid int) {
	sq := c.sqs[qid]
	if sq == nil {
		return
	}

	for _, mem := range [][]byte{sq.mem, sq.prpPages} {
		if err := c.ctx.Unmap(bufAddr(mem)); err != nil {
			c.l.WithError(err).WithField("sq", qid).Error("failed to unmap sq memory")
		}
		pgunmap(mem)
	}

	c.sqs[qid] = nil
}

func (c *Controller) configureAdminQueues() error {
	if err := c.configureCQ(adminQueueID, adminQueueSize); err != nil {
		return err
	}

	if err := c.configureSQ(adminQueueID, adminQueueSize, c.cqs[adminQueueID]); err != nil {
		c.discardCQ(adminQueueID)
		return err
	}

	c.admin = QueuePair{SQ: c.sqs[adminQueueID], CQ: c.cqs[adminQueueID]}
	c.admin.SQ.aer = c.aenHandle

	aqa := uint32(adminQueueSize - 1)
	aqa |= aqa << 16

	mmioWrite32(c.bar, regAQA, aqa)
	mmioWrite64HL(c.bar, regASQ, c.admin.SQ.iova)
	mmioWrite64HL(c.bar, regACQ, c.admin.CQ.iova)

	return nil
}

// waitReady polls CSTS.RDY until it matches want, bounded by the timeout the
// controller advertises in CAP.TO (500 ms units).
func (c *Controller) waitReady(want uint32) error {
	cap := mmioRead64(c.bar, regCAP)
	deadline := time.Now().Add(time.Duration(500*(capTO(cap)+1)) * time.Millisecond)

	for mmioRead32(c.bar, regCSTS)&cstsReady != want {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}

	return nil
}

// Enable sets CC and waits for the controller to report ready.
func (c *Controller) Enable() error {
	cap := mmioRead64(c.bar, regCAP)
	css := capCSS(cap)

	cc := uint32(c.rt.PageShift-12) << ccShiftMPS
	cc |= sqeShift << ccShiftIOSQES
	cc |= cqeShift << ccShiftIOCQES

	switch {
	case css&capCSSCSI != 0:
		cc |= ccCSSCSI << ccShiftCSS
	case css&capCSSAdmin != 0:
		cc |= ccCSSAdmin << ccShiftCSS
	default:
		cc |= ccCSSNVM << ccShiftCSS
	}

	cc |= ccEnable

	mmioWrite32(c.bar, regCC, cc)

	return c.waitReady(1)
}

// Reset clears CC.EN and waits for the controller to quiesce. Any orphaned
// request slots drain back to their free lists: the controller will not post
// their completions after a reset.
func (c *Controller) Reset() error {
	cc := mmioRead32(c.bar, regCC)
	mmioWrite32(c.bar, regCC, cc&^ccEnable)

	if err := c.waitReady(0); err != nil {
		return err
	}

	for _, sq := range c.sqs {
		if sq == nil {
			continue
		}
		for i := range sq.rqs {
			rq := &sq.rqs[i]
			if rq.orphaned.CompareAndSwap(true, false) {
				sq.orphans.Add(-1)
				sq.Release(rq)
			}
		}
	}

	return nil
}

// negotiateQueues asks for the configured number of I/O queues and records
// what the controller actually granted.
func (c *Controller) negotiateQueues() error {
	cmd := Command{
		Opcode: opAdminSetFeatures,
		Cdw10:  featNumQueues,
		Cdw11:  uint32(c.opts.SQRequested) | uint32(c.opts.CQRequested)<<16,
	}

	cqe, err := c.Admin(&cmd, nil)
	if err != nil {
		return err
	}

	c.nsqa = min(uint16(c.opts.SQRequested), uint16(cqe.DW0&0xffff))
	c.ncqa = min(uint16(c.opts.CQRequested), uint16(cqe.DW0>>16))

	c.l.WithFields(logrus.Fields{"nsqa": c.nsqa, "ncqa": c.ncqa}).
		Debug("negotiated io queues")

	return nil
}

// Admin runs one admin command to completion. A non-empty buf is mapped
// ephemerally for the command's lifetime; its length must be a multiple of
// the page size. The error from the command survives teardown of the
// mapping.
func (c *Controller) Admin(cmd *Command, buf []byte) (CQE, error) {
	return c.oneshot(c.admin.SQ, cmd, buf)
}

func (c *Controller) oneshot(sq *SQ, cmd *Command, buf []byte) (CQE, error) {
	rq, err := sq.Acquire()
	if err != nil {
		return CQE{}, err
	}

	var iova uint64
	mapped := false

	if len(buf) > 0 {
		iova, err = c.ctx.MapEphemeral(bufAddr(buf), uint64(len(buf)))
		if err != nil {
			sq.Release(rq)
			return CQE{}, err
		}
		mapped = true

		if err := rq.MapPRP(cmd, iova, uint64(len(buf))); err != nil {
			c.ctx.UnmapEphemeral(iova, uint64(len(buf)))
			sq.Release(rq)
			return CQE{}, err
		}
	}

	sq.Submit(rq, cmd)

	cqe, err := sq.WaitOne(rq, c.opts.Timeout)

	if mapped {
		if uerr := c.ctx.UnmapEphemeral(iova, uint64(len(buf))); uerr != nil && err == nil {
			err = uerr
		}
	}

	// a timed-out slot is orphaned; it stays reserved until its
	// completion eventually drains it
	if !errors.Is(err, ErrTimeout) {
		sq.Release(rq)
	}

	return cqe, err
}

// Identify runs an Identify admin command for the given cns/nsid into buf.
func (c *Controller) Identify(cns uint8, nsid uint32, buf []byte) (CQE, error) {
	cmd := Command{
		Opcode: opAdminIdentify,
		NSID:   nsid,
		Cdw10:  uint32(cns),
	}

	return c.Admin(&cmd, buf)
}

// AER submits an Asynchronous Event Request. The slot stays in flight
// indefinitely; when the controller posts the event, handler receives the
// completion and a fresh request is submitted on the same slot.
func (c *Controller) AER(handler func(CQE)) error {
	rq, err := c.admin.SQ.Acquire()
	if err != nil {
		return err
	}

	rq.Opaque = handler

	cmd := Command{Opcode: opAdminAsyncEvent, CID: rq.cid | cidAER}
	c.admin.SQ.exec(&cmd)

	return nil
}

// aenHandle dispatches a completed AER to its handler and rearms the slot.
func (c *Controller) aenHandle(cqe CQE) {
	cqe.CID &^= cidAER

	rq := c.admin.SQ.rqFromCID(cqe.CID)
	if rq == nil {
		c.l.WithField("cid", cqe.CID).Error("aen completion for unknown slot")
		return
	}

	if h, ok := rq.Opaque.(func(CQE)); ok && h != nil {
		h(cqe)
	} else {
		c.l.WithField("dw0", fmt.Sprintf("%#x", cqe.DW0)).Info("unhandled aen")
	}

	cmd := Command{Opcode: opAdminAsyncEvent, CID: rq.cid | cidAER}
	c.admin.SQ.exec(&cmd)
}

// CreateIOCQ configures a completion ring and announces it to the
// controller.
func (c *Controller) CreateIOCQ(qid int, qsize uint32) error {
	if qid < 1 || qid > int(c.ncqa)+1 {
		return fmt.Errorf("cq id %d out of range: %w", qid, ErrInvalid)
	}

	if qsize > capMQES(mmioRead64(c.bar, regCAP)) {
		return fmt.Errorf("qsize %d exceeds controller maximum: %w", qsize, ErrInvalid)
	}

	if err := c.configureCQ(qid, qsize); err != nil {
		return err
	}

	cmd := Command{
		Opcode: opAdminCreateCQ,
		PRP1:   c.cqs[qid].iova,
		Cdw10:  uint32(qid) | (qsize-1)<<16,
		Cdw11:  queueFlagPC,
	}

	if _, err := c.Admin(&cmd, nil); err != nil {
		c.discardCQ(qid)
		return err
	}

	return nil
}

// CreateIOSQ configures a submission ring against an existing completion
// queue and announces it to the controller.
func (c *Controller) CreateIOSQ(qid int, qsize uint32, cq *CQ) error {
	if qid < 1 || qid > int(c.nsqa)+1 {
		return fmt.Errorf("sq id %d out of range: %w", qid, ErrInvalid)
	}

	if err := c.configureSQ(qid, qsize, cq); err != nil {
		return err
	}

	cmd := Command{
		Opcode: opAdminCreateSQ,
		PRP1:   c.sqs[qid].iova,
		Cdw10:  uint32(qid) | (qsize-1)<<16,
		Cdw11:  queueFlagPC | uint32(cq.id)<<16,
	}

	if _, err := c.Admin(&cmd, nil); err != nil {
		c.discardSQ(qid)
		return err
	}

	return nil
}

// CreateIOQPair creates a matched completion/submission pair under one id.
func (c *Controller) CreateIOQPair(qid int, qsize uint32) (QueuePair, error) {
	if err := c.CreateIOCQ(qid, qsize); err != nil {
		return QueuePair{}, err
	}

	if err := c.CreateIOSQ(qid, qsize, c.cqs[qid]); err != nil {
		c.deleteIOCQ(qid)
		return QueuePair{}, err
	}

	return QueuePair{SQ: c.sqs[qid], CQ: c.cqs[qid]}, nil
}

func (c *Controller) deleteIOCQ(qid int) error {
	c.discardCQ(qid)

	cmd := Command{Opcode: opAdminDeleteCQ, Cdw10: uint32(qid)}
	_, err := c.Admin(&cmd, nil)
	return err
}

func (c *Controller) deleteIOSQ(qid int) error {
	qp := QueuePair{SQ: c.sqs[qid]}
	if err := qp.check(); err != nil {
		return err
	}

	c.discardSQ(qid)

	cmd := Command{Opcode: opAdminDeleteSQ, Cdw10: uint32(qid)}
	_, err := c.Admin(&cmd, nil)
	return err
}

// DeleteIOQPair tears down both halves of an I/O queue pair. It fails with
// ErrBusy while the submission queue has orphaned slots; reset the
// controller first.
func (c *Controller) DeleteIOQPair(qid int) error {
	if err := c.deleteIOSQ(qid); err != nil {
		return err
	}

	return c.deleteIOCQ(qid)
}

// QueuePairFor returns the live I/O queue pair for qid.
func (c *Controller) QueuePairFor(qid int) (QueuePair, bool) {
	if qid < 1 || qid >= len(c.sqs) || c.sqs[qid] == nil || c.cqs[qid] == nil {
		return QueuePair{}, false
	}
	return QueuePair{SQ: c.sqs[qid], CQ: c.cqs[qid]}, true
}

// Close releases every queue pair. It fails with ErrBusy if any submission
// queue still has orphaned slots.
func (c *Controller) Close() error {
	for _, sq := range c.sqs {
		if sq != nil && sq.orphans.Load() != 0 {
			return ErrBusy
		}
	}

	for qid := range c.sqs {
		c.discardSQ(qid)
	}
	for qid := range c.cqs {
		c.discardCQ(qid)
	}

	return nil
}
