package unvme

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RQ is a request slot: a preallocated command identifier, a page-sized prp
// list buffer, and an opaque pointer carried from submission to completion.
// Slots are drawn from the submission queue's free list and returned after
// their completion is consumed.
//
// A slot whose wait timed out is orphaned: it stays off the free list, with
// its cid reserved, until a belated completion carrying that cid drains it.
type RQ struct {
	sq  *SQ
	cid uint16

	page     []byte
	pageIOVA uint64

	Opaque any

	orphaned atomic.Bool
	next     *RQ
}

// CID returns the slot's command identifier.
func (rq *RQ) CID() uint16 {
	return rq.cid
}

func (rq *RQ) prpList() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&rq.page[0])), len(rq.page)/8)
}

// MapPRP writes the data pointer fields of cmd so the device can dma length
// bytes starting at iova. Transfers within one page use PRP1 alone; up to two
// pages use PRP1+PRP2; anything larger points PRP2 at the slot's prp list.
func (rq *RQ) MapPRP(cmd *Command, iova uint64, length uint64) error {
	shift := rq.sq.pageShift
	pageSize := uint64(1) << shift

	cmd.PRP1 = iova

	// count every page the transfer touches, including the partial first
	// page of an unaligned buffer; align the iova down so the list fill
	// below can step in whole pages
	prpcount := int((iova&(pageSize-1) + length + pageSize - 1) >> shift)
	iova &^= pageSize - 1

	if prpcount > rq.sq.maxPRPs {
		return fmt.Errorf("%d prps exceed the slot list capacity %d: %w",
			prpcount, rq.sq.maxPRPs, ErrInvalid)
	}

	list := rq.prpList()
	for i := 1; i < prpcount; i++ {
		list[i-1] = iova + uint64(i)<<shift
	}

	switch {
	case prpcount > 2:
		cmd.PRP2 = rq.pageIOVA
	case prpcount == 2:
		cmd.PRP2 = list[0]
	default:
		cmd.PRP2 = 0
	}

	return nil
}
