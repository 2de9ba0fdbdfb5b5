package unvme

import (
	"fmt"
	"unsafe"
)

// Controller register offsets within BAR0. Doorbells start at regDoorbells;
// each queue has an SQ tail and a CQ head doorbell, and consecutive doorbell
// registers are 4 << CAP.DSTRD apart.
const (
	regCAP  = 0x00 // controller capabilities (R)
	regVS   = 0x08 // version (R)
	regCC   = 0x14 // controller configuration (RW)
	regCSTS = 0x1c // controller status (R)
	regAQA  = 0x24 // admin queue attributes (RW)
	regASQ  = 0x28 // admin submission queue base (RW)
	regACQ  = 0x30 // admin completion queue base (RW)

	regDoorbells = 0x1000
)

const (
	sqeShift = 6 // 64-byte submission entries
	cqeShift = 4 // 16-byte completion entries

	adminQueueID   = 0
	adminQueueSize = 32

	// cidAER tags asynchronous event requests so their cids never collide
	// with the request pool.
	cidAER = 1 << 15
)

// Admin opcodes used by the session layer.
const (
	opAdminDeleteSQ    = 0x00
	opAdminCreateSQ    = 0x01
	opAdminDeleteCQ    = 0x04
	opAdminCreateCQ    = 0x05
	opAdminIdentify    = 0x06
	opAdminSetFeatures = 0x09
	opAdminAsyncEvent  = 0x0c
)

const (
	featNumQueues = 0x07

	// queue is physically contiguous
	queueFlagPC = 1 << 0
)

func capMQES(cap uint64) uint32   { return uint32(cap&0xffff) + 1 }
func capTO(cap uint64) uint64     { return cap >> 24 & 0xff }
func capDSTRD(cap uint64) uint8   { return uint8(cap >> 32 & 0xf) }
func capCSS(cap uint64) uint8     { return uint8(cap >> 37 & 0xff) }
func capMPSMIN(cap uint64) uint64 { return cap >> 48 & 0xf }

const (
	capCSSAdmin = 1 << 7
	capCSSCSI   = 1 << 6
)

const (
	ccEnable = 1 << 0

	ccCSSNVM   = 0x0
	ccCSSCSI   = 0x6
	ccCSSAdmin = 0x7

	ccShiftCSS    = 4
	ccShiftMPS    = 7
	ccShiftIOSQES = 16
	ccShiftIOCQES = 20
)

const cstsReady = 1 << 0

// Command is a 64-byte submission queue entry. Field values are stored in the
// ring verbatim; like the controller this package assumes a little-endian
// host.
type Command struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	Cdw2   uint32
	Cdw3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	Cdw10  uint32
	Cdw11  uint32
	Cdw12  uint32
	Cdw13  uint32
	Cdw14  uint32
	Cdw15  uint32
}

// CQE is a 16-byte completion queue entry. The low bit of SFP is the phase,
// the remaining 15 bits are the status field.
type CQE struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	SFP    uint16
}

// Status returns the 15-bit status field; zero means success.
func (c *CQE) Status() uint16 {
	return c.SFP >> 1
}

// Phase returns the phase bit.
func (c *CQE) Phase() uint8 {
	return uint8(c.SFP & 1)
}

func init() {
	// ABI sizes the controller depends on; a mismatch means a struct edit
	// broke the wire layout
	if sz := unsafe.Sizeof(Command{}); sz != 1<<sqeShift {
		panic(fmt.Sprintf("sqe size mismatch: expected %d, got %d", 1<<sqeShift, sz))
	}
	if sz := unsafe.Sizeof(CQE{}); sz != 1<<cqeShift {
		panic(fmt.Sprintf("cqe size mismatch: expected %d, got %d", 1<<cqeShift, sz))
	}
}
