package unvme

import (
	"math/bits"
	"os"
)

// Runtime carries host facts derived once before any controller or context is
// constructed, instead of living in process globals.
type Runtime struct {
	PageSize  uint64
	PageShift uint
}

func NewRuntime() Runtime {
	ps := uint64(os.Getpagesize())
	return Runtime{
		PageSize:  ps,
		PageShift: uint(bits.TrailingZeros64(ps)),
	}
}
