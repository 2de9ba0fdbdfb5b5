package iommu

import (
	"errors"
	"fmt"

	"github.com/basalt-io/unvme/iova"
)

// ErrUnsupported is returned when the selected backend lacks a capability,
// such as device reset or eventfd interrupts.
var ErrUnsupported = errors.New("not supported by iommu backend")

// BackendError wraps a failed kernel call, preserving the underlying errno.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("iommu backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Backend is the kernel mechanism providing iommu passthrough for a device.
// Two implementations exist: the legacy vfio group/container flow and the
// modern iommufd character-device flow. Both install and remove dma mappings
// for the address space the device is attached to.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Open acquires the kernel resources backing the address space.
	Open() error

	// Close releases them. The caller is responsible for unmapping first.
	Close() error

	// OpenDevice binds the named PCI device ("bus:device:function") to the
	// address space and returns its descriptor.
	OpenDevice(bdf string) (int, error)

	// MapDMA installs a dma mapping of [vaddr, vaddr+length) at iova.
	MapDMA(vaddr uintptr, iova uint64, length uint64) error

	// UnmapDMA removes the mapping previously installed at iova.
	UnmapDMA(iova uint64, length uint64) error

	// IOVARanges reports the iova ranges the kernel permits for mapping.
	// An empty slice means the kernel did not say.
	IOVARanges() ([]iova.Range, error)

	// ResetDevice issues a function-level reset of the bound device.
	ResetDevice() error

	// SetIRQs wires the device's interrupt vectors to the given eventfds.
	SetIRQs(eventfds []int32) error

	// DisableIRQs tears down interrupt routing.
	DisableIRQs() error
}
