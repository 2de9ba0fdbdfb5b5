//go:build linux

package iommu

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers and argument layouts from linux/vfio.h. All vfio ioctls are
// plain _IO numbers off base 0x3b64 (';', 100); argument sizes travel in the
// leading argsz field instead of the ioctl number.
const (
	vfioGetAPIVersion       = 0x3b64
	vfioCheckExtension      = 0x3b65
	vfioSetIOMMU            = 0x3b66
	vfioGroupGetStatus      = 0x3b67
	vfioGroupSetContainer   = 0x3b68
	vfioGroupUnsetContainer = 0x3b69
	vfioGroupGetDeviceFD    = 0x3b6a
	vfioDeviceGetInfo       = 0x3b6b
	vfioDeviceGetRegionInfo = 0x3b6c
	vfioDeviceGetIRQInfo    = 0x3b6d
	vfioDeviceSetIRQs       = 0x3b6e
	vfioDeviceReset         = 0x3b6f
	vfioIOMMUGetInfo        = 0x3b70
	vfioIOMMUMapDMA         = 0x3b71
	vfioIOMMUUnmapDMA       = 0x3b72

	vfioDeviceBindIOMMUFD     = 0x3b76
	vfioDeviceAttachIOMMUFDPt = 0x3b77
)

const (
	vfioAPIVersion = 0
	vfioType1IOMMU = 1

	vfioGroupFlagsViable = 1 << 0

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1

	vfioIOMMUInfoFlagCaps = 1 << 1

	vfioIOMMUCapIOVARange = 1

	vfioIRQSetDataNone      = 1 << 0
	vfioIRQSetDataEventfd   = 1 << 2
	vfioIRQSetActionTrigger = 1 << 5

	vfioPCIMSIXIRQIndex = 2
)

type vfioGroupStatus struct {
	Argsz uint32
	Flags uint32
}

type vfioIOMMUInfo struct {
	Argsz       uint32
	Flags       uint32
	IovaPgsizes uint64
	CapOffset   uint32
	Pad         uint32
}

type vfioCapHeader struct {
	ID      uint16
	Version uint16
	Next    uint32
}

type vfioDMAMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

type vfioDMAUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

type vfioIRQSetHeader struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// iommufd ioctls from linux/iommufd.h, base 0x3b80 on the same ioctl type.
const (
	iommuIOASAlloc      = 0x3b81
	iommuIOASIOVARanges = 0x3b84
	iommuIOASMap        = 0x3b85
	iommuIOASUnmap      = 0x3b86
)

const (
	iommuIOASMapFlagFixedIOVA = 1 << 0
	iommuIOASMapFlagWriteable = 1 << 1
	iommuIOASMapFlagReadable  = 1 << 2
)

type iommuIOASAllocArgs struct {
	Size      uint32
	Flags     uint32
	OutIoasID uint32
}

type iommuIOASIOVARangesArgs struct {
	Size             uint32
	IoasID           uint32
	NumIovas         uint32
	Rsvd             uint32
	AllowedIovas     uint64
	OutIovaAlignment uint64
}

type iommuIOASMapArgs struct {
	Size     uint32
	Flags    uint32
	IoasID   uint32
	Reserved uint32
	UserVA   uint64
	Length   uint64
	IOVA     uint64
}

type iommuIOASUnmapArgs struct {
	Size   uint32
	IoasID uint32
	IOVA   uint64
	Length uint64
}

type vfioBindIOMMUFD struct {
	Argsz    uint32
	Flags    uint32
	IOMMUFD  int32
	OutDevID uint32
}

type vfioAttachIOMMUFDPt struct {
	Argsz uint32
	Flags uint32
	PtID  uint32
}

func ioctl(fd int, req uint, arg unsafe.Pointer) (int, error) {
	r, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

func ioctlInt(fd int, req uint, arg uintptr) (int, error) {
	r, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}
