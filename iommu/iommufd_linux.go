//go:build linux

package iommu

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/basalt-io/unvme/iova"
)

// iommufdBackend drives the modern flow: one /dev/iommu control descriptor,
// an allocated I/O address space (ioas), and devices bound directly by their
// vfio character device.
type iommufdBackend struct {
	l *logrus.Logger

	iommufd int
	device  int
	ioasID  uint32
}

func newIOMMUFDBackend(l *logrus.Logger) *iommufdBackend {
	return &iommufdBackend{l: l, iommufd: -1, device: -1}
}

func (b *iommufdBackend) Name() string { return "iommufd" }

func (b *iommufdBackend) Open() error {
	fd, err := unix.Open("/dev/iommu", unix.O_RDWR, 0)
	if err != nil {
		return &BackendError{Op: "open iommufd", Err: err}
	}

	alloc := iommuIOASAllocArgs{Size: uint32(unsafe.Sizeof(iommuIOASAllocArgs{}))}
	if _, err := ioctl(fd, iommuIOASAlloc, unsafe.Pointer(&alloc)); err != nil {
		unix.Close(fd)
		return &BackendError{Op: "ioas alloc", Err: err}
	}

	b.iommufd = fd
	b.ioasID = alloc.OutIoasID
	return nil
}

func (b *iommufdBackend) Close() error {
	for _, fd := range []*int{&b.device, &b.iommufd} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	return nil
}

// deviceCdev resolves the vfio character device for a PCI device from its
// vfio-dev sysfs directory.
func deviceCdev(bdf string) (string, error) {
	dir := fmt.Sprintf("/sys/bus/pci/devices/%s/vfio-dev", bdf)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if len(e.Name()) > 4 && e.Name()[:4] == "vfio" {
			return filepath.Join("/dev/vfio/devices", e.Name()), nil
		}
	}

	return "", fmt.Errorf("no vfio cdev under %s", dir)
}

func (b *iommufdBackend) OpenDevice(bdf string) (int, error) {
	path, err := deviceCdev(bdf)
	if err != nil {
		return -1, &BackendError{Op: "resolve cdev", Err: err}
	}

	devfd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, &BackendError{Op: "open cdev", Err: err}
	}

	bind := vfioBindIOMMUFD{
		Argsz:   uint32(unsafe.Sizeof(vfioBindIOMMUFD{})),
		IOMMUFD: int32(b.iommufd),
	}
	if _, err := ioctl(devfd, vfioDeviceBindIOMMUFD, unsafe.Pointer(&bind)); err != nil {
		unix.Close(devfd)
		return -1, &BackendError{Op: "bind iommufd", Err: err}
	}

	attach := vfioAttachIOMMUFDPt{
		Argsz: uint32(unsafe.Sizeof(vfioAttachIOMMUFDPt{})),
		PtID:  b.ioasID,
	}
	if _, err := ioctl(devfd, vfioDeviceAttachIOMMUFDPt, unsafe.Pointer(&attach)); err != nil {
		unix.Close(devfd)
		return -1, &BackendError{Op: "attach ioas", Err: err}
	}

	b.device = devfd
	return devfd, nil
}

func (b *iommufdBackend) MapDMA(vaddr uintptr, iova uint64, length uint64) error {
	m := iommuIOASMapArgs{
		Size:   uint32(unsafe.Sizeof(iommuIOASMapArgs{})),
		Flags:  iommuIOASMapFlagFixedIOVA | iommuIOASMapFlagReadable | iommuIOASMapFlagWriteable,
		IoasID: b.ioasID,
		UserVA: uint64(vaddr),
		Length: length,
		IOVA:   iova,
	}

	if _, err := ioctl(b.iommufd, iommuIOASMap, unsafe.Pointer(&m)); err != nil {
		return &BackendError{Op: "ioas map", Err: err}
	}

	return nil
}

func (b *iommufdBackend) UnmapDMA(iova uint64, length uint64) error {
	u := iommuIOASUnmapArgs{
		Size:   uint32(unsafe.Sizeof(iommuIOASUnmapArgs{})),
		IoasID: b.ioasID,
		IOVA:   iova,
		Length: length,
	}

	if _, err := ioctl(b.iommufd, iommuIOASUnmap, unsafe.Pointer(&u)); err != nil {
		return &BackendError{Op: "ioas unmap", Err: err}
	}

	return nil
}

// IOVARanges runs the two-phase ranges ioctl: the first call reports how many
// ranges exist (failing with EMSGSIZE), the second fills a buffer that size.
func (b *iommufdBackend) IOVARanges() ([]iova.Range, error) {
	args := iommuIOASIOVARangesArgs{
		Size:   uint32(unsafe.Sizeof(iommuIOASIOVARangesArgs{})),
		IoasID: b.ioasID,
	}

	if _, err := ioctl(b.iommufd, iommuIOASIOVARanges, unsafe.Pointer(&args)); err != nil {
		if err != unix.EMSGSIZE {
			return nil, &BackendError{Op: "ioas iova ranges", Err: err}
		}

		ranges := make([]iova.Range, args.NumIovas)
		if len(ranges) > 0 {
			args.AllowedIovas = uint64(uintptr(unsafe.Pointer(&ranges[0])))
		}

		if _, err := ioctl(b.iommufd, iommuIOASIOVARanges, unsafe.Pointer(&args)); err != nil {
			return nil, &BackendError{Op: "ioas iova ranges", Err: err}
		}
		runtime.KeepAlive(ranges)

		return ranges, nil
	}

	return nil, nil
}

func (b *iommufdBackend) ResetDevice() error {
	if b.device < 0 {
		return ErrUnsupported
	}

	if _, err := ioctlInt(b.device, vfioDeviceReset, 0); err != nil {
		return &BackendError{Op: "device reset", Err: err}
	}

	return nil
}

func (b *iommufdBackend) SetIRQs(eventfds []int32) error {
	if b.device < 0 {
		return ErrUnsupported
	}

	return setIRQs(b.device, eventfds)
}

func (b *iommufdBackend) DisableIRQs() error {
	if b.device < 0 {
		return ErrUnsupported
	}

	return disableIRQs(b.device)
}
