//go:build linux

package iommu

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/basalt-io/unvme/iova"
)

// vfioBackend is the legacy group/container flow: a container descriptor
// holds the iommu domain, isolation groups attach to it, and devices are
// opened through their group.
type vfioBackend struct {
	l *logrus.Logger

	container int
	group     int
	device    int

	ranges []iova.Range
}

func newVFIOBackend(l *logrus.Logger) *vfioBackend {
	return &vfioBackend{l: l, container: -1, group: -1, device: -1}
}

func (b *vfioBackend) Name() string { return "vfio" }

func (b *vfioBackend) Open() error {
	fd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return &BackendError{Op: "open container", Err: err}
	}

	v, err := ioctlInt(fd, vfioGetAPIVersion, 0)
	if err != nil || v != vfioAPIVersion {
		unix.Close(fd)
		if err == nil {
			err = fmt.Errorf("api version %d, want %d", v, vfioAPIVersion)
		}
		return &BackendError{Op: "get api version", Err: err}
	}

	ok, err := ioctlInt(fd, vfioCheckExtension, vfioType1IOMMU)
	if err != nil || ok == 0 {
		unix.Close(fd)
		if err == nil {
			err = fmt.Errorf("type 1 iommu not supported")
		}
		return &BackendError{Op: "check extension", Err: err}
	}

	b.container = fd
	return nil
}

func (b *vfioBackend) Close() error {
	for _, fd := range []*int{&b.device, &b.group, &b.container} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	return nil
}

// groupPath resolves the vfio group character device for a PCI device from
// its iommu_group sysfs link.
func groupPath(bdf string) (string, error) {
	link, err := os.Readlink(fmt.Sprintf("/sys/bus/pci/devices/%s/iommu_group", bdf))
	if err != nil {
		return "", err
	}

	return filepath.Join("/dev/vfio", filepath.Base(link)), nil
}

func (b *vfioBackend) OpenDevice(bdf string) (int, error) {
	path, err := groupPath(bdf)
	if err != nil {
		return -1, &BackendError{Op: "resolve group", Err: err}
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, &BackendError{Op: "open group", Err: err}
	}

	status := vfioGroupStatus{Argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if _, err := ioctl(fd, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		unix.Close(fd)
		return -1, &BackendError{Op: "group status", Err: err}
	}

	if status.Flags&vfioGroupFlagsViable == 0 {
		unix.Close(fd)
		return -1, &BackendError{Op: "group status", Err: fmt.Errorf("group %s not viable", path)}
	}

	container := int32(b.container)
	if _, err := ioctl(fd, vfioGroupSetContainer, unsafe.Pointer(&container)); err != nil {
		unix.Close(fd)
		return -1, &BackendError{Op: "set container", Err: err}
	}

	if err := b.configureIOMMU(); err != nil {
		ioctlInt(fd, vfioGroupUnsetContainer, 0)
		unix.Close(fd)
		return -1, err
	}

	b.group = fd

	name := append([]byte(bdf), 0)
	devfd, err := ioctl(fd, vfioGroupGetDeviceFD, unsafe.Pointer(&name[0]))
	runtime.KeepAlive(name)
	if err != nil {
		return -1, &BackendError{Op: "get device fd", Err: err}
	}

	b.device = devfd
	return devfd, nil
}

// configureIOMMU sets the container's iommu type and discovers the permitted
// iova ranges. The info ioctl sizes itself in two phases: the first call
// reports the argsz the capability chain needs, the second fills it.
func (b *vfioBackend) configureIOMMU() error {
	if b.ranges != nil {
		return nil
	}

	if _, err := ioctlInt(b.container, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		return &BackendError{Op: "set iommu", Err: err}
	}

	size := uint32(unsafe.Sizeof(vfioIOMMUInfo{}))
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], size)

	if _, err := ioctl(b.container, vfioIOMMUGetInfo, unsafe.Pointer(&buf[0])); err != nil {
		return &BackendError{Op: "iommu info", Err: err}
	}

	b.ranges = []iova.Range{}

	if argsz := binary.LittleEndian.Uint32(buf[0:]); argsz > size {
		buf = make([]byte, argsz)
		binary.LittleEndian.PutUint32(buf[0:], argsz)

		if _, err := ioctl(b.container, vfioIOMMUGetInfo, unsafe.Pointer(&buf[0])); err != nil {
			return &BackendError{Op: "iommu info", Err: err}
		}

		if binary.LittleEndian.Uint32(buf[4:])&vfioIOMMUInfoFlagCaps != 0 {
			b.parseCaps(buf, binary.LittleEndian.Uint32(buf[16:]))
		}
	}

	for i, r := range b.ranges {
		b.l.WithFields(logrus.Fields{"index": i, "start": fmt.Sprintf("%#x", r.Start),
			"last": fmt.Sprintf("%#x", r.Last)}).Info("permitted iova range")
	}

	return nil
}

// parseCaps walks the capability chain anchored at off. The only capability
// understood here carries the permitted iova range array.
func (b *vfioBackend) parseCaps(buf []byte, off uint32) {
	for off != 0 && int(off)+8 <= len(buf) {
		id := binary.LittleEndian.Uint16(buf[off:])
		next := binary.LittleEndian.Uint32(buf[off+4:])

		if id == vfioIOMMUCapIOVARange && int(off)+16 <= len(buf) {
			n := binary.LittleEndian.Uint32(buf[off+8:])
			p := int(off) + 16
			for i := uint32(0); i < n && p+16 <= len(buf); i++ {
				b.ranges = append(b.ranges, iova.Range{
					Start: binary.LittleEndian.Uint64(buf[p:]),
					Last:  binary.LittleEndian.Uint64(buf[p+8:]),
				})
				p += 16
			}
		}

		off = next
	}
}

func (b *vfioBackend) MapDMA(vaddr uintptr, iova uint64, length uint64) error {
	m := vfioDMAMap{
		Argsz: uint32(unsafe.Sizeof(vfioDMAMap{})),
		Flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
		Vaddr: uint64(vaddr),
		IOVA:  iova,
		Size:  length,
	}

	if _, err := ioctl(b.container, vfioIOMMUMapDMA, unsafe.Pointer(&m)); err != nil {
		return &BackendError{Op: "map dma", Err: err}
	}

	return nil
}

func (b *vfioBackend) UnmapDMA(iova uint64, length uint64) error {
	u := vfioDMAUnmap{
		Argsz: uint32(unsafe.Sizeof(vfioDMAUnmap{})),
		IOVA:  iova,
		Size:  length,
	}

	if _, err := ioctl(b.container, vfioIOMMUUnmapDMA, unsafe.Pointer(&u)); err != nil {
		return &BackendError{Op: "unmap dma", Err: err}
	}

	return nil
}

func (b *vfioBackend) IOVARanges() ([]iova.Range, error) {
	return b.ranges, nil
}

func (b *vfioBackend) ResetDevice() error {
	if b.device < 0 {
		return ErrUnsupported
	}

	if _, err := ioctlInt(b.device, vfioDeviceReset, 0); err != nil {
		return &BackendError{Op: "device reset", Err: err}
	}

	return nil
}

func (b *vfioBackend) SetIRQs(eventfds []int32) error {
	if b.device < 0 {
		return ErrUnsupported
	}

	return setIRQs(b.device, eventfds)
}

func (b *vfioBackend) DisableIRQs() error {
	if b.device < 0 {
		return ErrUnsupported
	}

	return disableIRQs(b.device)
}

// setIRQs wires MSI-X vectors to eventfds. The eventfd array travels inline
// after the header, so the argument is assembled in a raw buffer.
func setIRQs(devfd int, eventfds []int32) error {
	hdr := uint32(unsafe.Sizeof(vfioIRQSetHeader{}))
	buf := make([]byte, int(hdr)+4*len(eventfds))

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], vfioIRQSetDataEventfd|vfioIRQSetActionTrigger)
	binary.LittleEndian.PutUint32(buf[8:], vfioPCIMSIXIRQIndex)
	binary.LittleEndian.PutUint32(buf[12:], 0)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(eventfds)))
	for i, efd := range eventfds {
		binary.LittleEndian.PutUint32(buf[int(hdr)+4*i:], uint32(efd))
	}

	if _, err := ioctl(devfd, vfioDeviceSetIRQs, unsafe.Pointer(&buf[0])); err != nil {
		return &BackendError{Op: "set irqs", Err: err}
	}

	return nil
}

// disableIRQs tears down interrupt routing by triggering with no data.
func disableIRQs(devfd int) error {
	hdr := vfioIRQSetHeader{
		Argsz: uint32(unsafe.Sizeof(vfioIRQSetHeader{})),
		Flags: vfioIRQSetDataNone | vfioIRQSetActionTrigger,
		Index: vfioPCIMSIXIRQIndex,
	}

	if _, err := ioctl(devfd, vfioDeviceSetIRQs, unsafe.Pointer(&hdr)); err != nil {
		return &BackendError{Op: "disable irqs", Err: err}
	}

	return nil
}
