//go:build linux

package unvme

import (
	"golang.org/x/sys/unix"
)

// NewEventFDs creates n eventfds suitable for Backend.SetIRQs, one per
// interrupt vector.
func NewEventFDs(n int) ([]int32, error) {
	fds := make([]int32, 0, n)

	for i := 0; i < n; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			for _, f := range fds {
				unix.Close(int(f))
			}
			return nil, err
		}
		fds = append(fds, int32(fd))
	}

	return fds, nil
}
