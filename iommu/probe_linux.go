//go:build linux

package iommu

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// iommufd is preferred but requires CONFIG_VFIO_DEVICE_CDEV; without it the
// /dev/vfio/devices directory does not exist and only the group flow works.
const iommufdSentinel = "/dev/vfio/devices"

// NewBackend selects a backend by name: "iommufd", "vfio", or "auto" (or "")
// to probe. The probe runs once, when the backend is selected here, not per
// operation.
func NewBackend(l *logrus.Logger, name string) (Backend, error) {
	switch name {
	case "iommufd":
		return newIOMMUFDBackend(l), nil
	case "vfio":
		return newVFIOBackend(l), nil
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown iommu backend %q", name)
	}

	if fi, err := os.Stat(iommufdSentinel); err != nil || !fi.IsDir() {
		l.WithField("sentinel", iommufdSentinel).
			Info("iommufd unavailable, falling back to vfio group backend")
		return newVFIOBackend(l), nil
	}

	return newIOMMUFDBackend(l), nil
}
