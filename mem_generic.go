//go:build !linux

package unvme

import (
	"errors"
)

var errUnsupportedPlatform = errors.New("dma-safe page allocation is only supported on linux")

func pgmap(length int, pageSize uint64) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func pgunmap(b []byte) error {
	return nil
}
