// Package util holds small helpers shared by the storage packages.
package util

import (
	"github.com/minio/highwayhash"
)

var checksumKey = []byte("embedservice/psstore/checksum/v1")

// Checksum returns the 64-bit HighwayHash of data.
func Checksum(data []byte) (uint64, error) {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		return 0, err
	}
	if _, err := h.Write(data); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
