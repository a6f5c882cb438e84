// Package blockdev defines the sector-addressed block device contract shared by
// the SD card engine and the filesystem reader.
package blockdev

import (
	"errors"
	"fmt"
)

// SectorSize is the fixed transfer unit of every device.
const SectorSize = 512

var (
	// ErrShortTransfer reports that a transfer moved fewer sectors than requested.
	ErrShortTransfer = errors.New("short block transfer")
	// ErrOutOfRange reports a transfer that would touch sectors past the end of the device.
	ErrOutOfRange = errors.New("sector out of range")
	// ErrUnaligned reports a buffer whose length is not a positive multiple of SectorSize.
	ErrUnaligned = errors.New("buffer not a multiple of sector size")
)

// Device is a 512-byte-sector block device with 32-bit LBA addressing.
//
// ReadBlocks and WriteBlocks transfer len(buf)/SectorSize sectors starting at
// sector and return the number of sectors actually moved. A count smaller than
// requested is always accompanied by an error.
type Device interface {
	ReadBlocks(dst []byte, sector uint32) (int, error)
	WriteBlocks(src []byte, sector uint32) (int, error)
	// SectorCount returns the device size in sectors; 0 means no usable media.
	SectorCount() uint32
}

// CheckRange validates a transfer of len(buf) bytes at sector against a device
// of total sectors and returns the sector count.
func CheckRange(buf []byte, sector, total uint32) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("%d bytes: %w", len(buf), ErrUnaligned)
	}
	n := len(buf) / SectorSize
	if uint64(sector)+uint64(n) > uint64(total) {
		return 0, fmt.Errorf("sectors [%d,%d) of %d: %w", sector, uint64(sector)+uint64(n), total, ErrOutOfRange)
	}
	return n, nil
}

// Short builds the error returned alongside a partial transfer.
func Short(op string, sector uint32, got, want int) error {
	return fmt.Errorf("%s at sector %d: %d of %d sectors: %w", op, sector, got, want, ErrShortTransfer)
}
