package blockdev

import (
	"fmt"
	"io"
)

// ByteView exposes a Device as an io.ReaderAt and io.WriterAt over byte
// offsets. Unaligned heads and tails are handled with a read-modify-write of
// the covering sector.
type ByteView struct {
	dev     Device
	scratch [SectorSize]byte
}

// NewByteView wraps dev.
func NewByteView(dev Device) *ByteView {
	return &ByteView{dev: dev}
}

// Size returns the device size in bytes.
func (v *ByteView) Size() int64 {
	return int64(v.dev.SectorCount()) * SectorSize
}

// ReadAt implements io.ReaderAt.
func (v *ByteView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	size := v.Size()
	if off >= size {
		return 0, io.EOF
	}
	var eof error
	if off+int64(len(p)) > size {
		p = p[:size-off]
		eof = io.EOF
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		sector := uint32(pos / SectorSize)
		inSector := int(pos % SectorSize)
		remaining := len(p) - done

		if inSector == 0 && remaining >= SectorSize {
			whole := remaining / SectorSize * SectorSize
			n, err := v.dev.ReadBlocks(p[done:done+whole], sector)
			done += n * SectorSize
			if err != nil {
				return done, err
			}
			continue
		}

		if _, err := v.dev.ReadBlocks(v.scratch[:], sector); err != nil {
			return done, err
		}
		done += copy(p[done:], v.scratch[inSector:])
	}
	return done, eof
}

// WriteAt implements io.WriterAt.
func (v *ByteView) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off+int64(len(p)) > v.Size() {
		return 0, fmt.Errorf("write [%d,%d) past %d: %w", off, off+int64(len(p)), v.Size(), ErrOutOfRange)
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		sector := uint32(pos / SectorSize)
		inSector := int(pos % SectorSize)
		remaining := len(p) - done

		if inSector == 0 && remaining >= SectorSize {
			whole := remaining / SectorSize * SectorSize
			n, err := v.dev.WriteBlocks(p[done:done+whole], sector)
			done += n * SectorSize
			if err != nil {
				return done, err
			}
			continue
		}

		if _, err := v.dev.ReadBlocks(v.scratch[:], sector); err != nil {
			return done, err
		}
		n := copy(v.scratch[inSector:], p[done:])
		if _, err := v.dev.WriteBlocks(v.scratch[:], sector); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}
