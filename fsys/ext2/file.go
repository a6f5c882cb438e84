package ext2

import (
	"fmt"

	"github.com/lvdlvd/sdboot/blockdev"
)

// ReadFile copies the contents of ino into dst and returns the byte count,
// which is min(ino.Size, len(dst)) on a healthy device. Bytes past that count
// are never written. On a device error the count covers every byte copied
// before the failure, including whole sectors of a partially read block.
// A fast symbolic link reads as its target.
func (f *FS) ReadFile(ino Inode, dst []byte) (int, error) {
	limit := len(dst)
	if uint64(limit) > uint64(ino.Size) {
		limit = int(ino.Size)
	}
	if limit == 0 {
		return 0, nil
	}
	if ino.IsFastSymlink() {
		return copy(dst[:limit], ino.inline()), nil
	}
	it, err := f.Blocks(ino)
	if err != nil {
		return 0, err
	}

	done := 0
	for done < limit {
		blk, ok := it.Next()
		if !ok {
			break
		}
		pos := done
		if f.holes == HolesZeroFill {
			at := uint64(it.Logical()) * uint64(f.bs)
			if at >= uint64(limit) {
				break
			}
			pos = int(at)
			clear(dst[done:pos])
		}
		n, err := f.readData(dst[pos:limit], blk)
		done = pos + n
		if err != nil {
			return done, fmt.Errorf("file block %d: %w", blk, err)
		}
	}
	if err := it.Err(); err != nil {
		return done, err
	}
	if f.holes == HolesZeroFill && done < limit {
		clear(dst[done:limit])
		done = limit
	}
	return done, nil
}

// readData copies up to one block from blk into dst. Whole sectors go straight
// into dst; a trailing partial sector is bounced through the scratch sector.
func (f *FS) readData(dst []byte, blk uint32) (int, error) {
	want := min(len(dst), int(f.bs))
	sector, err := f.blockSector(blk)
	if err != nil {
		return 0, err
	}
	whole := want / blockdev.SectorSize * blockdev.SectorSize
	if whole > 0 {
		n, err := f.dev.ReadBlocks(dst[:whole], sector)
		if err != nil {
			return n * blockdev.SectorSize, err
		}
	}
	if tail := want - whole; tail > 0 {
		if _, err := f.dev.ReadBlocks(f.scratch[:], sector+uint32(whole/blockdev.SectorSize)); err != nil {
			return whole, err
		}
		copy(dst[whole:want], f.scratch[:tail])
	}
	return want, nil
}
