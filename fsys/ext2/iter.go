package ext2

import (
	"encoding/binary"
	"fmt"
)

// BlockIter yields the physical data blocks of an inode in logical order:
// the 12 direct pointers, then the single, double and triple indirect trees.
// Zero pointers are holes and are skipped at any level. It is forward-only.
//
// Three table buffers are enough: level k keeps the top table of the stage it
// belongs to, and the lower levels reuse the buffers of stages already drained.
type BlockIter struct {
	f     *FS
	ino   Inode
	per   uint32 // pointers per block
	stage int    // 0 direct, 1..3 indirect depth
	i     int    // next direct slot

	tab    [3][]byte
	primed [3]bool
	loaded [3]bool
	idx    [3]uint32

	next    uint32 // logical index of the next slot examined
	logical uint32
	err     error
}

// Blocks returns an iterator over ino's data blocks. The top-level indirect
// tables are read here; deeper tables are read as they are reached. A fast
// symbolic link has no blocks and yields ErrInline.
func (f *FS) Blocks(ino Inode) (*BlockIter, error) {
	if ino.IsFastSymlink() {
		return nil, ErrInline
	}
	it := &BlockIter{f: f, ino: ino, per: f.bs / 4}
	for lvl, ptr := range ino.Indirect {
		if ptr == 0 {
			continue
		}
		it.tab[lvl] = make([]byte, f.bs)
		if err := f.readBlock(it.tab[lvl], ptr); err != nil {
			return nil, fmt.Errorf("indirect table %d: %w", ptr, err)
		}
		it.primed[lvl] = true
	}
	for lvl := range it.tab {
		if it.tab[lvl] == nil {
			it.tab[lvl] = make([]byte, f.bs)
		}
	}
	return it, nil
}

// Logical returns the logical block index of the block last returned by Next.
func (it *BlockIter) Logical() uint32 { return it.logical }

// Err returns the I/O error that ended the sequence, if any.
func (it *BlockIter) Err() error { return it.err }

// Next returns the next allocated block.
func (it *BlockIter) Next() (uint32, bool) {
	if it.err != nil {
		return 0, false
	}
	for it.stage <= 3 {
		if it.stage == 0 {
			for it.i < len(it.ino.Direct) {
				blk := it.ino.Direct[it.i]
				it.i++
				it.next++
				if blk != 0 {
					it.logical = it.next - 1
					return blk, true
				}
			}
			it.enter(1)
			continue
		}

		top := it.stage - 1
		if !it.loaded[top] {
			it.next += it.span(it.stage)
		} else if blk, ok := it.walk(top); ok {
			return blk, true
		} else if it.err != nil {
			return 0, false
		}
		it.enter(it.stage + 1)
	}
	return 0, false
}

func (it *BlockIter) enter(stage int) {
	it.stage = stage
	if stage > 3 {
		return
	}
	top := stage - 1
	for d := range it.loaded {
		it.loaded[d] = false
	}
	it.loaded[top] = it.primed[top]
	it.idx[top] = 0
}

// span returns the number of logical blocks covered by one pointer at depth d.
func (it *BlockIter) span(d int) uint32 {
	n := uint32(1)
	for range d {
		n *= it.per
	}
	return n
}

// walk drains the tree whose top table is at level top.
func (it *BlockIter) walk(top int) (uint32, bool) {
	for {
		d := 0
		for d < top && !it.loaded[d] {
			d++
		}
		if it.idx[d] >= it.per {
			it.loaded[d] = false
			if d == top {
				return 0, false
			}
			continue
		}
		ptr := binary.LittleEndian.Uint32(it.tab[d][it.idx[d]*4:])
		it.idx[d]++

		if d == 0 {
			it.next++
			if ptr != 0 {
				it.logical = it.next - 1
				return ptr, true
			}
			continue
		}
		if ptr == 0 {
			it.next += it.span(d)
			continue
		}
		if err := it.f.readBlock(it.tab[d-1], ptr); err != nil {
			it.err = fmt.Errorf("indirect table %d: %w", ptr, err)
			return 0, false
		}
		it.loaded[d-1] = true
		it.idx[d-1] = 0
	}
}
