// Package mkext2 builds small, deterministic EXT2 images in memory.
//
// Files may be sparse: only the logical blocks given are allocated, and the
// pointer tree (direct, single, double and triple indirect) is created as
// needed. Metadata of every group is laid out after the descriptor table in
// group 0, which the descriptors describe faithfully.
package mkext2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	Magic        = 0xEF53
	RootInode    = 2
	FirstInode   = 11
	FeatureFType = 0x0002

	ModeDir     = 0x4000
	ModeFile    = 0x8000
	ModeSymlink = 0xA000

	descSize = 32
)

var ErrFull = errors.New("image full")

// Options describes the geometry of the image. Zero fields take defaults.
type Options struct {
	BlockSize      int    // 1024, 2048 or 4096; default 1024
	Blocks         uint32 // total blocks; default 8192
	BlocksPerGroup uint32 // default 8*BlockSize, capped to Blocks
	InodesPerGroup uint32 // default 256
	InodeSize      uint16 // default 128; ignored for revision 0
	Rev0           bool   // write a revision 0 superblock without FILETYPE
	Incompat       uint32 // extra incompatible feature bits
	VolumeName     string
	UUID           uuid.UUID // default derived from VolumeName
	Time           uint32    // timestamp for every inode; default 1700000000
}

type dirent struct {
	name string
	ino  uint32
	typ  byte
}

type inode struct {
	mode    uint16
	size    uint32
	links   uint16
	ptr     [15]uint32
	data    map[uint32]uint32 // logical to physical
	sectors uint32
	entries []dirent
}

// Builder accumulates directories and files and lays them out in Build.
type Builder struct {
	opt     Options
	bs      int
	first   uint32
	groups  uint32
	tables  []uint32
	bitmaps [][2]uint32
	img     []byte
	next    uint32
	nextIno uint32
	inodes  map[uint32]*inode
	built   bool
}

// New validates opts and returns a builder holding an empty root directory.
func New(opts Options) (*Builder, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = 1024
	}
	switch opts.BlockSize {
	case 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("block size %d not supported", opts.BlockSize)
	}
	if opts.Blocks == 0 {
		opts.Blocks = 8192
	}
	if opts.BlocksPerGroup == 0 {
		opts.BlocksPerGroup = uint32(8 * opts.BlockSize)
	}
	if opts.BlocksPerGroup > opts.Blocks {
		opts.BlocksPerGroup = opts.Blocks
	}
	if opts.InodesPerGroup == 0 {
		opts.InodesPerGroup = 256
	}
	if opts.BlocksPerGroup > uint32(8*opts.BlockSize) || opts.InodesPerGroup > uint32(8*opts.BlockSize) {
		return nil, fmt.Errorf("group of %d blocks, %d inodes exceeds one bitmap block", opts.BlocksPerGroup, opts.InodesPerGroup)
	}
	if opts.InodeSize == 0 || opts.Rev0 {
		opts.InodeSize = 128
	}
	if opts.InodeSize < 128 || opts.InodeSize%4 != 0 || int(opts.InodeSize) > opts.BlockSize {
		return nil, fmt.Errorf("inode size %d not supported", opts.InodeSize)
	}
	if opts.UUID == uuid.Nil {
		opts.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("mkext2:"+opts.VolumeName))
	}
	if opts.Time == 0 {
		opts.Time = 1700000000
	}

	b := &Builder{
		opt:     opts,
		bs:      opts.BlockSize,
		nextIno: FirstInode,
		inodes:  make(map[uint32]*inode),
	}
	if b.bs == 1024 {
		b.first = 1
	}
	b.groups = (opts.Blocks - b.first + opts.BlocksPerGroup - 1) / opts.BlocksPerGroup
	b.img = make([]byte, int(opts.Blocks)*b.bs)

	gdtBlocks := (b.groups*descSize + uint32(b.bs) - 1) / uint32(b.bs)
	b.next = b.first + 1 + gdtBlocks
	tableBlocks := (opts.InodesPerGroup*uint32(opts.InodeSize) + uint32(b.bs) - 1) / uint32(b.bs)
	for g := uint32(0); g < b.groups; g++ {
		b.bitmaps = append(b.bitmaps, [2]uint32{b.next, b.next + 1})
		b.tables = append(b.tables, b.next+2)
		b.next += 2 + tableBlocks
	}
	if b.next >= opts.Blocks {
		return nil, fmt.Errorf("%d blocks cannot hold the metadata: %w", opts.Blocks, ErrFull)
	}

	b.inodes[RootInode] = &inode{
		mode:  ModeDir | 0o755,
		links: 2,
		data:  make(map[uint32]uint32),
		entries: []dirent{
			{".", RootInode, 2},
			{"..", RootInode, 2},
		},
	}
	return b, nil
}

// BlockSize returns the filesystem block size in bytes.
func (b *Builder) BlockSize() int { return b.bs }

// InodeTable returns the first block of the inode table of group g.
func (b *Builder) InodeTable(g int) uint32 { return b.tables[g] }

// Mkdir creates a directory; its parent must exist.
func (b *Builder) Mkdir(path string) (uint32, error) {
	parent, name, err := b.parent(path)
	if err != nil {
		return 0, err
	}
	ino, err := b.newInode()
	if err != nil {
		return 0, err
	}
	b.inodes[ino] = &inode{
		mode:  ModeDir | 0o755,
		links: 2,
		data:  make(map[uint32]uint32),
		entries: []dirent{
			{".", ino, 2},
			{"..", parent.ino, 2},
		},
	}
	parent.n.links++
	parent.n.entries = append(parent.n.entries, dirent{name, ino, 2})
	return ino, nil
}

// AddFile creates a regular file holding data.
func (b *Builder) AddFile(path string, data []byte) (uint32, error) {
	chunks := make(map[uint32][]byte)
	for off := 0; off < len(data); off += b.bs {
		chunks[uint32(off/b.bs)] = data[off:min(off+b.bs, len(data))]
	}
	return b.AddSparse(path, uint32(len(data)), chunks)
}

// AddSparse creates a regular file of the given size in which only the
// logical blocks present in chunks are allocated.
func (b *Builder) AddSparse(path string, size uint32, chunks map[uint32][]byte) (uint32, error) {
	parent, name, err := b.parent(path)
	if err != nil {
		return 0, err
	}
	ino, err := b.newInode()
	if err != nil {
		return 0, err
	}
	n := &inode{mode: ModeFile | 0o644, size: size, links: 1, data: make(map[uint32]uint32)}
	b.inodes[ino] = n
	for _, logical := range slices.Sorted(maps.Keys(chunks)) {
		chunk := chunks[logical]
		if len(chunk) > b.bs {
			return 0, fmt.Errorf("%s: block %d holds %d bytes", path, logical, len(chunk))
		}
		phys, err := b.mapBlock(n, logical)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		copy(b.img[int(phys)*b.bs:], chunk)
	}
	parent.n.entries = append(parent.n.entries, dirent{name, ino, 1})
	return ino, nil
}

// Symlink creates a symbolic link to target. Targets shorter than 60 bytes
// are stored in the block pointer area of the inode, longer ones in a data
// block.
func (b *Builder) Symlink(path, target string) (uint32, error) {
	if target == "" || len(target) >= b.bs {
		return 0, fmt.Errorf("%s: bad link target length %d", path, len(target))
	}
	parent, name, err := b.parent(path)
	if err != nil {
		return 0, err
	}
	ino, err := b.newInode()
	if err != nil {
		return 0, err
	}
	n := &inode{mode: ModeSymlink | 0o777, size: uint32(len(target)), links: 1, data: make(map[uint32]uint32)}
	b.inodes[ino] = n
	if len(target) < 60 {
		var inline [60]byte
		copy(inline[:], target)
		for i := range n.ptr {
			n.ptr[i] = binary.LittleEndian.Uint32(inline[4*i:])
		}
	} else {
		phys, err := b.mapBlock(n, 0)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		copy(b.img[int(phys)*b.bs:], target)
	}
	parent.n.entries = append(parent.n.entries, dirent{name, ino, 7})
	return ino, nil
}

// Lookup returns the inode number of path.
func (b *Builder) Lookup(path string) (uint32, bool) {
	ino := uint32(RootInode)
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		n := b.inodes[ino]
		found := false
		for _, e := range n.entries {
			if e.name == part {
				ino, found = e.ino, true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return ino, true
}

// DataBlocks returns the physical data blocks of ino in logical order.
// Directory blocks are only known after Build.
func (b *Builder) DataBlocks(ino uint32) []uint32 {
	n := b.inodes[ino]
	if n == nil {
		return nil
	}
	var out []uint32
	for _, logical := range slices.Sorted(maps.Keys(n.data)) {
		out = append(out, n.data[logical])
	}
	return out
}

// InodeOffset returns the byte offset of the on-disk record of ino.
func (b *Builder) InodeOffset(ino uint32) int {
	ipg := b.opt.InodesPerGroup
	g, idx := (ino-1)/ipg, (ino-1)%ipg
	return int(b.tables[g])*b.bs + int(idx)*int(b.opt.InodeSize)
}

// BlockOffset returns the byte offset of block blk.
func (b *Builder) BlockOffset(blk uint32) int { return int(blk) * b.bs }

type parentRef struct {
	ino uint32
	n   *inode
}

func (b *Builder) parent(path string) (parentRef, string, error) {
	if b.built {
		return parentRef{}, "", errors.New("image already built")
	}
	path = strings.Trim(path, "/")
	dir, name := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir, name = path[:i], path[i+1:]
	}
	if name == "" || len(name) > 255 {
		return parentRef{}, "", fmt.Errorf("bad name %q", path)
	}
	ino, ok := b.Lookup(dir)
	if !ok || b.inodes[ino].mode&0xF000 != ModeDir {
		return parentRef{}, "", fmt.Errorf("%s: parent directory missing", path)
	}
	n := b.inodes[ino]
	for _, e := range n.entries {
		if e.name == name {
			return parentRef{}, "", fmt.Errorf("%s: already exists", path)
		}
	}
	return parentRef{ino, n}, name, nil
}

func (b *Builder) newInode() (uint32, error) {
	if b.nextIno > b.groups*b.opt.InodesPerGroup {
		return 0, fmt.Errorf("out of inodes: %w", ErrFull)
	}
	ino := b.nextIno
	b.nextIno++
	return ino, nil
}

func (b *Builder) alloc(n *inode) (uint32, error) {
	if b.next >= b.opt.Blocks {
		return 0, ErrFull
	}
	blk := b.next
	b.next++
	n.sectors += uint32(b.bs / 512)
	return blk, nil
}

func (b *Builder) entry(blk, i uint32) uint32 {
	return binary.LittleEndian.Uint32(b.img[int(blk)*b.bs+int(i)*4:])
}

func (b *Builder) setEntry(blk, i, v uint32) {
	binary.LittleEndian.PutUint32(b.img[int(blk)*b.bs+int(i)*4:], v)
}

// mapBlock allocates a data block for logical and any pointer blocks on the
// way to it.
func (b *Builder) mapBlock(n *inode, logical uint32) (uint32, error) {
	if phys, ok := n.data[logical]; ok {
		return phys, nil
	}
	p := uint64(b.bs / 4)
	l := uint64(logical)
	var path []uint32
	switch {
	case l < 12:
	case l < 12+p:
		l -= 12
		path = []uint32{uint32(l)}
	case l < 12+p+p*p:
		l -= 12 + p
		path = []uint32{uint32(l / p), uint32(l % p)}
	case l < 12+p+p*p+p*p*p:
		l -= 12 + p + p*p
		path = []uint32{uint32(l / (p * p)), uint32(l / p % p), uint32(l % p)}
	default:
		return 0, fmt.Errorf("logical block %d beyond triple indirect range", logical)
	}

	var slot *uint32
	if len(path) > 0 {
		slot = &n.ptr[11+len(path)]
	} else {
		slot = &n.ptr[logical]
	}
	if *slot == 0 {
		blk, err := b.alloc(n)
		if err != nil {
			return 0, err
		}
		*slot = blk
	}
	blk := *slot
	for _, i := range path {
		v := b.entry(blk, i)
		if v == 0 {
			var err error
			if v, err = b.alloc(n); err != nil {
				return 0, err
			}
			b.setEntry(blk, i, v)
		}
		blk = v
	}
	n.data[logical] = blk
	return blk, nil
}

func recLen(nameLen int) int {
	return (8 + nameLen + 3) &^ 3
}

func (b *Builder) writeDir(n *inode) error {
	var blocks [][]byte
	cur := make([]byte, b.bs)
	pos, last := 0, -1
	flush := func() {
		binary.LittleEndian.PutUint16(cur[last+4:], uint16(b.bs-last))
		blocks = append(blocks, cur)
		cur = make([]byte, b.bs)
		pos, last = 0, -1
	}
	for _, e := range n.entries {
		rl := recLen(len(e.name))
		if pos+rl > b.bs {
			flush()
		}
		binary.LittleEndian.PutUint32(cur[pos:], e.ino)
		binary.LittleEndian.PutUint16(cur[pos+4:], uint16(rl))
		cur[pos+6] = byte(len(e.name))
		if !b.opt.Rev0 {
			cur[pos+7] = e.typ
		}
		copy(cur[pos+8:], e.name)
		last = pos
		pos += rl
	}
	flush()

	for logical, data := range blocks {
		phys, err := b.mapBlock(n, uint32(logical))
		if err != nil {
			return err
		}
		copy(b.img[int(phys)*b.bs:], data)
	}
	n.size = uint32(len(blocks) * b.bs)
	return nil
}

func (b *Builder) writeInode(ino uint32, n *inode) {
	rec := b.img[b.InodeOffset(ino):][:b.opt.InodeSize]
	t := b.opt.Time
	binary.LittleEndian.PutUint16(rec[0x00:], n.mode)
	binary.LittleEndian.PutUint32(rec[0x04:], n.size)
	binary.LittleEndian.PutUint32(rec[0x08:], t)
	binary.LittleEndian.PutUint32(rec[0x0C:], t)
	binary.LittleEndian.PutUint32(rec[0x10:], t)
	binary.LittleEndian.PutUint16(rec[0x1A:], n.links)
	binary.LittleEndian.PutUint32(rec[0x1C:], n.sectors)
	for i, p := range n.ptr {
		binary.LittleEndian.PutUint32(rec[0x28+4*i:], p)
	}
}

func setBit(bitmap []byte, i uint32) {
	bitmap[i/8] |= 1 << (i % 8)
}

// Build lays out directories, inodes, bitmaps, descriptors and the superblock
// and returns the image. Later calls return the same image.
func (b *Builder) Build() ([]byte, error) {
	if b.built {
		return b.img, nil
	}
	inos := slices.Sorted(maps.Keys(b.inodes))
	for _, ino := range inos {
		if n := b.inodes[ino]; n.mode&0xF000 == ModeDir {
			if err := b.writeDir(n); err != nil {
				return nil, fmt.Errorf("directory %d: %w", ino, err)
			}
		}
	}
	for _, ino := range inos {
		b.writeInode(ino, b.inodes[ino])
	}
	b.built = true

	bpg, ipg := b.opt.BlocksPerGroup, b.opt.InodesPerGroup
	var freeBlocks, freeInodes uint32
	gdt := b.img[int(b.first+1)*b.bs:]
	for g := uint32(0); g < b.groups; g++ {
		bb := b.img[int(b.bitmaps[g][0])*b.bs:][:b.bs]
		ib := b.img[int(b.bitmaps[g][1])*b.bs:][:b.bs]

		start := b.first + g*bpg
		count := min(bpg, b.opt.Blocks-start)
		var usedBlocks, usedInodes, dirs uint32
		for i := uint32(0); i < count; i++ {
			if start+i < b.next {
				setBit(bb, i)
				usedBlocks++
			}
		}
		for i := count; i < bpg; i++ {
			setBit(bb, i)
		}
		for i := uint32(0); i < ipg; i++ {
			ino := g*ipg + i + 1
			n, ok := b.inodes[ino]
			if ok || ino < FirstInode {
				setBit(ib, i)
				usedInodes++
			}
			if ok && n.mode&0xF000 == ModeDir {
				dirs++
			}
		}
		freeBlocks += count - usedBlocks
		freeInodes += ipg - usedInodes

		d := gdt[g*descSize:]
		binary.LittleEndian.PutUint32(d[0:], b.bitmaps[g][0])
		binary.LittleEndian.PutUint32(d[4:], b.bitmaps[g][1])
		binary.LittleEndian.PutUint32(d[8:], b.tables[g])
		binary.LittleEndian.PutUint16(d[12:], uint16(count-usedBlocks))
		binary.LittleEndian.PutUint16(d[14:], uint16(ipg-usedInodes))
		binary.LittleEndian.PutUint16(d[16:], uint16(dirs))
	}

	sb := b.img[1024:2048]
	logBlock := uint32(0)
	for 1024<<logBlock < b.bs {
		logBlock++
	}
	binary.LittleEndian.PutUint32(sb[0:], b.groups*ipg)
	binary.LittleEndian.PutUint32(sb[4:], b.opt.Blocks)
	binary.LittleEndian.PutUint32(sb[12:], freeBlocks)
	binary.LittleEndian.PutUint32(sb[16:], freeInodes)
	binary.LittleEndian.PutUint32(sb[20:], b.first)
	binary.LittleEndian.PutUint32(sb[24:], logBlock)
	binary.LittleEndian.PutUint32(sb[28:], logBlock)
	binary.LittleEndian.PutUint32(sb[32:], bpg)
	binary.LittleEndian.PutUint32(sb[36:], bpg)
	binary.LittleEndian.PutUint32(sb[40:], ipg)
	binary.LittleEndian.PutUint32(sb[44:], b.opt.Time)
	binary.LittleEndian.PutUint32(sb[48:], b.opt.Time)
	binary.LittleEndian.PutUint16(sb[54:], 0xFFFF)
	binary.LittleEndian.PutUint16(sb[56:], Magic)
	binary.LittleEndian.PutUint16(sb[58:], 1) // clean
	binary.LittleEndian.PutUint16(sb[60:], 1) // continue on errors
	binary.LittleEndian.PutUint32(sb[64:], b.opt.Time)
	if !b.opt.Rev0 {
		binary.LittleEndian.PutUint32(sb[76:], 1)
		binary.LittleEndian.PutUint32(sb[84:], FirstInode)
		binary.LittleEndian.PutUint16(sb[88:], b.opt.InodeSize)
		binary.LittleEndian.PutUint32(sb[96:], FeatureFType|b.opt.Incompat)
	} else {
		binary.LittleEndian.PutUint32(sb[96:], b.opt.Incompat)
	}
	copy(sb[104:120], b.opt.UUID[:])
	copy(sb[120:136], b.opt.VolumeName)
	return b.img, nil
}
