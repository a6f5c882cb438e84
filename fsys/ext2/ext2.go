// Package ext2 implements a read-only EXT2 reader on top of a blockdev.Device.
//
// A mounted FS keeps the superblock, the whole group descriptor table and a
// single cached inode-table block; everything else is read from the device on
// demand. Volume wraps the mount lifecycle and serialises access for callers
// that share one device.
package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"time"

	"github.com/lvdlvd/sdboot/blockdev"
)

var (
	// ErrBadSuperblock reports a volume whose superblock fails validation.
	ErrBadSuperblock = errors.New("ext2: bad superblock")
	// ErrUnsupported reports a valid ext volume using features this reader cannot follow.
	ErrUnsupported = errors.New("ext2: unsupported feature")
	// ErrBadRoot reports a volume whose inode 2 is not a directory.
	ErrBadRoot = errors.New("ext2: root is not a directory")
	// ErrCorrupt reports an inconsistent on-disk structure found after mount.
	ErrCorrupt = errors.New("ext2: corrupt filesystem")
	// ErrNoInode reports an inode number outside the volume.
	ErrNoInode = fmt.Errorf("ext2: no such inode: %w", fs.ErrNotExist)
	// ErrNotDir reports a path component that is not a directory.
	ErrNotDir = fmt.Errorf("ext2: not a directory: %w", fs.ErrNotExist)
	// ErrInline reports a file whose contents live inside its inode, so it
	// has no data blocks to map.
	ErrInline = errors.New("ext2: data stored in inode")
)

// Inode mode type bits.
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
)

// inlineSize is the size of the block pointer area, which holds the target of
// a fast symbolic link.
const inlineSize = 60

// HolePolicy selects how ReadFile treats unallocated blocks inside a file.
type HolePolicy int

const (
	// HolesZeroFill reads a hole as zeros at its logical position.
	HolesZeroFill HolePolicy = iota
	// HolesSkip concatenates the allocated blocks, dropping holes.
	HolesSkip
)

func (p HolePolicy) String() string {
	if p == HolesSkip {
		return "skip"
	}
	return "zero-fill"
}

type config struct {
	log   *slog.Logger
	holes HolePolicy
}

// Option configures Mount, Scan, Select and Volume.
type Option func(*config)

// WithLogger sets the logger for mount decisions and I/O failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHolePolicy sets how ReadFile treats holes.
func WithHolePolicy(p HolePolicy) Option {
	return func(c *config) { c.holes = p }
}

func newConfig(opts []Option) config {
	c := config{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// FS is a mounted EXT2 volume. It is not safe for concurrent use.
type FS struct {
	config
	dev    blockdev.Device
	start  uint32
	sb     Superblock
	groups []GroupDescriptor
	bs     uint32
	spb    uint32 // sectors per block

	cache      []byte // one inode-table block
	cacheBlock uint32
	cacheValid bool

	scratch [blockdev.SectorSize]byte
}

// Mount reads and validates the volume starting at sector start. On any
// failure it returns a nil FS.
func Mount(dev blockdev.Device, start uint32, opts ...Option) (*FS, error) {
	f := &FS{config: newConfig(opts), dev: dev, start: start}
	if err := f.mount(); err != nil {
		f.log.Debug("ext2 mount failed", slog.Uint64("start", uint64(start)), slog.String("err", err.Error()))
		return nil, err
	}
	f.log.Info("ext2 mounted",
		slog.Uint64("start", uint64(start)),
		slog.Uint64("block_size", uint64(f.bs)),
		slog.Int("groups", len(f.groups)),
		slog.String("volume", f.sb.VolumeName),
		slog.String("uuid", f.sb.UUID.String()),
	)
	return f, nil
}

func (f *FS) mount() error {
	if uint64(f.dev.SectorCount()) < uint64(f.start)+superblockSector+superblockSize/blockdev.SectorSize {
		return fmt.Errorf("volume at sector %d past device end (%d sectors): %w", f.start, f.dev.SectorCount(), ErrBadSuperblock)
	}
	raw := make([]byte, superblockSize)
	if _, err := f.dev.ReadBlocks(raw, f.start+superblockSector); err != nil {
		return fmt.Errorf("reading superblock: %w", err)
	}
	sb, err := parseSuperblock(raw)
	if err != nil {
		return err
	}
	f.sb = sb
	f.bs = sb.BlockSize()
	f.spb = f.bs / blockdev.SectorSize
	f.cache = make([]byte, f.bs)

	count := sb.GroupCount()
	tableBlocks := (uint64(count)*descSize + uint64(f.bs) - 1) / uint64(f.bs)
	if tableBlocks*uint64(f.spb) > uint64(f.dev.SectorCount()) {
		return fmt.Errorf("%d block groups exceed the device: %w", count, ErrBadSuperblock)
	}
	table := make([]byte, tableBlocks*uint64(f.bs))
	sector, err := f.blockSector(sb.FirstDataBlock + 1)
	if err != nil {
		return fmt.Errorf("group descriptors: %w", err)
	}
	if _, err := f.dev.ReadBlocks(table, sector); err != nil {
		return fmt.Errorf("reading %d group descriptors: %w", count, err)
	}
	f.groups = make([]GroupDescriptor, count)
	for i := range f.groups {
		f.groups[i] = parseGroupDescriptor(table[i*descSize:])
	}

	root, err := f.Inode(rootInode)
	if err != nil {
		return fmt.Errorf("root inode: %w", err)
	}
	if !root.IsDir() {
		return fmt.Errorf("mode %#o: %w", root.Mode, ErrBadRoot)
	}
	return nil
}

// Superblock returns a copy of the validated superblock.
func (f *FS) Superblock() Superblock { return f.sb }

// Groups returns the block group descriptors.
func (f *FS) Groups() []GroupDescriptor { return f.groups }

// BlockSize returns the block size in bytes.
func (f *FS) BlockSize() uint32 { return f.bs }

// Start returns the first sector of the volume on the device.
func (f *FS) Start() uint32 { return f.start }

// Device returns the underlying block device.
func (f *FS) Device() blockdev.Device { return f.dev }

// HolePolicy returns the policy ReadFile applies.
func (f *FS) HolePolicy() HolePolicy { return f.holes }

func (f *FS) blockSector(block uint32) (uint32, error) {
	s := uint64(f.start) + uint64(block)*uint64(f.spb)
	if s+uint64(f.spb) > math.MaxUint32 {
		return 0, fmt.Errorf("block %d: %w", block, blockdev.ErrOutOfRange)
	}
	return uint32(s), nil
}

// readBlock reads one whole filesystem block into dst.
func (f *FS) readBlock(dst []byte, block uint32) error {
	sector, err := f.blockSector(block)
	if err != nil {
		return err
	}
	if _, err := f.dev.ReadBlocks(dst[:f.bs], sector); err != nil {
		f.log.Error("ext2 block read", slog.Uint64("block", uint64(block)), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// Inode is an owned copy of an on-disk inode record.
type Inode struct {
	Mode     uint16
	UID      uint16
	Size     uint32
	Atime    uint32
	Ctime    uint32
	Mtime    uint32
	Dtime    uint32
	GID      uint16
	Links    uint16
	Sectors  uint32
	Flags    uint32
	Direct   [12]uint32
	Indirect [3]uint32 // single, double, triple
}

func parseInode(data []byte) Inode {
	ino := Inode{
		Mode:    binary.LittleEndian.Uint16(data[0x00:0x02]),
		UID:     binary.LittleEndian.Uint16(data[0x02:0x04]),
		Size:    binary.LittleEndian.Uint32(data[0x04:0x08]),
		Atime:   binary.LittleEndian.Uint32(data[0x08:0x0C]),
		Ctime:   binary.LittleEndian.Uint32(data[0x0C:0x10]),
		Mtime:   binary.LittleEndian.Uint32(data[0x10:0x14]),
		Dtime:   binary.LittleEndian.Uint32(data[0x14:0x18]),
		GID:     binary.LittleEndian.Uint16(data[0x18:0x1A]),
		Links:   binary.LittleEndian.Uint16(data[0x1A:0x1C]),
		Sectors: binary.LittleEndian.Uint32(data[0x1C:0x20]),
		Flags:   binary.LittleEndian.Uint32(data[0x20:0x24]),
	}
	for i := range ino.Direct {
		ino.Direct[i] = binary.LittleEndian.Uint32(data[0x28+4*i:])
	}
	for i := range ino.Indirect {
		ino.Indirect[i] = binary.LittleEndian.Uint32(data[0x58+4*i:])
	}
	return ino
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Mode&ModeTypeMask == ModeDir }

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool { return i.Mode&ModeTypeMask == ModeRegular }

// IsFastSymlink reports whether the inode is a symbolic link whose target is
// stored in the block pointer area instead of a data block.
func (i *Inode) IsFastSymlink() bool {
	return i.Mode&ModeTypeMask == ModeSymlink && i.Size < inlineSize
}

// inline returns the raw bytes of the block pointer area.
func (i *Inode) inline() []byte {
	b := make([]byte, 0, inlineSize)
	for _, p := range i.Direct {
		b = binary.LittleEndian.AppendUint32(b, p)
	}
	for _, p := range i.Indirect {
		b = binary.LittleEndian.AppendUint32(b, p)
	}
	return b
}

// ModTime returns the modification time.
func (i *Inode) ModTime() time.Time { return time.Unix(int64(i.Mtime), 0) }

// FileMode converts the on-disk mode to an fs.FileMode.
func (i *Inode) FileMode() fs.FileMode {
	mode := fs.FileMode(i.Mode & 0o777)
	switch i.Mode & ModeTypeMask {
	case ModeDir:
		mode |= fs.ModeDir
	case ModeSymlink:
		mode |= fs.ModeSymlink
	case 0x6000:
		mode |= fs.ModeDevice
	case 0x2000:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case 0x1000:
		mode |= fs.ModeNamedPipe
	case 0xC000:
		mode |= fs.ModeSocket
	}
	return mode
}

// Inode resolves inode number n. Only a miss on the cached inode-table block
// touches the device.
func (f *FS) Inode(n uint32) (Inode, error) {
	if n == 0 || n > f.sb.InodeCount {
		return Inode{}, fmt.Errorf("inode %d: %w", n, ErrNoInode)
	}
	group := (n - 1) / f.sb.InodesPerGroup
	index := (n - 1) % f.sb.InodesPerGroup
	if group >= uint32(len(f.groups)) {
		return Inode{}, fmt.Errorf("inode %d in group %d of %d: %w", n, group, len(f.groups), ErrCorrupt)
	}
	offset := uint64(index) * uint64(f.sb.InodeSize)
	block := f.groups[group].InodeTable + uint32(offset>>(10+f.sb.LogBlockSize))
	inBlock := offset & uint64(f.bs-1)

	if err := f.loadInodeBlock(block); err != nil {
		return Inode{}, fmt.Errorf("inode %d: %w", n, err)
	}
	return parseInode(f.cache[inBlock:]), nil
}

func (f *FS) loadInodeBlock(block uint32) error {
	if f.cacheValid && f.cacheBlock == block {
		return nil
	}
	f.cacheValid = false
	if err := f.readBlock(f.cache, block); err != nil {
		return fmt.Errorf("inode table block %d: %w", block, err)
	}
	f.cacheBlock = block
	f.cacheValid = true
	return nil
}
