package ext2

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	superblockSector = 2 // byte offset 1024 within the volume
	superblockSize   = 1024
	magic            = 0xEF53
	rootInode        = 2
	descSize         = 32
	maxLogBlockSize  = 2

	// FeatureFileType marks directory entries as carrying a file type byte.
	FeatureFileType = 0x0002

	featureCompatHasJournal = 0x0004
)

// Superblock holds the fields of the EXT2 superblock this reader consumes.
type Superblock struct {
	InodeCount      uint32
	BlockCount      uint32
	FreeBlocks      uint32
	FreeInodes      uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragmentSize uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	MountTime       uint32
	WriteTime       uint32
	Magic           uint16
	State           uint16
	RevLevel        uint32
	FirstInode      uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            uuid.UUID
	VolumeName      string
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups.
func (sb *Superblock) GroupCount() uint32 {
	return (sb.BlockCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// Flavor names the ext generation the feature flags suggest. Only "ext2"
// volumes (and ext3 volumes, whose journal is ignored) can be mounted.
func (sb *Superblock) Flavor() string {
	switch {
	case sb.FeatureIncompat&^FeatureFileType != 0:
		return "ext4"
	case sb.FeatureCompat&featureCompatHasJournal != 0:
		return "ext3"
	default:
		return "ext2"
	}
}

func parseSuperblock(data []byte) (Superblock, error) {
	sb := Superblock{
		InodeCount:      binary.LittleEndian.Uint32(data[0x00:0x04]),
		BlockCount:      binary.LittleEndian.Uint32(data[0x04:0x08]),
		FreeBlocks:      binary.LittleEndian.Uint32(data[0x0C:0x10]),
		FreeInodes:      binary.LittleEndian.Uint32(data[0x10:0x14]),
		FirstDataBlock:  binary.LittleEndian.Uint32(data[0x14:0x18]),
		LogBlockSize:    binary.LittleEndian.Uint32(data[0x18:0x1C]),
		LogFragmentSize: binary.LittleEndian.Uint32(data[0x1C:0x20]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(data[0x20:0x24]),
		InodesPerGroup:  binary.LittleEndian.Uint32(data[0x28:0x2C]),
		MountTime:       binary.LittleEndian.Uint32(data[0x2C:0x30]),
		WriteTime:       binary.LittleEndian.Uint32(data[0x30:0x34]),
		Magic:           binary.LittleEndian.Uint16(data[0x38:0x3A]),
		State:           binary.LittleEndian.Uint16(data[0x3A:0x3C]),
		RevLevel:        binary.LittleEndian.Uint32(data[0x4C:0x50]),
		FirstInode:      binary.LittleEndian.Uint32(data[0x54:0x58]),
		InodeSize:       binary.LittleEndian.Uint16(data[0x58:0x5A]),
		FeatureCompat:   binary.LittleEndian.Uint32(data[0x5C:0x60]),
		FeatureIncompat: binary.LittleEndian.Uint32(data[0x60:0x64]),
		FeatureROCompat: binary.LittleEndian.Uint32(data[0x64:0x68]),
		VolumeName:      strings.TrimRight(string(data[0x78:0x88]), "\x00"),
	}
	copy(sb.UUID[:], data[0x68:0x78])

	if sb.RevLevel == 0 {
		sb.InodeSize = 128
		sb.FirstInode = 11
		sb.FeatureCompat, sb.FeatureIncompat, sb.FeatureROCompat = 0, 0, 0
	}

	switch {
	case sb.Magic != magic:
		return sb, fmt.Errorf("magic %#04x: %w", sb.Magic, ErrBadSuperblock)
	case sb.LogBlockSize > maxLogBlockSize:
		return sb, fmt.Errorf("block size %d: %w", uint64(1024)<<sb.LogBlockSize, ErrBadSuperblock)
	case sb.InodeSize < 128 || sb.InodeSize%4 != 0 || uint32(sb.InodeSize) > sb.BlockSize():
		return sb, fmt.Errorf("inode size %d: %w", sb.InodeSize, ErrBadSuperblock)
	case sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0:
		return sb, fmt.Errorf("empty block group: %w", ErrBadSuperblock)
	case sb.BlockCount <= sb.FirstDataBlock:
		return sb, fmt.Errorf("%d blocks: %w", sb.BlockCount, ErrBadSuperblock)
	case sb.FeatureIncompat&^FeatureFileType != 0:
		return sb, fmt.Errorf("incompatible features %#x: %w", sb.FeatureIncompat&^FeatureFileType, ErrUnsupported)
	}
	return sb, nil
}

// GroupDescriptor is one 32-byte entry of the block group descriptor table.
type GroupDescriptor struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint16
	FreeInodes  uint16
	Dirs        uint16
}

func parseGroupDescriptor(data []byte) GroupDescriptor {
	return GroupDescriptor{
		BlockBitmap: binary.LittleEndian.Uint32(data[0x00:0x04]),
		InodeBitmap: binary.LittleEndian.Uint32(data[0x04:0x08]),
		InodeTable:  binary.LittleEndian.Uint32(data[0x08:0x0C]),
		FreeBlocks:  binary.LittleEndian.Uint16(data[0x0C:0x0E]),
		FreeInodes:  binary.LittleEndian.Uint16(data[0x0E:0x10]),
		Dirs:        binary.LittleEndian.Uint16(data[0x10:0x12]),
	}
}
