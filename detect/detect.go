// Package detect identifies what the first sectors of a card or partition hold.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys/part"
)

// Type is a volume or partition table format.
type Type int

const (
	Unknown Type = iota
	FAT12
	FAT16
	FAT32
	NTFS
	Ext2
	Ext3
	Ext4
	MBR
	GPT
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	case NTFS:
		return "NTFS"
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// IsFAT returns true if the type is any FAT variant
func (t Type) IsFAT() bool {
	return t == FAT12 || t == FAT16 || t == FAT32
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

// Mountable reports whether the ext2 reader can follow the volume. Ext3
// without extents is readable; its journal is ignored.
func (t Type) Mountable() bool {
	return t == Ext2 || t == Ext3
}

// headerSectors covers the ext superblock and the GPT header.
const headerSectors = 4

// Detect classifies the volume starting at sector start of dev.
func Detect(dev blockdev.Device, start uint32) (Type, error) {
	if uint64(start)+headerSectors > uint64(dev.SectorCount()) {
		return Unknown, fmt.Errorf("sector %d: %w", start, blockdev.ErrOutOfRange)
	}
	header := make([]byte, headerSectors*blockdev.SectorSize)
	if _, err := dev.ReadBlocks(header, start); err != nil {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	return Classify(header), nil
}

// Classify identifies a format from the first 2048 bytes of a volume.
func Classify(header []byte) Type {
	if len(header) < blockdev.SectorSize {
		return Unknown
	}
	if len(header) >= 520 && bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT
	}
	if bytes.Equal(header[3:11], []byte("NTFS    ")) {
		return NTFS
	}
	if len(header) >= 2048 && binary.LittleEndian.Uint16(header[0x438:]) == 0xEF53 {
		return extVersion(header[1024:2048])
	}
	if header[510] != 0x55 || header[511] != 0xAA {
		return Unknown
	}
	if isFATBootSector(header) {
		return fatVersion(header)
	}
	if tbl, err := part.ParseMBR(header); err == nil && len(tbl.Used()) > 0 {
		return MBR
	}
	return Unknown
}

// isFATBootSector checks the BPB fields a FAT boot sector must carry.
func isFATBootSector(header []byte) bool {
	if header[0] != 0xEB && header[0] != 0xE9 {
		return false
	}
	switch binary.LittleEndian.Uint16(header[11:13]) {
	case 512, 1024, 2048, 4096:
	default:
		return false
	}
	spc := header[13]
	return spc != 0 && spc&(spc-1) == 0 && header[16] != 0
}

// fatVersion distinguishes FAT12, FAT16 and FAT32 by cluster count.
func fatVersion(header []byte) Type {
	if bytes.Equal(header[82:90], []byte("FAT32   ")) {
		return FAT32
	}
	bytesPerSector := uint32(binary.LittleEndian.Uint16(header[11:13]))
	sectorsPerCluster := uint32(header[13])
	reserved := uint32(binary.LittleEndian.Uint16(header[14:16]))
	fats := uint32(header[16])
	rootEntries := uint32(binary.LittleEndian.Uint16(header[17:19]))

	total := uint32(binary.LittleEndian.Uint16(header[19:21]))
	if total == 0 {
		total = binary.LittleEndian.Uint32(header[32:36])
	}
	fatSize := uint32(binary.LittleEndian.Uint16(header[22:24]))
	if fatSize == 0 {
		fatSize = binary.LittleEndian.Uint32(header[36:40])
	}

	rootSectors := (rootEntries*32 + bytesPerSector - 1) / bytesPerSector
	meta := reserved + fats*fatSize + rootSectors
	if total <= meta {
		return Unknown
	}
	switch clusters := (total - meta) / sectorsPerCluster; {
	case clusters < 4085:
		return FAT12
	case clusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}

// extVersion reads the feature flags of an ext superblock.
func extVersion(sb []byte) Type {
	const (
		compatHasJournal = 0x0004
		incompatExtents  = 0x0040
		incompat64Bit    = 0x0080
		incompatFlexBG   = 0x0200
	)
	compat := binary.LittleEndian.Uint32(sb[0x5C:])
	incompat := binary.LittleEndian.Uint32(sb[0x60:])
	switch {
	case incompat&(incompatExtents|incompat64Bit|incompatFlexBG) != 0:
		return Ext4
	case compat&compatHasJournal != 0:
		return Ext3
	default:
		return Ext2
	}
}
