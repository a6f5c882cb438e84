//go:build ignore

// mkdisk writes sample card images for trying out sdboot:
//
//	testdata/sdcard.img  MBR with a FAT32 boot slot and an EXT2 root in slot 2
//	testdata/bare.img    unpartitioned EXT2 with 4K blocks
//
// Run from the module root with: go run testdata/mkdisk.go
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys/part"
	"github.com/lvdlvd/sdboot/internal/mkext2"
)

func main() {
	if err := createCardImage(); err != nil {
		fmt.Fprintf(os.Stderr, "sdcard.img: %v\n", err)
		os.Exit(1)
	}
	if err := createBareImage(); err != nil {
		fmt.Fprintf(os.Stderr, "bare.img: %v\n", err)
		os.Exit(1)
	}
}

func createCardImage() error {
	const diskSize = 64 << 20
	const fatStart, fatSectors = 2048, 16 << 20 / blockdev.SectorSize
	const extStart = fatStart + fatSectors

	b, err := mkext2.New(mkext2.Options{Blocks: 16384, VolumeName: "rootfs"})
	if err != nil {
		return err
	}
	if err := populate(b); err != nil {
		return err
	}
	root, err := b.Build()
	if err != nil {
		return err
	}

	disk := make([]byte, diskSize)
	part.Put(disk, part.Entry{Index: 1, Bootable: true, Type: 0x0C, Start: fatStart, Size: fatSectors})
	part.Put(disk, part.Entry{Index: 2, Type: 0x83, Start: extStart, Size: uint32(len(root) / blockdev.SectorSize)})
	formatFAT32(disk[fatStart*blockdev.SectorSize:(fatStart+fatSectors)*blockdev.SectorSize], fatStart)
	copy(disk[extStart*blockdev.SectorSize:], root)

	if err := os.WriteFile("testdata/sdcard.img", disk, 0o644); err != nil {
		return err
	}
	fmt.Println("Created sdcard.img")
	return nil
}

func createBareImage() error {
	b, err := mkext2.New(mkext2.Options{BlockSize: 4096, Blocks: 4096, VolumeName: "bare"})
	if err != nil {
		return err
	}
	if err := populate(b); err != nil {
		return err
	}
	img, err := b.Build()
	if err != nil {
		return err
	}
	if err := os.WriteFile("testdata/bare.img", img, 0o644); err != nil {
		return err
	}
	fmt.Println("Created bare.img")
	return nil
}

func populate(b *mkext2.Builder) error {
	kernel := make([]byte, 3<<20+1234)
	for i := range kernel {
		kernel[i] = byte(i * 31)
	}
	for _, dir := range []string{"boot", "boot/extlinux", "etc"} {
		if _, err := b.Mkdir(dir); err != nil {
			return err
		}
	}
	files := []struct {
		path string
		data []byte
	}{
		{"boot/Image", kernel},
		{"boot/extlinux/extlinux.conf", []byte("LABEL linux\n  KERNEL /boot/Image\n  APPEND root=/dev/mmcblk0p2\n")},
		{"etc/hostname", []byte("sdboot\n")},
		{"README", bytes.Repeat([]byte("sample card image\n"), 100)},
	}
	for _, f := range files {
		if _, err := b.AddFile(f.path, f.data); err != nil {
			return err
		}
	}
	_, err := b.AddSparse("swap", 1<<20, map[uint32][]byte{0: []byte("SWAPSPACE2")})
	return err
}

// formatFAT32 writes a boot sector and empty FATs, enough for the
// partition to be recognised.
func formatFAT32(p []byte, hidden uint32) {
	const sectorSize = 512
	const sectorsPerCluster = 8
	const reservedSectors = 32
	const numFATs = 2

	totalSectors := uint32(len(p) / sectorSize)
	numClusters := (totalSectors - reservedSectors) / sectorsPerCluster
	fatSectors := (numClusters*4 + sectorSize - 1) / sectorSize

	bpb := p[:sectorSize]
	copy(bpb[0:3], []byte{0xEB, 0x58, 0x90})
	copy(bpb[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(bpb[11:13], sectorSize)
	bpb[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(bpb[14:16], reservedSectors)
	bpb[16] = numFATs
	bpb[21] = 0xF8 // fixed disk
	binary.LittleEndian.PutUint16(bpb[24:26], 63)
	binary.LittleEndian.PutUint16(bpb[26:28], 255)
	binary.LittleEndian.PutUint32(bpb[28:32], hidden)
	binary.LittleEndian.PutUint32(bpb[32:36], totalSectors)
	binary.LittleEndian.PutUint32(bpb[36:40], fatSectors)
	binary.LittleEndian.PutUint32(bpb[44:48], 2) // root cluster
	binary.LittleEndian.PutUint16(bpb[48:50], 1) // FSInfo
	binary.LittleEndian.PutUint16(bpb[50:52], 6) // backup boot sector
	bpb[64] = 0x80
	bpb[66] = 0x29
	binary.LittleEndian.PutUint32(bpb[67:71], 0x5db00700)
	copy(bpb[71:82], "BOOT       ")
	copy(bpb[82:90], "FAT32   ")
	bpb[510] = 0x55
	bpb[511] = 0xAA

	for i := range uint32(numFATs) {
		fat := p[(reservedSectors+i*fatSectors)*sectorSize:]
		binary.LittleEndian.PutUint32(fat[0:4], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(fat[4:8], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(fat[8:12], 0x0FFFFFFF) // root directory
	}
}
