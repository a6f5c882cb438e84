package detect

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys/part"
	"github.com/lvdlvd/sdboot/internal/mkext2"
)

func ext(t *testing.T, opts mkext2.Options) []byte {
	t.Helper()
	b, err := mkext2.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return img[:4096]
}

// fatBoot returns a FAT boot sector for a volume of total sectors.
func fatBoot(total uint32, spc byte, fatSize uint16, rootEntries uint16, label string) []byte {
	h := make([]byte, 2048)
	h[0], h[1], h[2] = 0xEB, 0x3C, 0x90
	copy(h[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(h[11:], 512)
	h[13] = spc
	binary.LittleEndian.PutUint16(h[14:], 1)
	h[16] = 2
	binary.LittleEndian.PutUint16(h[17:], rootEntries)
	if total < 0x10000 {
		binary.LittleEndian.PutUint16(h[19:], uint16(total))
	} else {
		binary.LittleEndian.PutUint32(h[32:], total)
	}
	if fatSize != 0 {
		binary.LittleEndian.PutUint16(h[22:], fatSize)
	} else {
		binary.LittleEndian.PutUint32(h[36:], 1024)
		copy(h[82:90], label)
	}
	h[510], h[511] = 0x55, 0xAA
	return h
}

func TestClassify(t *testing.T) {
	mbr := make([]byte, 2048)
	part.Put(mbr, part.Entry{Index: 2, Type: 0x83, Start: 2048, Size: 8192})

	gpt := make([]byte, 2048)
	copy(gpt[512:], "EFI PART")

	ntfs := make([]byte, 2048)
	copy(ntfs[3:], "NTFS    ")

	journal := ext(t, mkext2.Options{})
	binary.LittleEndian.PutUint32(journal[1024+0x5C:], 0x0004)

	tests := []struct {
		name   string
		header []byte
		want   Type
	}{
		{"ext2", ext(t, mkext2.Options{}), Ext2},
		{"ext2 rev0", ext(t, mkext2.Options{Rev0: true}), Ext2},
		{"ext3", journal, Ext3},
		{"ext4", ext(t, mkext2.Options{Incompat: 0x40}), Ext4},
		{"mbr", mbr, MBR},
		{"gpt", gpt, GPT},
		{"ntfs", ntfs, NTFS},
		{"fat12", fatBoot(2880, 1, 9, 224, ""), FAT12},
		{"fat16", fatBoot(60000, 1, 256, 512, ""), FAT16},
		{"fat32", fatBoot(1 << 21, 8, 0, 0, "FAT32   "), FAT32},
		{"signature only", func() []byte { b := make([]byte, 512); b[510], b[511] = 0x55, 0xAA; return b }(), Unknown},
		{"zero", make([]byte, 2048), Unknown},
		{"short", make([]byte, 100), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.header); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	dev := blockdev.NewMemory(16384)
	data := dev.Bytes()
	part.Put(data, part.Entry{Index: 1, Type: 0x0C, Start: 2048, Size: 4096})
	part.Put(data, part.Entry{Index: 2, Type: 0x83, Start: 8192, Size: 8192})
	copy(data[2048*blockdev.SectorSize:], fatBoot(1<<21, 8, 0, 0, "FAT32   "))
	copy(data[8192*blockdev.SectorSize:], ext(t, mkext2.Options{}))

	for _, tt := range []struct {
		start uint32
		want  Type
	}{
		{0, MBR},
		{2048, FAT32},
		{8192, Ext2},
		{100, Unknown},
	} {
		got, err := Detect(dev, tt.start)
		if err != nil || got != tt.want {
			t.Errorf("Detect(%d) = %v, %v; want %v", tt.start, got, err, tt.want)
		}
	}
	if _, err := Detect(dev, 16382); !errors.Is(err, blockdev.ErrOutOfRange) {
		t.Errorf("Detect() past the end error = %v", err)
	}
	if !Ext2.Mountable() || !Ext3.Mountable() || Ext4.Mountable() || FAT32.Mountable() {
		t.Errorf("Mountable() mismatch")
	}
}
