package ext2

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys/part"
	"github.com/lvdlvd/sdboot/internal/mkext2"
)

type slot struct {
	idx   int
	typ   byte
	start uint32
	img   []byte // nil leaves the region zeroed
}

const slotSectors = 16384

// partitioned returns a device with an MBR and one region per slot.
func partitioned(slots ...slot) *blockdev.Memory {
	end := uint32(1)
	for _, s := range slots {
		end = max(end, s.start+slotSectors)
	}
	dev := blockdev.NewMemory(end)
	data := dev.Bytes()
	for _, s := range slots {
		part.Put(data[:blockdev.SectorSize], part.Entry{Index: s.idx, Type: s.typ, Start: s.start, Size: slotSectors})
		copy(data[int(s.start)*blockdev.SectorSize:], s.img)
	}
	return dev
}

func TestScan(t *testing.T) {
	_, img := tree(t, mkext2.Options{BlockSize: 1024})

	tests := []struct {
		name      string
		dev       blockdev.Device
		wantIdx   int
		wantStart uint32
		wantErr   error
	}{
		{"unpartitioned", blockdev.FromBytes(bytes.Clone(img)), 0, 0, nil},
		{"slot 1", partitioned(slot{1, 0x83, 2048, img}), 1, 2048, nil},
		{"fat before ext2", partitioned(slot{1, 0x0C, 2048, nil}, slot{2, 0x83, 20480, img}), 2, 20480, nil},
		{"empty leading slots", partitioned(slot{3, 0x83, 4096, img}), 3, 4096, nil},
		{"slot 4", partitioned(slot{1, 0x0C, 2048, nil}, slot{4, 0x83, 40960, img}), 4, 40960, nil},
		{"nothing", partitioned(slot{1, 0x0C, 2048, nil}), -1, 0, ErrNoFilesystem},
		{"blank device", blockdev.NewMemory(64), -1, 0, ErrNoFilesystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, idx, err := Scan(tt.dev)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Scan() error = %v, want %v", err, tt.wantErr)
			}
			if idx != tt.wantIdx {
				t.Errorf("Scan() index = %d, want %d", idx, tt.wantIdx)
			}
			if err != nil {
				return
			}
			if f.Start() != tt.wantStart {
				t.Errorf("Start() = %d, want %d", f.Start(), tt.wantStart)
			}
			_, ino, err := f.FindInode("readme")
			if err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 64)
			if n, err := f.ReadFile(ino, buf); err != nil || string(buf[:n]) != "hello\n" {
				t.Errorf("ReadFile() = %q, %v", buf[:n], err)
			}
		})
	}
}

func TestScanReadError(t *testing.T) {
	_, img := tree(t, mkext2.Options{})
	dev := &blockdev.Faulty{Device: blockdev.FromBytes(img), FailSector: 0, Enabled: true}
	if _, _, err := Scan(dev); !errors.Is(err, ErrNoFilesystem) || !errors.Is(err, blockdev.ErrShortTransfer) {
		t.Errorf("Scan() error = %v, want ErrNoFilesystem wrapping the read failure", err)
	}
}

func TestSelect(t *testing.T) {
	_, img := tree(t, mkext2.Options{BlockSize: 2048, Blocks: 4096})
	dev := partitioned(slot{1, 0x0C, 2048, nil}, slot{2, 0x83, 20480, img})

	tests := []struct {
		idx     int
		wantErr error
	}{
		{2, nil},
		{0, ErrBadSuperblock},
		{1, ErrBadSuperblock},
		{3, ErrNoPartition},
		{5, ErrNoPartition},
		{-1, ErrNoPartition},
	}
	for _, tt := range tests {
		f, err := Select(dev, tt.idx)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Select(%d) error = %v, want %v", tt.idx, err, tt.wantErr)
		}
		if err == nil && f.Start() != 20480 {
			t.Errorf("Select(%d) mounted at %d", tt.idx, f.Start())
		}
	}
}

func TestVolume(t *testing.T) {
	_, img := tree(t, mkext2.Options{})
	v := NewVolume(partitioned(slot{1, 0x0C, 2048, nil}, slot{2, 0x83, 20480, img}))

	if _, ok := v.Mounted(); ok {
		t.Fatal("new volume is mounted")
	}
	if _, err := v.ReadFile("readme", make([]byte, 10)); !errors.Is(err, ErrNotMounted) {
		t.Errorf("ReadFile() unmounted error = %v", err)
	}
	if err := v.ListDir("/", func(DirEntry) bool { return true }); !errors.Is(err, ErrNotMounted) {
		t.Errorf("ListDir() unmounted error = %v", err)
	}

	idx, err := v.Scan()
	if err != nil || idx != 2 {
		t.Fatalf("Scan() = %d, %v", idx, err)
	}
	if p, ok := v.Mounted(); !ok || p != 2 {
		t.Errorf("Mounted() = %d, %v", p, ok)
	}

	buf := make([]byte, 3)
	if n, err := v.ReadFile("readme", buf); err != nil || string(buf[:n]) != "hel" {
		t.Errorf("ReadFile() = %q, %v", buf[:n], err)
	}
	var names []string
	if err := v.ListDir("boot", func(e DirEntry) bool {
		names = append(names, e.Name)
		return true
	}); err != nil || len(names) != 4 {
		t.Errorf("ListDir(boot) = %v, %v", names, err)
	}
	if err := v.ListDir("readme", func(DirEntry) bool { return true }); !errors.Is(err, ErrNotDir) {
		t.Errorf("ListDir() on a file error = %v", err)
	}
	if n, _, err := v.FindInode("boot/kernel"); err != nil || n == 0 {
		t.Errorf("FindInode() = %d, %v", n, err)
	}

	if err := v.Select(1); err == nil {
		t.Fatalf("Select(1) mounted a FAT region")
	}
	if _, ok := v.Mounted(); ok || v.FS() != nil {
		t.Errorf("failed Select left a session")
	}

	if err := v.Select(2); err != nil {
		t.Fatal(err)
	}
	v.Unmount()
	if _, ok := v.Mounted(); ok {
		t.Errorf("Unmount() left a session")
	}
}
