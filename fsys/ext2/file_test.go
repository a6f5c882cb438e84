package ext2

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/internal/mkext2"
)

func TestReadFile(t *testing.T) {
	tests := []struct {
		bs   int
		size int
		dst  int
	}{
		{1024, 3000, 4096},
		{1024, 3000, 3000},
		{1024, 3000, 1000},
		{1024, 3000, 511},
		{1024, 12*1024 + 700, 20000},
		{2048, 0, 10},
		{2048, 5000, 0},
		{4096, 10000, 20000},
		{4096, 10000, 4097},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("bs%d/size%d/dst%d", tt.bs, tt.size, tt.dst), func(t *testing.T) {
			data := seq(tt.size, 5)
			_, img := build(t, mkext2.Options{BlockSize: tt.bs}, func(b *mkext2.Builder) {
				must[uint32](t)(b.AddFile("f", data))
			})
			f := mount(t, img)
			_, ino, err := f.FindInode("f")
			if err != nil {
				t.Fatal(err)
			}

			dst := bytes.Repeat([]byte{0xAA}, tt.dst)
			n, err := f.ReadFile(ino, dst)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if want := min(tt.size, tt.dst); n != want {
				t.Fatalf("ReadFile() = %d, want %d", n, want)
			}
			if !bytes.Equal(dst[:n], data[:n]) {
				t.Errorf("contents differ")
			}
			for i, c := range dst[n:] {
				if c != 0xAA {
					t.Fatalf("byte %d past the count was written", n+i)
				}
			}
		})
	}
}

func TestReadFileHoles(t *testing.T) {
	const bs = 1024
	a := bytes.Repeat([]byte{'A'}, bs)
	c := bytes.Repeat([]byte{'C'}, bs/2)
	_, img := build(t, mkext2.Options{BlockSize: bs}, func(b *mkext2.Builder) {
		// hole, A, C, trailing hole
		must[uint32](t)(b.AddSparse("sparse", 4*bs, map[uint32][]byte{1: a, 2: c}))
	})

	zeros := make([]byte, bs)
	cblock := append(append([]byte{}, c...), make([]byte, bs/2)...)
	tests := []struct {
		policy HolePolicy
		want   []byte
	}{
		{HolesZeroFill, bytes.Join([][]byte{zeros, a, cblock, zeros}, nil)},
		{HolesSkip, bytes.Join([][]byte{a, cblock}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := mount(t, img, WithHolePolicy(tt.policy))
			if f.HolePolicy() != tt.policy {
				t.Fatalf("HolePolicy() = %v", f.HolePolicy())
			}
			_, ino, err := f.FindInode("sparse")
			if err != nil {
				t.Fatal(err)
			}
			dst := bytes.Repeat([]byte{0xFF}, 8*bs)
			n, err := f.ReadFile(ino, dst)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if !bytes.Equal(dst[:n], tt.want) {
				t.Errorf("ReadFile() = %d bytes, want %d", n, len(tt.want))
			}
			if dst[n] != 0xFF {
				t.Errorf("byte past the count was written")
			}
		})
	}
}

func TestReadFileShort(t *testing.T) {
	tests := []struct {
		name   string
		bs     int
		size   int
		block  int // index of the data block holding the bad sector
		sector uint32
		want   int
	}{
		{"first sector", 2048, 4 * 2048, 0, 0, 0},
		{"mid block", 2048, 4 * 2048, 2, 2, 2*2048 + 2*512},
		{"last block", 2048, 4 * 2048, 3, 3, 3*2048 + 3*512},
		{"tail sector", 2048, 2048 + 700, 1, 1, 2048 + 512},
		{"1k blocks", 1024, 20 * 1024, 15, 1, 15*1024 + 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := seq(tt.size, 9)
			b, img := build(t, mkext2.Options{BlockSize: tt.bs}, func(b *mkext2.Builder) {
				must[uint32](t)(b.AddFile("f", data))
			})
			n, _ := b.Lookup("f")
			dev := &blockdev.Faulty{Device: blockdev.FromBytes(img)}
			f, err := Mount(dev, 0)
			if err != nil {
				t.Fatal(err)
			}
			ino, err := f.Inode(n)
			if err != nil {
				t.Fatal(err)
			}
			spb := uint32(tt.bs / blockdev.SectorSize)
			dev.FailSector = b.DataBlocks(n)[tt.block]*spb + tt.sector
			dev.Enabled = true

			dst := make([]byte, tt.size)
			got, err := f.ReadFile(ino, dst)
			if !errors.Is(err, blockdev.ErrShortTransfer) {
				t.Errorf("ReadFile() error = %v, want ErrShortTransfer", err)
			}
			if got != tt.want {
				t.Errorf("ReadFile() = %d, want %d", got, tt.want)
			}
			if !bytes.Equal(dst[:got], data[:got]) {
				t.Errorf("bytes before the failure differ")
			}
		})
	}
}

func TestSymlinks(t *testing.T) {
	const fast = "boot/kernel"
	slow := string(bytes.Repeat([]byte("../"), 30)) + "boot/kernel"
	_, img := build(t, mkext2.Options{}, func(b *mkext2.Builder) {
		must[uint32](t)(b.Mkdir("boot"))
		must[uint32](t)(b.AddFile("boot/kernel", seq(3000, 5)))
		must[uint32](t)(b.Symlink("vmlinuz", fast))
		must[uint32](t)(b.Symlink("far", slow))
	})
	f := mount(t, img)

	tests := []struct {
		path       string
		target     string
		wantInline bool
	}{
		{"vmlinuz", fast, true},
		{"far", slow, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, ino, err := f.FindInode(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			if ino.IsFastSymlink() != tt.wantInline {
				t.Errorf("IsFastSymlink() = %v", ino.IsFastSymlink())
			}
			if ino.FileMode()&fs.ModeSymlink == 0 {
				t.Errorf("FileMode() = %v", ino.FileMode())
			}

			dst := make([]byte, 100)
			n, err := f.ReadFile(ino, dst)
			if err != nil || string(dst[:n]) != tt.target {
				t.Errorf("ReadFile() = %q, %v; want %q", dst[:n], err, tt.target)
			}
			if got, err := fs.ReadFile(f, tt.path); err != nil || string(got) != tt.target {
				t.Errorf("fs.ReadFile() = %q, %v", got, err)
			}

			extents, err := f.FileExtents(tt.path)
			if tt.wantInline {
				if !errors.Is(err, ErrInline) {
					t.Errorf("FileExtents() = %v, %v; want ErrInline", extents, err)
				}
				if _, err := f.Blocks(ino); !errors.Is(err, ErrInline) {
					t.Errorf("Blocks() error = %v, want ErrInline", err)
				}
				return
			}
			if err != nil || len(extents) != 1 || extents[0].Length != int64(len(tt.target)) {
				t.Errorf("FileExtents() = %+v, %v", extents, err)
			}
		})
	}

	// a short read of a fast link stops at the buffer
	_, ino, _ := f.FindInode("vmlinuz")
	dst := make([]byte, 4)
	if n, err := f.ReadFile(ino, dst); n != 4 || err != nil || string(dst) != "boot" {
		t.Errorf("ReadFile() into 4 bytes = %d %q, %v", n, dst, err)
	}
}
