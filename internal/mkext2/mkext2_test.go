package mkext2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuildSuperblock(t *testing.T) {
	for _, bs := range []int{1024, 2048, 4096} {
		b, err := New(Options{BlockSize: bs, VolumeName: "boot"})
		if err != nil {
			t.Fatalf("New(%d) error = %v", bs, err)
		}
		img, err := b.Build()
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		sb := img[1024:2048]
		if got := binary.LittleEndian.Uint16(sb[56:]); got != Magic {
			t.Errorf("bs=%d: magic = %#x", bs, got)
		}
		if got := 1024 << binary.LittleEndian.Uint32(sb[24:]); got != bs {
			t.Errorf("bs=%d: block size from superblock = %d", bs, got)
		}
		wantFirst := uint32(0)
		if bs == 1024 {
			wantFirst = 1
		}
		if got := binary.LittleEndian.Uint32(sb[20:]); got != wantFirst {
			t.Errorf("bs=%d: first data block = %d, want %d", bs, got, wantFirst)
		}
		if string(bytes.TrimRight(sb[120:136], "\x00")) != "boot" {
			t.Errorf("bs=%d: volume name = %q", bs, sb[120:136])
		}
	}
}

func TestFileLayout(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Mkdir("boot"); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), 1024*14/16)
	ino, err := b.AddFile("boot/kernel", data)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := b.Lookup("/boot/kernel"); !ok || got != ino {
		t.Errorf("Lookup() = %d, %v; want %d", got, ok, ino)
	}
	blocks := b.DataBlocks(ino)
	if len(blocks) != 14 {
		t.Fatalf("DataBlocks() = %d blocks, want 14", len(blocks))
	}
	img, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	rec := img[b.InodeOffset(ino):]
	single := binary.LittleEndian.Uint32(rec[0x28+12*4:])
	if single == 0 {
		t.Fatalf("single indirect pointer not set")
	}
	for i, want := range blocks[12:] {
		if got := binary.LittleEndian.Uint32(img[b.BlockOffset(single)+4*i:]); got != want {
			t.Errorf("indirect entry %d = %d, want %d", i, got, want)
		}
	}
	off := b.BlockOffset(blocks[13])
	if !bytes.Equal(img[off:off+1024], data[13*1024:]) {
		t.Errorf("last block holds wrong data")
	}
}

func TestDoubleIndirectLayout(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	const p = 256
	data := make([]byte, (12+p+3)*1024)
	for i := range data {
		data[i] = byte(i / 1024)
	}
	ino, err := b.AddFile("big", data)
	if err != nil {
		t.Fatal(err)
	}
	blocks := b.DataBlocks(ino)
	if len(blocks) != 12+p+3 {
		t.Fatalf("DataBlocks() = %d blocks, want %d", len(blocks), 12+p+3)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	rec := img[b.InodeOffset(ino):]
	double := binary.LittleEndian.Uint32(rec[0x28+13*4:])
	if double == 0 {
		t.Fatalf("double indirect pointer not set")
	}
	if triple := binary.LittleEndian.Uint32(rec[0x28+14*4:]); triple != 0 {
		t.Errorf("triple indirect pointer = %d, want 0", triple)
	}
	child := binary.LittleEndian.Uint32(img[b.BlockOffset(double):])
	for i, want := range blocks[12+p:] {
		if got := binary.LittleEndian.Uint32(img[b.BlockOffset(child)+4*i:]); got != want {
			t.Errorf("double indirect entry 0/%d = %d, want %d", i, got, want)
		}
	}
	off := b.BlockOffset(blocks[12+p+2])
	if !bytes.Equal(img[off:off+1024], data[(12+p+2)*1024:]) {
		t.Errorf("last block holds wrong data")
	}
}

func TestSymlink(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	long := string(bytes.Repeat([]byte("a/"), 40))
	fast, err := b.Symlink("vmlinuz", "boot/Image")
	if err != nil {
		t.Fatal(err)
	}
	slow, err := b.Symlink("deep", long)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Symlink("empty", ""); err == nil {
		t.Errorf("Symlink() with an empty target succeeded")
	}
	img, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	rec := img[b.InodeOffset(fast):]
	if mode := binary.LittleEndian.Uint16(rec); mode&0xF000 != ModeSymlink {
		t.Errorf("mode = %#o", mode)
	}
	if string(rec[0x28:0x28+len("boot/Image")]) != "boot/Image" || binary.LittleEndian.Uint32(rec[0x1C:]) != 0 {
		t.Errorf("fast link not stored inline")
	}
	if len(b.DataBlocks(fast)) != 0 {
		t.Errorf("fast link has data blocks")
	}

	blocks := b.DataBlocks(slow)
	if len(blocks) != 1 {
		t.Fatalf("slow link has %d data blocks", len(blocks))
	}
	if off := b.BlockOffset(blocks[0]); string(img[off:off+len(long)]) != long {
		t.Errorf("slow link target not in its data block")
	}
}

func TestSparseTriple(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	const p = 256
	logical := uint32(12 + p + p*p + 5)
	ino, err := b.AddSparse("far", (logical+1)*1024, map[uint32][]byte{logical: []byte("tail")})
	if err != nil {
		t.Fatal(err)
	}
	// data block plus three levels of pointer blocks
	if got := b.inodes[ino].sectors; got != 4*2 {
		t.Errorf("sectors = %d, want 8", got)
	}
	if b.inodes[ino].ptr[14] == 0 {
		t.Errorf("triple indirect pointer not set")
	}

	if _, err := b.AddSparse("too-far", 0, map[uint32][]byte{12 + p + p*p + p*p*p: nil}); err == nil {
		t.Errorf("AddSparse() beyond triple range succeeded")
	}
}

func TestErrors(t *testing.T) {
	if _, err := New(Options{BlockSize: 512}); err == nil {
		t.Errorf("New() with 512-byte blocks succeeded")
	}
	if _, err := New(Options{Blocks: 8}); !errors.Is(err, ErrFull) {
		t.Errorf("New() with 8 blocks error = %v, want ErrFull", err)
	}
	b, _ := New(Options{})
	if _, err := b.AddFile("missing/file", nil); err == nil {
		t.Errorf("AddFile() into a missing directory succeeded")
	}
	if _, err := b.AddFile("a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddFile("a", nil); err == nil {
		t.Errorf("AddFile() of a duplicate name succeeded")
	}
}
