package blockdev

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMemoryRange(t *testing.T) {
	m := NewMemory(8)
	tests := []struct {
		name    string
		size    int
		sector  uint32
		wantErr error
	}{
		{"whole device", 8 * SectorSize, 0, nil},
		{"last sector", SectorSize, 7, nil},
		{"past end", 2 * SectorSize, 7, ErrOutOfRange},
		{"empty", 0, 0, ErrUnaligned},
		{"unaligned", 100, 0, ErrUnaligned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ReadBlocks(make([]byte, tt.size), tt.sector)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadBlocks() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFaultyShortCount(t *testing.T) {
	m := NewMemory(16)
	for i := range m.Bytes() {
		m.Bytes()[i] = byte(i / SectorSize)
	}
	f := &Faulty{Device: m, FailSector: 5, Enabled: true}

	buf := make([]byte, 4*SectorSize)
	n, err := f.ReadBlocks(buf, 3)
	if n != 2 {
		t.Fatalf("ReadBlocks() = %d sectors, want 2", n)
	}
	if !errors.Is(err, ErrShortTransfer) {
		t.Fatalf("ReadBlocks() error = %v, want ErrShortTransfer", err)
	}
	if buf[0] != 3 || buf[SectorSize] != 4 {
		t.Errorf("transferred sectors hold %d, %d; want 3, 4", buf[0], buf[SectorSize])
	}

	n, err = f.ReadBlocks(buf, 8)
	if n != 4 || err != nil {
		t.Errorf("transfer past fault = %d, %v; want 4, nil", n, err)
	}

	n, err = f.ReadBlocks(buf[:SectorSize], 5)
	if n != 0 || !errors.Is(err, ErrShortTransfer) {
		t.Errorf("transfer at fault = %d, %v; want 0, ErrShortTransfer", n, err)
	}
}

func TestByteView(t *testing.T) {
	m := NewMemory(4)
	v := NewByteView(m)

	msg := []byte("spans two sectors")
	off := int64(SectorSize - 5)
	if n, err := v.WriteAt(msg, off); err != nil || n != len(msg) {
		t.Fatalf("WriteAt() = %d, %v", n, err)
	}
	if !bytes.Equal(m.Bytes()[off:off+int64(len(msg))], msg) {
		t.Errorf("backing store does not hold the written bytes")
	}

	got := make([]byte, len(msg))
	if n, err := v.ReadAt(got, off); err != nil || n != len(msg) {
		t.Fatalf("ReadAt() = %d, %v", n, err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("ReadAt() = %q, want %q", got, msg)
	}

	big := make([]byte, 3*SectorSize)
	n, err := v.ReadAt(big, SectorSize+10)
	if err != io.EOF {
		t.Errorf("ReadAt() past end error = %v, want io.EOF", err)
	}
	if want := 3*SectorSize - 10; n != want {
		t.Errorf("ReadAt() past end = %d bytes, want %d", n, want)
	}

	if _, err := v.WriteAt(make([]byte, 10), v.Size()-5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt() past end error = %v, want ErrOutOfRange", err)
	}
}
