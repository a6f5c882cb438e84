package cmd

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/lvdlvd/sdboot/fsys/ext2"
)

// ErrTooLarge reports a file bigger than the load limit.
var ErrTooLarge = errors.New("file exceeds load limit")

// Load reads the file at fsPath into memory. A positive limit caps the file
// size that may be loaded.
func Load(v *ext2.Volume, fsPath string, limit int64) ([]byte, error) {
	_, ino, err := v.FindInode(fsPath)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", fsPath)
	}
	if limit > 0 && int64(ino.Size) > limit {
		return nil, fmt.Errorf("%s: %d bytes, limit %d: %w", fsPath, ino.Size, limit, ErrTooLarge)
	}
	buf := make([]byte, ino.Size)
	n, err := v.ReadFile(fsPath, buf)
	return buf[:n], err
}

// Checksum returns the IEEE CRC-32 the boot console reports for loaded data.
func Checksum(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
