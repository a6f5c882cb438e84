package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"strings"
)

// Directory entry file types (FILETYPE feature).
const (
	TypeUnknown = 0
	TypeRegular = 1
	TypeDir     = 2
	TypeSymlink = 7
)

// DirEntry is one live directory record.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// IsDir reports whether the entry's type byte names a directory. Volumes
// without FILETYPE always report false; resolve the inode instead.
func (e DirEntry) IsDir() bool { return e.FileType == TypeDir }

// scanDir visits every live record of dir. The name slice is only valid for
// the duration of the call.
func (f *FS) scanDir(dir Inode, fn func(ino uint32, recLen uint16, typ uint8, name []byte) bool) error {
	if !dir.IsDir() {
		return ErrNotDir
	}
	it, err := f.Blocks(dir)
	if err != nil {
		return err
	}
	buf := make([]byte, f.bs)
	hasType := f.sb.FeatureIncompat&FeatureFileType != 0
	for {
		blk, ok := it.Next()
		if !ok {
			break
		}
		if err := f.readBlock(buf, blk); err != nil {
			return fmt.Errorf("directory block %d: %w", blk, err)
		}
		for off := 0; off+8 <= len(buf); {
			ino := binary.LittleEndian.Uint32(buf[off:])
			recLen := int(binary.LittleEndian.Uint16(buf[off+4:]))
			nameLen := int(buf[off+6])
			if recLen < 8 || recLen%4 != 0 || off+recLen > len(buf) || 8+nameLen > recLen {
				return fmt.Errorf("directory block %d offset %d: record length %d: %w", blk, off, recLen, ErrCorrupt)
			}
			if ino != 0 {
				typ := buf[off+7]
				if !hasType {
					typ = TypeUnknown
				}
				if !fn(ino, uint16(recLen), typ, buf[off+8:off+8+nameLen]) {
					return nil
				}
			}
			off += recLen
		}
	}
	return it.Err()
}

// WalkDir calls fn for every live entry of dir, including "." and "..",
// until fn returns false.
func (f *FS) WalkDir(dir Inode, fn func(DirEntry) bool) error {
	return f.scanDir(dir, func(ino uint32, recLen uint16, typ uint8, name []byte) bool {
		return fn(DirEntry{
			Inode:    ino,
			RecLen:   recLen,
			NameLen:  uint8(len(name)),
			FileType: typ,
			Name:     string(name),
		})
	})
}

// Lookup returns the inode number of name in dir.
func (f *FS) Lookup(dir Inode, name string) (uint32, error) {
	var found uint32
	want := []byte(name)
	err := f.scanDir(dir, func(ino uint32, _ uint16, _ uint8, n []byte) bool {
		if len(n) == len(want) && bytes.Equal(n, want) {
			found = ino
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, fs.ErrNotExist
	}
	return found, nil
}

// FindInode resolves a slash-separated path from the root directory. Empty
// components are ignored, so "", "/" and "//" all name the root.
func (f *FS) FindInode(path string) (uint32, Inode, error) {
	n := uint32(rootInode)
	ino, err := f.Inode(n)
	if err != nil {
		return 0, Inode{}, err
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if !ino.IsDir() {
			return 0, Inode{}, fmt.Errorf("%s: %w", path, ErrNotDir)
		}
		next, err := f.Lookup(ino, part)
		if err != nil {
			return 0, Inode{}, fmt.Errorf("%s: %w", path, err)
		}
		if ino, err = f.Inode(next); err != nil {
			return 0, Inode{}, fmt.Errorf("%s: %w", path, err)
		}
		n = next
	}
	return n, ino, nil
}
