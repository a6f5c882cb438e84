package ext2

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys"
)

var (
	_ fsys.FS           = (*FS)(nil)
	_ fsys.ExtentMapper = (*FS)(nil)
	_ fsys.FreeBlocker  = (*FS)(nil)
	_ fsys.HoleFiller   = (*FS)(nil)
)

// Type returns the ext generation named by the superblock features.
func (f *FS) Type() string { return f.sb.Flavor() }

// Close is a no-op; the FS holds no resources beyond its device.
func (f *FS) Close() error { return nil }

// FillsHoles reports whether ReadFile zero-fills holes.
func (f *FS) FillsHoles() bool { return f.holes == HolesZeroFill }

func pathErr(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, pathErr("open", name, fs.ErrInvalid)
	}
	n, ino, err := f.FindInode(name)
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	info := &fileInfo{ino: ino, num: n, name: path.Base(name)}
	if ino.IsDir() {
		return &extDir{fs: f, info: info}, nil
	}
	return &extFile{fs: f, info: info}, nil
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name without "."
// and "..".
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, pathErr("readdir", name, ErrNotDir)
	}
	entries, err := d.ReadDir(-1)
	slices.SortFunc(entries, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, err
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, pathErr("stat", name, fs.ErrInvalid)
	}
	n, ino, err := f.FindInode(name)
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return &fileInfo{ino: ino, num: n, name: path.Base(name)}, nil
}

// FileExtents returns the device byte ranges holding the file at name,
// relative to the start of the volume. Adjacent blocks are merged.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	_, ino, err := f.FindInode(name)
	if err != nil {
		return nil, pathErr("extents", name, err)
	}
	if ino.IsDir() {
		return nil, pathErr("extents", name, errors.New("is a directory"))
	}
	it, err := f.Blocks(ino)
	if err != nil {
		return nil, pathErr("extents", name, err)
	}

	bs := int64(f.bs)
	size := int64(ino.Size)
	var extents []fsys.Extent
	for {
		blk, ok := it.Next()
		if !ok {
			break
		}
		logical := int64(it.Logical()) * bs
		if logical >= size {
			break
		}
		length := min(bs, size-logical)
		phys := int64(blk) * bs
		if n := len(extents); n > 0 {
			last := &extents[n-1]
			if last.Logical+last.Length == logical && last.Physical+last.Length == phys {
				last.Length += length
				continue
			}
		}
		extents = append(extents, fsys.Extent{Logical: logical, Physical: phys, Length: length})
	}
	return extents, it.Err()
}

// FreeBlocks returns the free byte ranges recorded in the block bitmaps,
// relative to the start of the volume.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	var ranges []fsys.Range
	bs := int64(f.bs)
	bitmap := make([]byte, f.bs)

	for g, gd := range f.groups {
		if err := f.readBlock(bitmap, gd.BlockBitmap); err != nil {
			return nil, fmt.Errorf("block bitmap of group %d: %w", g, err)
		}
		first := int64(f.sb.FirstDataBlock) + int64(g)*int64(f.sb.BlocksPerGroup)
		count := min(int64(f.sb.BlocksPerGroup), int64(f.sb.BlockCount)-first, int64(len(bitmap))*8)
		for i := int64(0); i < count; i++ {
			if bitmap[i/8]&(1<<(i%8)) != 0 {
				continue
			}
			start := (first + i) * bs
			if n := len(ranges); n > 0 && ranges[n-1].End == start {
				ranges[n-1].End += bs
			} else {
				ranges = append(ranges, fsys.Range{Start: start, End: start + bs})
			}
		}
	}
	return ranges, nil
}

// extFile implements fs.File for regular files. Contents are loaded on first
// Read.
type extFile struct {
	fs     *FS
	info   *fileInfo
	data   []byte
	offset int64
	loaded bool
}

func (f *extFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *extFile) Read(b []byte) (int, error) {
	if !f.loaded {
		f.data = make([]byte, f.info.ino.Size)
		n, err := f.fs.ReadFile(f.info.ino, f.data)
		if err != nil {
			return 0, pathErr("read", f.info.name, err)
		}
		f.data = f.data[:n]
		f.loaded = true
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *extFile) Close() error {
	f.data = nil
	return nil
}

// extDir implements fs.ReadDirFile.
type extDir struct {
	fs      *FS
	info    *fileInfo
	entries []fs.DirEntry
	offset  int
	loaded  bool
}

func (d *extDir) Stat() (fs.FileInfo, error) { return d.info, nil }

func (d *extDir) Read([]byte) (int, error) {
	return 0, pathErr("read", d.info.name, errors.New("is a directory"))
}

func (d *extDir) Close() error {
	d.entries = nil
	return nil
}

func (d *extDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		err := d.fs.WalkDir(d.info.ino, func(e DirEntry) bool {
			if e.Name != "." && e.Name != ".." {
				d.entries = append(d.entries, &extDirEntry{fs: d.fs, e: e})
			}
			return true
		})
		if err != nil {
			return nil, pathErr("readdir", d.info.name, err)
		}
		d.loaded = true
	}

	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	rest = rest[:min(n, len(rest))]
	d.offset += len(rest)
	return rest, nil
}

// extDirEntry implements fs.DirEntry.
type extDirEntry struct {
	fs *FS
	e  DirEntry
}

func (e *extDirEntry) Name() string { return e.e.Name }

func (e *extDirEntry) IsDir() bool {
	if e.e.FileType == TypeUnknown {
		info, err := e.Info()
		return err == nil && info.IsDir()
	}
	return e.e.IsDir()
}

func (e *extDirEntry) Type() fs.FileMode {
	switch e.e.FileType {
	case TypeDir:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeUnknown:
		if info, err := e.Info(); err == nil {
			return info.Mode().Type()
		}
	}
	return 0
}

func (e *extDirEntry) Info() (fs.FileInfo, error) {
	ino, err := e.fs.Inode(e.e.Inode)
	if err != nil {
		return nil, err
	}
	return &fileInfo{ino: ino, num: e.e.Inode, name: e.e.Name}, nil
}

// fileInfo implements fsys.FileInfo.
type fileInfo struct {
	ino  Inode
	num  uint32
	name string
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.ino.Size) }
func (i *fileInfo) Mode() fs.FileMode  { return i.ino.FileMode() }
func (i *fileInfo) ModTime() time.Time { return i.ino.ModTime() }
func (i *fileInfo) IsDir() bool        { return i.ino.IsDir() }
func (i *fileInfo) Sys() any           { return &i.ino }
func (i *fileInfo) Inode() uint64      { return uint64(i.num) }

// VolumeExtent returns the byte extent of the volume on its device, for
// composing with FileExtents.
func (f *FS) VolumeExtent() fsys.Extent {
	return fsys.Extent{
		Logical:  0,
		Physical: int64(f.start) * blockdev.SectorSize,
		Length:   int64(f.sb.BlockCount) * int64(f.bs),
	}
}
