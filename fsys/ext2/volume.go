package ext2

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys"
)

// ErrNotMounted reports a request made while no volume is selected.
var ErrNotMounted = errors.New("ext2: no filesystem mounted")

// Volume is the mount session for one device. A failed Scan or Select leaves
// it unmounted; every request is serialised under one lock.
type Volume struct {
	mu   sync.Mutex
	dev  blockdev.Device
	opts []Option
	fs   *FS
	part int
}

// NewVolume returns an unmounted session on dev.
func NewVolume(dev blockdev.Device, opts ...Option) *Volume {
	return &Volume{dev: dev, opts: opts, part: -1}
}

// Scan replaces the current session with the first volume found on the device.
func (v *Volume) Scan() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fs, v.part = nil, -1
	f, idx, err := Scan(v.dev, v.opts...)
	if err != nil {
		return -1, err
	}
	v.fs, v.part = f, idx
	return idx, nil
}

// Select replaces the current session with the volume at idx (0 for sector 0,
// 1-4 for an MBR slot).
func (v *Volume) Select(idx int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fs, v.part = nil, -1
	f, err := Select(v.dev, idx, v.opts...)
	if err != nil {
		return err
	}
	v.fs, v.part = f, idx
	return nil
}

// Mounted returns the selected partition index and whether a volume is mounted.
func (v *Volume) Mounted() (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.part, v.fs != nil
}

// Unmount drops the session.
func (v *Volume) Unmount() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fs, v.part = nil, -1
}

// FS returns the mounted filesystem or nil. The returned FS is not covered
// by the session lock.
func (v *Volume) FS() *FS {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fs
}

// Device returns the device the session reads from.
func (v *Volume) Device() blockdev.Device { return v.dev }

// FindInode resolves path on the mounted volume.
func (v *Volume) FindInode(path string) (uint32, Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return 0, Inode{}, ErrNotMounted
	}
	return v.fs.FindInode(path)
}

// ListDir calls fn for every entry of the directory at path.
func (v *Volume) ListDir(path string, fn func(DirEntry) bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listDir(path, fn)
}

func (v *Volume) listDir(path string, fn func(DirEntry) bool) error {
	if v.fs == nil {
		return ErrNotMounted
	}
	_, dir, err := v.fs.FindInode(path)
	if err != nil {
		return err
	}
	if !dir.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrNotDir)
	}
	return v.fs.WalkDir(dir, fn)
}

// ReadFile reads the file at path into dst.
func (v *Volume) ReadFile(path string, dst []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return 0, ErrNotMounted
	}
	_, ino, err := v.fs.FindInode(path)
	if err != nil {
		return 0, err
	}
	return v.fs.ReadFile(ino, dst)
}

var (
	_ fsys.FS           = (*Volume)(nil)
	_ fsys.ExtentMapper = (*Volume)(nil)
	_ fsys.FreeBlocker  = (*Volume)(nil)
	_ fsys.HoleFiller   = (*Volume)(nil)
)

// The methods below give the session an io/fs view. Every call, including
// reads on files it opened, runs under the session lock.

// Type returns the type of the mounted filesystem, or "none".
func (v *Volume) Type() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return "none"
	}
	return v.fs.Type()
}

// Close unmounts the session.
func (v *Volume) Close() error {
	v.Unmount()
	return nil
}

// Open implements fs.FS.
func (v *Volume) Open(name string) (fs.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, pathErr("open", name, ErrNotMounted)
	}
	f, err := v.fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &volumeFile{v: v, f: f, name: name}, nil
}

// Stat implements fs.StatFS.
func (v *Volume) Stat(name string) (fs.FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, pathErr("stat", name, ErrNotMounted)
	}
	return v.fs.Stat(name)
}

// ReadDir implements fs.ReadDirFS through ListDir. Entries carry their
// resolved inode and are sorted by name without "." and "..".
func (v *Volume) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, pathErr("readdir", name, fs.ErrInvalid)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var entries []fs.DirEntry
	var ierr error
	err := v.listDir(name, func(e DirEntry) bool {
		if e.Name == "." || e.Name == ".." {
			return true
		}
		ino, err := v.fs.Inode(e.Inode)
		if err != nil {
			ierr = err
			return false
		}
		entries = append(entries, fs.FileInfoToDirEntry(&fileInfo{ino: ino, num: e.Inode, name: e.Name}))
		return true
	})
	if err == nil {
		err = ierr
	}
	if err != nil {
		return nil, pathErr("readdir", name, err)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

// FileExtents implements fsys.ExtentMapper.
func (v *Volume) FileExtents(name string) ([]fsys.Extent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, pathErr("extents", name, ErrNotMounted)
	}
	return v.fs.FileExtents(name)
}

// FreeBlocks implements fsys.FreeBlocker.
func (v *Volume) FreeBlocks() ([]fsys.Range, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, ErrNotMounted
	}
	return v.fs.FreeBlocks()
}

// FillsHoles implements fsys.HoleFiller. It is false while unmounted.
func (v *Volume) FillsHoles() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fs != nil && v.fs.FillsHoles()
}

// VolumeExtent returns the byte extent of the mounted volume on the device.
func (v *Volume) VolumeExtent() fsys.Extent {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return fsys.Extent{}
	}
	return v.fs.VolumeExtent()
}

// volumeFile takes the session lock around every read of a file opened
// through a Volume.
type volumeFile struct {
	v    *Volume
	f    fs.File
	name string
}

func (f *volumeFile) Stat() (fs.FileInfo, error) { return f.f.Stat() }
func (f *volumeFile) Close() error               { return f.f.Close() }

func (f *volumeFile) Read(b []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return f.f.Read(b)
}

func (f *volumeFile) ReadDir(n int) ([]fs.DirEntry, error) {
	d, ok := f.f.(fs.ReadDirFile)
	if !ok {
		return nil, pathErr("readdir", f.name, ErrNotDir)
	}
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	entries, err := d.ReadDir(n)
	for i, e := range entries {
		info, ierr := e.Info()
		if ierr != nil {
			return entries[:i], pathErr("readdir", path.Join(f.name, e.Name()), ierr)
		}
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, err
}
