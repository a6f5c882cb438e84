// Package fsys provides the read-only filesystem interface the commands work
// against, and extent mapping from file offsets to device offsets.
package fsys

import (
	"cmp"
	"fmt"
	"io"
	"io/fs"
	"slices"
)

// Range is a byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent maps a run of file offsets to offsets on the underlying reader.
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the underlying reader
	Length   int64
}

// FS is a read-only filesystem on a block device.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name (e.g. "ext2")
	Type() string

	// Close releases any resources held by the filesystem
	Close() error
}

// FreeBlocker is an optional interface for filesystems that can report free
// space as ascending, non-overlapping byte ranges.
type FreeBlocker interface {
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is an optional interface for filesystems that can report
// where a file's data lives on the underlying reader. Holes are absent from
// the returned list.
type ExtentMapper interface {
	FileExtents(path string) ([]Extent, error)
}

// HoleFiller is an optional interface for filesystems that report whether
// file holes read back as zeros at their offsets. Only then does reading
// through FileExtents give the same bytes as Open.
type HoleFiller interface {
	FillsHoles() bool
}

// FileInfo provides extended file information
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number (0 for filesystems without inodes)
	Inode() uint64
}

// ExtentReaderAt reads a file through its extents without loading it. Offsets
// not covered by an extent read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt returns a reader of size bytes mapped through extents onto
// r. When r is itself an ExtentReaderAt the two mappings are composed so reads
// go straight to the innermost reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := slices.Clone(extents)
	slices.SortFunc(sorted, func(a, b Extent) int { return cmp.Compare(a.Logical, b.Logical) })

	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// ComposeExtents maps outer extents, whose Physical offsets are logical
// offsets of inner, through inner. Parts of outer that fall into gaps of
// inner are dropped. inner must be sorted by Logical.
func ComposeExtents(outer, inner []Extent) []Extent {
	var out []Extent
	for _, o := range outer {
		lo, hi := o.Physical, o.Physical+o.Length
		for _, in := range inner {
			start := max(lo, in.Logical)
			end := min(hi, in.Logical+in.Length)
			if start >= end {
				continue
			}
			out = append(out, Extent{
				Logical:  o.Logical + (start - lo),
				Physical: in.Physical + (start - in.Logical),
				Length:   end - start,
			})
		}
	}
	return out
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the flattened mapping.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}
	var eof error
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
		eof = io.EOF
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		i, found := slices.BinarySearchFunc(e.extents, pos, func(x Extent, t int64) int {
			switch {
			case t < x.Logical:
				return 1
			case t >= x.Logical+x.Length:
				return -1
			}
			return 0
		})
		if !found {
			// hole up to the next extent
			end := e.size
			if i < len(e.extents) {
				end = e.extents[i].Logical
			}
			n := int(min(end-pos, int64(len(p)-done)))
			clear(p[done : done+n])
			done += n
			continue
		}

		x := e.extents[i]
		n := int(min(x.Logical+x.Length-pos, int64(len(p)-done)))
		got, err := e.r.ReadAt(p[done:done+n], x.Physical+(pos-x.Logical))
		done += got
		if got < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return done, err
		}
	}
	return done, eof
}
