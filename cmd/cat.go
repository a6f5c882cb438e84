package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys"
)

// volume is a filesystem that sits on a region of a block device.
type volume interface {
	Device() blockdev.Device
	VolumeExtent() fsys.Extent
}

// Cat copies the contents of a file to out. Filesystems that map file extents
// and read holes as zeros are streamed straight from the device without
// loading the whole file; others go through the filesystem's own reader.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", fsPath)
	}

	if hf, ok := filesystem.(fsys.HoleFiller); ok && hf.FillsHoles() {
		if r, err := ExtentReader(filesystem, fsPath, info.Size()); err == nil {
			return streamFromReaderAt(r, info.Size(), out)
		}
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(out, file)
	return err
}

// ExtentReader returns a reader over the device bytes of the file at fsPath,
// with its extents composed onto the volume's position on the device.
func ExtentReader(filesystem fsys.FS, fsPath string, size int64) (*fsys.ExtentReaderAt, error) {
	em, ok := filesystem.(fsys.ExtentMapper)
	if !ok {
		return nil, fmt.Errorf("%s: %s does not map extents", fsPath, filesystem.Type())
	}
	vol, ok := filesystem.(volume)
	if !ok {
		return nil, fmt.Errorf("%s: %s has no backing device", fsPath, filesystem.Type())
	}
	extents, err := em.FileExtents(fsPath)
	if err != nil {
		return nil, err
	}
	ve := vol.VolumeExtent()
	base := fsys.NewExtentReaderAt(blockdev.NewByteView(vol.Device()), []fsys.Extent{ve}, ve.Length)
	return fsys.NewExtentReaderAt(base, extents, size), nil
}

// streamFromReaderAt copies size bytes of r to out in 64KB chunks.
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	buf := make([]byte, 64*1024)
	for offset := int64(0); offset < size; {
		n, err := r.ReadAt(buf[:min(int64(len(buf)), size-offset)], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat shows detailed information about a file or directory.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "   File: %s\n", info.Name())
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", info.ModTime().UTC().Format("2006-01-02 15:04:05"))
	if fi, ok := info.(fsys.FileInfo); ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}
	if em, ok := filesystem.(fsys.ExtentMapper); ok && !info.IsDir() {
		if extents, err := em.FileExtents(fsPath); err == nil {
			fmt.Fprintf(out, "Extents: %d\n", len(extents))
			for _, e := range extents {
				fmt.Fprintf(out, "  %10d +%-10d @ %d\n", e.Logical, e.Length, e.Physical)
			}
		}
	}
	return nil
}
