package ext2

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/fsys/part"
)

var (
	// ErrNoFilesystem reports that neither sector 0 nor any partition holds EXT2.
	ErrNoFilesystem = errors.New("ext2: no filesystem found")
	// ErrNoPartition reports a selection of an empty or invalid partition slot.
	ErrNoPartition = errors.New("ext2: no such partition")
)

// Scan looks for a volume at sector 0 and then in each used MBR slot, in slot
// order. It returns the mounted FS and 0 for an unpartitioned device or the
// 1-based slot index.
func Scan(dev blockdev.Device, opts ...Option) (*FS, int, error) {
	log := newConfig(opts).log
	tbl, err := part.Read(dev)
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %w", ErrNoFilesystem, err)
	}
	if f, err := Mount(dev, 0, opts...); err == nil {
		log.Info("Selected EXT2 filesystem in first sector")
		return f, 0, nil
	}
	for _, e := range tbl.Entries {
		if e.Empty() {
			continue
		}
		f, err := Mount(dev, e.Start, opts...)
		if err != nil {
			log.Debug("partition rejected", slog.Int("partition", e.Index), slog.String("err", err.Error()))
			continue
		}
		log.Info(fmt.Sprintf("Selected EXT2 filesystem on partition %d", e.Index))
		return f, e.Index, nil
	}
	return nil, -1, ErrNoFilesystem
}

// Select mounts the volume at sector 0 (idx 0) or in MBR slot idx (1-4).
func Select(dev blockdev.Device, idx int, opts ...Option) (*FS, error) {
	if idx == 0 {
		return Mount(dev, 0, opts...)
	}
	if idx < 1 || idx > 4 {
		return nil, fmt.Errorf("partition %d: %w", idx, ErrNoPartition)
	}
	tbl, err := part.Read(dev)
	if err != nil {
		return nil, err
	}
	e, _ := tbl.Entry(idx)
	if e.Empty() {
		return nil, fmt.Errorf("partition %d empty: %w", idx, ErrNoPartition)
	}
	return Mount(dev, e.Start, opts...)
}
