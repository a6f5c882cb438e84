package cmd

import (
	"fmt"
	"io"

	"github.com/lvdlvd/sdboot/blockdev"
	"github.com/lvdlvd/sdboot/detect"
	"github.com/lvdlvd/sdboot/fsys/ext2"
	"github.com/lvdlvd/sdboot/fsys/part"
	"github.com/lvdlvd/sdboot/sdcard"
)

// PartitionName is the console name of a partition index: sd for the whole
// card, sd1..sd4 for MBR slots.
func PartitionName(idx int) string {
	if idx == 0 {
		return "sd"
	}
	return fmt.Sprintf("sd%d", idx)
}

// Info prints the card identification, its partition table and the mounted
// volume. card may be nil when the device is not an SD card.
func Info(out io.Writer, card *sdcard.Card, vol *ext2.Volume) error {
	dev := vol.Device()
	if card != nil {
		fmt.Fprintf(out, "Card:      %s\n", card.State())
		if card.State() == sdcard.StateReady {
			fmt.Fprintf(out, "Product:   %s\n", card.Product())
			fmt.Fprintf(out, "Capacity:  %d MB (%d sectors)\n", card.SectorCount()/2048, card.SectorCount())
			fmt.Fprintf(out, "Speed:     %s, %d-bit bus", card.Speed(), card.BusWidth())
			if card.LowVoltage() {
				fmt.Fprint(out, ", 1.8V")
			}
			fmt.Fprintf(out, "\nRCA:       %#08x\n", card.RCA())
		}
	} else {
		fmt.Fprintf(out, "Device:    %s\n", part.FormatSize(int64(dev.SectorCount())*blockdev.SectorSize))
	}

	if dev.SectorCount() == 0 {
		fmt.Fprintln(out, "\nNo filesystem mounted")
		return nil
	}
	typ, err := detect.Detect(dev, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sector 0:  %s\n", typ)
	if typ == detect.MBR {
		tbl, err := part.Read(dev)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n", tbl.Info())
		for _, e := range tbl.Used() {
			content, err := detect.Detect(dev, e.Start)
			if err != nil {
				fmt.Fprintf(out, "%-6s %v\n", PartitionName(e.Index), err)
				continue
			}
			fmt.Fprintf(out, "%-6s %s\n", PartitionName(e.Index), content)
		}
	}

	idx, ok := vol.Mounted()
	if !ok {
		fmt.Fprintln(out, "\nNo filesystem mounted")
		return nil
	}
	f := vol.FS()
	sb := f.Superblock()
	fmt.Fprintf(out, "\nMounted:   %s (%s at sector %d)\n", PartitionName(idx), f.Type(), f.Start())
	if sb.VolumeName != "" {
		fmt.Fprintf(out, "Label:     %s\n", sb.VolumeName)
	}
	fmt.Fprintf(out, "UUID:      %s\n", sb.UUID)
	fmt.Fprintf(out, "Blocks:    %d x %d bytes in %d groups\n", sb.BlockCount, f.BlockSize(), len(f.Groups()))
	fmt.Fprintf(out, "Inodes:    %d (%d bytes, %d free)\n", sb.InodeCount, sb.InodeSize, sb.FreeInodes)

	free, err := vol.FreeBlocks()
	if err != nil {
		return err
	}
	var total int64
	for _, r := range free {
		total += r.Size()
	}
	fmt.Fprintf(out, "Free:      %s in %d ranges\n", part.FormatSize(total), len(free))
	return nil
}
