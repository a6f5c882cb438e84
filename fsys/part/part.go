// Package part decodes the MBR partition table in sector 0 of a block device.
// The boot signature is reported but not required: cards formatted by some
// tools carry valid entries without it, and an all-zero sector simply yields
// four empty entries.
package part

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/lvdlvd/sdboot/blockdev"
)

const (
	tableOffset = 0x1BE
	entrySize   = 16
)

// Entry is one primary partition slot. Index is 1-based, matching the
// sd1..sd4 names used by the console.
type Entry struct {
	Index    int
	Type     byte
	Start    uint32 // first sector
	Size     uint32 // sector count
	Bootable bool
}

// Empty reports whether the slot names no sectors.
func (e Entry) Empty() bool {
	return e.Start == 0 || e.Size == 0
}

// Table is the decoded partition table of sector 0.
type Table struct {
	Entries   [4]Entry
	Signature bool // 0x55AA present at offset 510
}

// ParseMBR decodes the four primary entries of sector0.
func ParseMBR(sector0 []byte) (Table, error) {
	var t Table
	if len(sector0) < blockdev.SectorSize {
		return t, fmt.Errorf("MBR: %d bytes, need %d", len(sector0), blockdev.SectorSize)
	}
	t.Signature = sector0[510] == 0x55 && sector0[511] == 0xAA
	for i := range t.Entries {
		entry := sector0[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		t.Entries[i] = Entry{
			Index:    i + 1,
			Type:     entry[4],
			Start:    binary.LittleEndian.Uint32(entry[8:12]),
			Size:     binary.LittleEndian.Uint32(entry[12:16]),
			Bootable: entry[0] == 0x80,
		}
	}
	return t, nil
}

// Read loads sector 0 of dev and decodes it.
func Read(dev blockdev.Device) (Table, error) {
	var sector [blockdev.SectorSize]byte
	if _, err := dev.ReadBlocks(sector[:], 0); err != nil {
		return Table{}, fmt.Errorf("reading MBR: %w", err)
	}
	return ParseMBR(sector[:])
}

// Used returns the non-empty entries in slot order.
func (t Table) Used() []Entry {
	var used []Entry
	for _, e := range t.Entries {
		if !e.Empty() {
			used = append(used, e)
		}
	}
	return used
}

// Entry returns slot idx (1-4).
func (t Table) Entry(idx int) (Entry, bool) {
	if idx < 1 || idx > len(t.Entries) {
		return Entry{}, false
	}
	return t.Entries[idx-1], true
}

// Put encodes e into slot e.Index of sector0 and sets the boot signature.
func Put(sector0 []byte, e Entry) {
	entry := sector0[tableOffset+(e.Index-1)*entrySize : tableOffset+e.Index*entrySize]
	clear(entry)
	if e.Bootable {
		entry[0] = 0x80
	}
	entry[4] = e.Type
	binary.LittleEndian.PutUint32(entry[8:12], e.Start)
	binary.LittleEndian.PutUint32(entry[12:16], e.Size)
	sector0[510] = 0x55
	sector0[511] = 0xAA
}

// Info returns a printable listing of the used entries.
func (t Table) Info() string {
	var sb strings.Builder
	used := t.Used()
	fmt.Fprintf(&sb, "Partitions: %d\n\n", len(used))
	fmt.Fprintf(&sb, "%-6s %-19s %12s %12s %s\n", "NAME", "TYPE", "START", "SIZE", "FLAGS")
	for _, e := range used {
		flags := ""
		if e.Bootable {
			flags = "(bootable)"
		}
		fmt.Fprintf(&sb, "%-6s %-19s %12d %12s %s\n",
			fmt.Sprintf("sd%d", e.Index),
			TypeString(e.Type),
			e.Start,
			FormatSize(int64(e.Size)*blockdev.SectorSize),
			flags)
	}
	return sb.String()
}

// TypeString returns a human-readable MBR partition type.
func TypeString(t byte) string {
	switch t {
	case 0x01:
		return "FAT12"
	case 0x04, 0x06, 0x0E:
		return "FAT16"
	case 0x0B, 0x0C:
		return "FAT32"
	case 0x07:
		return "NTFS/exFAT"
	case 0x05, 0x0F:
		return "Extended"
	case 0x82:
		return "Linux swap"
	case 0x83:
		return "Linux"
	case 0x8E:
		return "Linux LVM"
	case 0xEE:
		return "GPT Protective"
	case 0xEF:
		return "EFI System"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// FormatSize renders a byte count with a binary unit suffix.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1fT", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1fG", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fM", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fK", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
