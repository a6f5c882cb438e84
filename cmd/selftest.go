package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lvdlvd/sdboot/blockdev"
)

// ErrMismatch reports read-back data that differs from what was written.
var ErrMismatch = errors.New("read-back mismatch")

const selfTestSize = 4096

// SelfTest writes a 4096-byte pattern of counting 32-bit words to the middle
// of dev, reads it back over a poisoned buffer and compares. The original
// sectors are restored afterwards.
func SelfTest(dev blockdev.Device, out io.Writer) error {
	const n = selfTestSize / blockdev.SectorSize
	if dev.SectorCount() < 2*n {
		return fmt.Errorf("%d sectors: %w", dev.SectorCount(), blockdev.ErrOutOfRange)
	}
	sector := dev.SectorCount() / 2 &^ (n - 1)

	saved := make([]byte, selfTestSize)
	if _, err := dev.ReadBlocks(saved, sector); err != nil {
		return fmt.Errorf("saving sector %d: %w", sector, err)
	}

	buf := make([]byte, selfTestSize)
	for i := range selfTestSize / 4 {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(i))
	}
	got, werr := dev.WriteBlocks(buf, sector)
	fmt.Fprintf(out, "WRITE %d\n", got)

	var rerr error
	if werr == nil {
		for i := range selfTestSize / 4 {
			binary.LittleEndian.PutUint32(buf[i*4:], 0xcccca55a)
		}
		got, rerr = dev.ReadBlocks(buf, sector)
		fmt.Fprintf(out, "READ  %d\n", got)
	}

	if _, err := dev.WriteBlocks(saved, sector); err != nil {
		return fmt.Errorf("restoring sector %d: %w", sector, err)
	}
	if err := errors.Join(werr, rerr); err != nil {
		return err
	}
	for i := range selfTestSize / 4 {
		if v := binary.LittleEndian.Uint32(buf[i*4:]); v != uint32(i) {
			fmt.Fprintf(out, "ERR buf[%d] = %08x\n", i, v)
			return fmt.Errorf("word %d at sector %d: %w", i, sector, ErrMismatch)
		}
	}
	fmt.Fprintln(out, "OK")
	return nil
}
