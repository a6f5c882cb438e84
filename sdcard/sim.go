package sdcard

import (
	"encoding/binary"
	"io"
)

// Media is the storage behind a simulated card.
type Media interface {
	io.ReaderAt
	io.WriterAt
}

// Sim is a register-level model of an sdspi controller with an SDHC card in
// its slot. Transfers complete instantly; the exported fields shape how the
// card answers and may be changed between operations.
type Sim struct {
	Product      string     // 5 characters reported in the CID
	Modes        SpeedModes // timing modes offered through CMD6
	LowVoltage   bool       // card and PHY both support 1.8V signalling
	PowerUpPolls int        // ACMD41 rounds before the card reports ready
	Absent       bool       // slot is empty
	Legacy       bool       // card does not answer CMD8
	ByteAddress  bool       // report a version 1 CSD
	StuckBusy    bool       // controller never leaves the busy state
	FailSector   int64      // transfers touching this sector fail; -1 for none

	// Trace, if set, is called for every command issued to the card.
	Trace func(index, arg uint32)

	media   Media
	sectors uint32

	cmd, data, phy uint32
	removed        bool
	failed         bool
	errCode        uint32

	appCmd   bool
	polls    int
	rca      uint32
	busWidth int
	speed    Speed
	volt18   bool

	fifo [2][512]byte
	pos  [2]int
	next uint32
	open bool
}

// NewSim returns a simulated card holding size bytes of media. The reported
// capacity is rounded up to whole megabytes; sectors beyond the media read as
// zero.
func NewSim(media Media, size int64) *Sim {
	sectors := uint32((size + 511) / 512)
	sectors = (sectors + 1023) &^ 1023
	if sectors == 0 {
		sectors = 1024
	}
	return &Sim{
		Product:      "SDSIM",
		Modes:        ModeSDR25 | ModeSDR50,
		LowVoltage:   true,
		PowerUpPolls: 3,
		FailSector:   -1,
		media:        media,
		sectors:      sectors,
		removed:      true,
		busWidth:     1,
	}
}

// Sectors returns the capacity the card advertises in its CSD.
func (s *Sim) Sectors() uint32 { return s.sectors }

// Speed returns the timing mode most recently selected with CMD6.
func (s *Sim) Speed() Speed { return s.speed }

// BusWidth returns the data bus width selected with ACMD6.
func (s *Sim) BusWidth() int { return s.busWidth }

// Signal18 reports whether CMD11 switched the card to 1.8V.
func (s *Sim) Signal18() bool { return s.volt18 }

func (s *Sim) Read(r Reg) uint32 {
	switch r {
	case RegCmd:
		v := s.cmd & (cmdIndexMask | respMask)
		if s.Absent {
			v |= sdioPresentN
		}
		if s.removed {
			v |= sdioRemoved
		}
		if s.failed {
			v |= sdioErr | s.errCode
		}
		if s.StuckBusy {
			v |= sdioBusy
		}
		return v
	case RegData:
		return s.data
	case RegPhy:
		v := s.phy
		if s.LowVoltage {
			v |= phy1P8VSpt
		}
		return v
	case RegFIFO0, RegFIFO1:
		return binary.BigEndian.Uint32(s.fifoWord(r == RegFIFO1))
	case RegFIFO0LE, RegFIFO1LE:
		return binary.LittleEndian.Uint32(s.fifoWord(r == RegFIFO1LE))
	}
	return 0
}

func (s *Sim) Write(r Reg, v uint32) {
	switch r {
	case RegCmd:
		s.writeCmd(v)
	case RegData:
		s.data = v
	case RegPhy:
		s.phy = v &^ phy1P8VSpt
	case RegFIFO0, RegFIFO1:
		binary.BigEndian.PutUint32(s.fifoWord(r == RegFIFO1), v)
	case RegFIFO0LE, RegFIFO1LE:
		binary.LittleEndian.PutUint32(s.fifoWord(r == RegFIFO1LE), v)
	}
}

func (s *Sim) fifoWord(second bool) []byte {
	k := 0
	if second {
		k = 1
	}
	p := s.pos[k]
	s.pos[k] = (p + 4) % len(s.fifo[k])
	return s.fifo[k][p : p+4]
}

func (s *Sim) writeCmd(v uint32) {
	if v&sdioErr != 0 {
		s.failed = false
	}
	if v&sdioRemoved != 0 {
		s.removed = false
	}
	if s.Absent {
		if v&sdioCmd != 0 {
			s.fail(errCodeTimeout)
		}
		return
	}
	if v&sdioCmd != 0 {
		s.cmd = v
		s.command(v&cmdIndexMask, s.data, v)
		return
	}
	if v&sdioMem != 0 && s.open && !s.failed {
		k := 0
		if v&sdioFIFO != 0 {
			k = 1
		}
		if v&sdioWrite != 0 {
			s.program(k)
		} else {
			s.load(k)
		}
	}
}

func (s *Sim) fail(code uint32) {
	s.failed = true
	s.errCode = code
}

func (s *Sim) command(idx, arg, v uint32) {
	if s.Trace != nil {
		s.Trace(idx, arg)
	}
	app := s.appCmd
	s.appCmd = false

	switch {
	case idx == 0:
		s.reset()
	case idx == 8:
		if s.Legacy {
			s.data = 0
			s.fail(errCodeTimeout)
			return
		}
		s.data = arg & 0xfff
	case idx == 55:
		s.appCmd = true
		s.data = s.status()
	case app && idx == 41:
		s.polls++
		ocr := uint32(ocrVoltageWindow)
		if !s.ByteAddress {
			ocr |= ocrXCS
		}
		if s.LowVoltage && arg&ocrS18R != 0 {
			ocr |= ocrS18R
		}
		if s.polls >= s.PowerUpPolls {
			ocr |= ocrReady
		}
		s.data = ocr
		// R3 responses are not CRC protected.
		s.fail(errCodeCRC)
	case app && idx == 6:
		if arg&3 == 2 {
			s.busWidth = 4
		} else {
			s.busWidth = 1
		}
		s.data = s.status()
	case idx == 6:
		s.switchFunction(arg)
	case idx == 11:
		if !s.LowVoltage {
			s.fail(errCodeTimeout)
			return
		}
		s.volt18 = true
		s.data = s.status()
	case idx == 2:
		var cid [16]byte
		cid[0] = 0x03
		copy(cid[1:3], "SM")
		product := []byte(s.Product + "     ")[:5]
		copy(cid[3:8], product)
		cid[8] = 0x10
		s.fillFIFO(0, cid[:])
	case idx == 3:
		s.rca = 0x1234 << 16
		s.data = s.rca | 0x0500
	case idx == 9:
		s.fillFIFO(0, s.csd())
	case idx == 7:
		if arg&0xffff0000 != s.rca {
			s.fail(errCodeTimeout)
			return
		}
		s.data = s.status()
	case idx == 13:
		s.data = s.status()
	case idx == 12:
		s.open = false
		s.data = s.status()
	case idx == 18 && v&sdioMem != 0:
		s.next = arg
		s.open = true
		s.load(0)
	case idx == 25 && v&sdioMem != 0:
		s.next = arg
		s.open = true
		s.program(0)
	default:
		s.fail(errCodeTimeout)
	}
}

func (s *Sim) reset() {
	s.polls = 0
	s.rca = 0
	s.busWidth = 1
	s.speed = SDR12
	s.volt18 = false
	s.open = false
	s.data = 0
}

func (s *Sim) status() uint32 {
	return statusReadyForData | 4<<9 // tran state
}

func (s *Sim) csd() []byte {
	var csd [16]byte
	if s.ByteAddress {
		binary.BigEndian.PutUint32(csd[0:], 0x002e0032)
		return csd[:]
	}
	csize := s.sectors/1024 - 1
	binary.BigEndian.PutUint32(csd[0:], 1<<30|0x000e0032)
	binary.BigEndian.PutUint32(csd[4:], 0x5b590000|csize>>16&0x3f)
	binary.BigEndian.PutUint32(csd[8:], (csize&0xffff)<<16|0x7f80)
	binary.BigEndian.PutUint32(csd[12:], 0x0a400001)
	return csd[:]
}

func (s *Sim) switchFunction(arg uint32) {
	var st [switchStatusLen]byte
	binary.BigEndian.PutUint32(st[0:], 0x00640001)
	binary.BigEndian.PutUint32(st[12:], uint32(s.Modes))
	if arg&0x80000000 != 0 {
		want := map[uint32]struct {
			speed Speed
			mode  SpeedModes
		}{
			1: {SDR25, ModeSDR25},
			2: {SDR50, ModeSDR50},
			3: {SDR104, ModeSDR104},
		}[arg&0xf]
		if want.mode != 0 && s.Modes&want.mode != 0 {
			s.speed = want.speed
		}
	}
	s.fillFIFO(0, st[:])
}

func (s *Sim) fillFIFO(k int, b []byte) {
	clear(s.fifo[k][:])
	copy(s.fifo[k][:], b)
	s.pos[k] = 0
}

func (s *Sim) faulty(sector uint32) bool {
	return sector >= s.sectors || (s.FailSector >= 0 && int64(sector) == s.FailSector)
}

// load reads the next sector of an open transfer into fifo k.
func (s *Sim) load(k int) {
	sector := s.next
	if s.faulty(sector) {
		s.fail(errCodeFrame)
		s.open = false
		return
	}
	s.next++
	buf := s.fifo[k][:]
	n, err := s.media.ReadAt(buf, int64(sector)*512)
	if err != nil && err != io.EOF {
		s.fail(errCodeFrame)
		s.open = false
		return
	}
	clear(buf[n:])
	s.pos[k] = 0
}

// program writes fifo k to the next sector of an open transfer.
func (s *Sim) program(k int) {
	sector := s.next
	if s.faulty(sector) {
		s.fail(errCodeFrame)
		s.open = false
		return
	}
	s.next++
	if _, err := s.media.WriteAt(s.fifo[k][:], int64(sector)*512); err != nil {
		s.fail(errCodeFrame)
		s.open = false
	}
	s.pos[k] = 0
}
