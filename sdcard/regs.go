package sdcard

import (
	"fmt"
	"strings"
)

// Reg selects one 32-bit register of the host controller window.
type Reg uint32

// Register offsets of the sdspi controller (https://github.com/ZipCPU/sdspi).
const (
	RegCmd     Reg = 0x00
	RegData    Reg = 0x04
	RegFIFO0   Reg = 0x08 // big-endian words, used for CID/CSD/switch status
	RegFIFO1   Reg = 0x0C
	RegPhy     Reg = 0x10
	RegFIFO0LE Reg = 0x18 // byte-swapped view used for sector data
	RegFIFO1LE Reg = 0x1C
)

// Regs is the register window of the host controller. Implementations are
// memory-mapped hardware or a simulator.
type Regs interface {
	Read(r Reg) uint32
	Write(r Reg, v uint32)
}

// Command register bits.
const (
	sdioCmd      = 0x00000040
	sdioR1       = 0x00000100
	sdioR2       = 0x00000200
	sdioR1b      = 0x00000300
	sdioWrite    = 0x00000400
	sdioMem      = 0x00000800
	sdioFIFO     = 0x00001000
	sdioErr      = 0x00008000
	sdioErrCode  = 0x00030000
	sdioRemoved  = 0x00040000
	sdioPresentN = 0x00080000
	sdioBusy     = 0x00104800
	sdioAck      = 0x04000000

	cmdIndexMask = 0x3f
	respMask     = 0x300
)

// Error codes reported in sdioErrCode when sdioErr is set.
const (
	errCodeTimeout = 0 << 16
	errCodeCRC     = 1 << 16
	errCodeFrame   = 2 << 16
)

// PHY register bits.
const (
	phyW4         = 0x00000400
	phyPushPull   = 0x00003000
	phyClk12MHz   = 0x00000004
	phyClk25MHz   = 0x00000003
	phyClk50MHz   = 0x00000002
	phyClk100MHz  = 0x00000001
	phyClkShutdn  = 0x00008000
	phy1P8V       = 0x00400000
	phy1P8VSpt    = 0x00800000
	phySector512  = 0x09000000
	phyBlkLenMask = 0x0f000000
	phyClkMask    = 0xff

	phySampleShift = 16 << 16
	// phyConfigMask clears block length, sample shift, PHY mode and clock
	// before the final speed selection.
	phyConfigMask = 0x0f1f00ff
)

// OCR bits exchanged through ACMD41.
const (
	ocrVoltageWindow = 0x00ff8000
	ocrS18R          = 1 << 24
	ocrXPC           = 1 << 28
	ocrXCS           = 1 << 30
	ocrReady         = 1 << 31
)

// Card status bit reported by CMD13.
const statusReadyForData = 1 << 8

// Switch-function arguments (CMD6) and support bits in the status word.
const (
	switchQuery     = 0x00fffff1
	switchSDR25     = 0x80fffff1
	switchSDR50     = 0x80fffff2
	switchSDR104    = 0x80fffff3
	supportSDR25    = 0x020000
	supportSDR50    = 0x040000
	supportSDR104   = 0x080000
	supportDDR50    = 0x100000
	switchStatusLen = 64
)

// Speed is the negotiated bus timing mode.
type Speed int

const (
	SDR12 Speed = iota
	SDR25
	SDR50
	SDR104
)

func (s Speed) String() string {
	switch s {
	case SDR12:
		return "SDR12"
	case SDR25:
		return "SDR25"
	case SDR50:
		return "SDR50"
	case SDR104:
		return "SDR104"
	default:
		return "unknown"
	}
}

// clock returns the PHY divider for s, assuming a 200 MHz base clock.
func (s Speed) clock() uint32 {
	switch s {
	case SDR25:
		return phyClk25MHz
	case SDR50:
		return phyClk50MHz
	case SDR104:
		return phyClk100MHz
	default:
		return phyClk12MHz
	}
}

// SpeedModes is a bit set of timing modes in the switch-function status format.
type SpeedModes uint32

const (
	ModeSDR25  SpeedModes = supportSDR25
	ModeSDR50  SpeedModes = supportSDR50
	ModeSDR104 SpeedModes = supportSDR104
	ModeDDR50  SpeedModes = supportDDR50
)

// ParseSpeedModes parses a comma-separated list such as "sdr25,sdr50".
// The empty string offers no mode beyond SDR12.
func ParseSpeedModes(s string) (SpeedModes, error) {
	var m SpeedModes
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "sdr25":
			m |= ModeSDR25
		case "sdr50":
			m |= ModeSDR50
		case "sdr104":
			m |= ModeSDR104
		case "ddr50":
			m |= ModeDDR50
		default:
			return 0, fmt.Errorf("unknown speed mode %q", name)
		}
	}
	return m, nil
}
