// Package sdcard drives SDHC/SDXC cards through an sdspi host controller and
// exposes them as a blockdev.Device.
//
// Only sector-addressed cards (CSD version 2) are supported. Every wait on a
// controller status bit is a bounded poll; exceeding it yields ErrTimeout.
package sdcard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdlvd/sdboot/blockdev"
)

var (
	// ErrNoCard reports an empty slot or a card that did not answer negotiation.
	ErrNoCard = errors.New("no sd card")
	// ErrUnsupportedCard reports a card that is not sector addressed.
	ErrUnsupportedCard = errors.New("unsupported sd card")
	// ErrTimeout reports a controller status bit that never reached the expected value.
	ErrTimeout = errors.New("sd controller timeout")
)

const defaultPollLimit = 1 << 20

// State is the position of the card in the initialisation sequence.
type State int

const (
	StateAbsent State = iota
	StateReset
	StateVoltageCheck
	StateVoltageNegotiation
	StateVoltageSwitch
	StateIdentified
	StateAddressed
	StateConfigured
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateReset:
		return "reset"
	case StateVoltageCheck:
		return "voltage-check"
	case StateVoltageNegotiation:
		return "voltage-negotiation"
	case StateVoltageSwitch:
		return "voltage-switch"
	case StateIdentified:
		return "identified"
	case StateAddressed:
		return "addressed"
	case StateConfigured:
		return "configured"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Card is one SD card session. The zero sector count means no usable card.
// Transfers are serialised, so a Card may be shared between goroutines.
type Card struct {
	mu        sync.Mutex
	regs      Regs
	log       *slog.Logger
	pollLimit int
	sleep     func(time.Duration)

	state      State
	rca        uint32
	sectors    uint32
	product    string
	speed      Speed
	busWidth   int
	lowVoltage bool
}

var _ blockdev.Device = (*Card)(nil)

// Option configures a Card.
type Option func(*Card)

// WithLogger sets the logger used for identification and transfer errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Card) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPollLimit bounds every busy-wait to n register reads.
func WithPollLimit(n int) Option {
	return func(c *Card) {
		if n > 0 {
			c.pollLimit = n
		}
	}
}

// WithSleep replaces the delay used while the signal voltage settles.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Card) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New returns an uninitialised card on the given controller.
func New(regs Regs, opts ...Option) *Card {
	c := &Card{
		regs:      regs,
		log:       slog.New(slog.DiscardHandler),
		pollLimit: defaultPollLimit,
		sleep:     time.Sleep,
		busWidth:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SectorCount returns the card capacity in 512-byte sectors, or 0 before a
// successful Init.
func (c *Card) SectorCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sectors
}

// State returns the current initialisation state.
func (c *Card) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RCA returns the relative card address assigned by CMD3 (upper 16 bits).
func (c *Card) RCA() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rca
}

// Product returns the 5-character product name from the CID register.
func (c *Card) Product() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.product
}

// Speed returns the negotiated timing mode.
func (c *Card) Speed() Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// BusWidth returns the data bus width in bits.
func (c *Card) BusWidth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busWidth
}

// LowVoltage reports whether signalling was switched to 1.8V.
func (c *Card) LowVoltage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowVoltage
}

// Init runs the identification and configuration sequence. On any failure the
// card is left Absent with a zero sector count and the error wraps ErrNoCard,
// together with ErrUnsupportedCard or ErrTimeout where one of those applies.
func (c *Card) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateAbsent
	c.sectors = 0
	c.rca = 0
	c.product = ""
	c.speed = SDR12
	c.busWidth = 1
	c.lowVoltage = false

	sectors, err := c.identify()
	if err != nil {
		c.state = StateAbsent
		c.log.Warn("sd card unavailable", slog.String("err", err.Error()))
		if !errors.Is(err, ErrNoCard) {
			err = fmt.Errorf("%w: %w", ErrNoCard, err)
		}
		return err
	}
	c.sectors = sectors
	c.state = StateReady
	c.log.Info("sd card",
		slog.String("product", c.product),
		slog.Uint64("mb", uint64(sectors/2048)),
		slog.String("speed", c.speed.String()),
		slog.Bool("1v8", c.lowVoltage),
	)
	return nil
}

func (c *Card) identify() (uint32, error) {
	if c.regs.Read(RegCmd)&sdioPresentN != 0 {
		return 0, fmt.Errorf("slot empty: %w", ErrNoCard)
	}
	c.regs.Write(RegCmd, sdioRemoved)

	c.state = StateReset
	c.regs.Write(RegPhy, phyClk12MHz|phySector512|phyPushPull)
	if err := c.waitClock(phyClk12MHz); err != nil {
		return 0, err
	}
	if _, err := c.command(sdioRemoved, 0); err != nil { // CMD0
		return 0, err
	}

	c.state = StateVoltageCheck
	echo, err := c.command(sdioR1|8, 0x1a5)
	if err != nil {
		return 0, err
	}
	if echo&0xff != 0xa5 || c.failed() {
		return 0, fmt.Errorf("CMD8 no response: %w", ErrNoCard)
	}

	c.state = StateVoltageNegotiation
	ocr, err := c.negotiate()
	if err != nil {
		return 0, err
	}

	if ocr&(ocrS18R|ocrXCS) == ocrS18R|ocrXCS && c.regs.Read(RegPhy)&phy1P8VSpt != 0 {
		c.state = StateVoltageSwitch
		if err := c.switchVoltage(); err != nil {
			return 0, err
		}
	}

	if _, err := c.command(sdioR2|2, 0); err != nil {
		return 0, err
	}
	cid := c.readLongResponse()
	c.product = string([]byte{byte(cid[0]), byte(cid[1] >> 24), byte(cid[1] >> 16), byte(cid[1] >> 8), byte(cid[1])})
	c.state = StateIdentified

	resp, err := c.command(sdioR1|3, 0)
	if err != nil {
		return 0, err
	}
	c.rca = resp & 0xffff0000
	c.state = StateAddressed

	if _, err := c.command(sdioR2|9, c.rca); err != nil {
		return 0, err
	}
	csd := c.readLongResponse()
	if typ := (csd[0] >> 30) & 3; typ != 1 {
		return 0, fmt.Errorf("CSD version %d: %w", typ+1, ErrUnsupportedCard)
	}
	csize := (csd[1]&0x3f)<<16 | csd[2]>>16
	sectors := (csize + 1) * 1024

	if _, err := c.command(sdioR1b|7, c.rca); err != nil {
		return 0, err
	}
	if err := c.configureBus(); err != nil {
		return 0, err
	}
	c.state = StateConfigured
	return sectors, nil
}

// negotiate repeats ACMD41 until the card reports power-up complete.
func (c *Card) negotiate() (uint32, error) {
	query := uint32(ocrVoltageWindow | ocrXCS | ocrS18R | ocrXPC)
	for i := 0; i < c.pollLimit; i++ {
		if _, err := c.command(sdioR1|55, 0); err != nil {
			return 0, err
		}
		ocr, err := c.command(sdioR1|41, query)
		if err != nil {
			return 0, err
		}
		// R3 carries no valid CRC, so only a response timeout is fatal.
		if c.regs.Read(RegCmd)&(sdioErr|sdioErrCode) == sdioErr|errCodeTimeout {
			return 0, fmt.Errorf("ACMD41 no response: %w", ErrNoCard)
		}
		if ocr&ocrReady != 0 {
			return ocr, nil
		}
	}
	return 0, fmt.Errorf("ACMD41 power-up: %w", ErrTimeout)
}

func (c *Card) switchVoltage() error {
	if _, err := c.command(sdioR1|11, 0); err != nil {
		return err
	}
	if c.failed() {
		return fmt.Errorf("CMD11 rejected: %w", ErrNoCard)
	}
	phy := c.regs.Read(RegPhy)
	c.regs.Write(RegPhy, phy|phy1P8V|phyClkShutdn)
	c.sleep(5 * time.Millisecond)
	c.regs.Write(RegPhy, (phy|phy1P8V)&^phyClkShutdn)
	c.sleep(time.Millisecond)
	c.lowVoltage = true
	return nil
}

// configureBus selects the 4-bit bus and the fastest supported timing mode.
func (c *Card) configureBus() error {
	if _, err := c.command(sdioR1|55, c.rca); err != nil {
		return err
	}
	if _, err := c.command(sdioR1|6, 0x2); err != nil {
		return err
	}
	phy := c.regs.Read(RegPhy) | phyW4
	c.busWidth = 4

	phy = phy&^phyBlkLenMask | 6<<24 // 64-byte switch status
	c.regs.Write(RegPhy, phy)
	if _, err := c.command(sdioR1|sdioMem|6, switchQuery); err != nil {
		return err
	}
	c.regs.Read(RegFIFO0)
	c.regs.Read(RegFIFO0)
	c.regs.Read(RegFIFO0)
	modes := c.regs.Read(RegFIFO0)
	if c.failed() {
		modes = 0
	}

	phy = phy&^phyConfigMask | phySector512 | phyClkShutdn | phySampleShift
	var arg uint32
	switch {
	case modes&supportSDR104 != 0:
		c.speed, arg = SDR104, switchSDR104
	case modes&supportSDR50 != 0:
		c.speed, arg = SDR50, switchSDR50
	case modes&supportSDR25 != 0:
		c.speed, arg = SDR25, switchSDR25
	default:
		c.speed = SDR12
	}
	if arg != 0 {
		if _, err := c.command(sdioR1|sdioMem|6, arg); err != nil {
			return err
		}
	}
	phy |= c.speed.clock()
	c.regs.Write(RegPhy, phy)
	return c.waitClock(phy)
}

// ReadBlocks reads len(dst)/512 sectors with a multi-block read. Two FIFOs
// alternate so the controller receives block b+1 while block b is drained.
func (c *Card) ReadBlocks(dst []byte, sector uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := blockdev.CheckRange(dst, sector, c.sectors)
	if err != nil {
		return 0, err
	}
	if err := c.waitReady(); err != nil {
		return 0, err
	}
	if _, err := c.command(sdioR1|sdioMem|18, sector); err != nil {
		return 0, err
	}

	fifo := uint32(sdioFIFO)
	for b := 0; b < n-1; b++ {
		if c.failed() {
			c.stop()
			return c.short("read", sector, b, n)
		}
		c.regs.Write(RegCmd, sdioMem|fifo)
		c.receive(dst[b*blockdev.SectorSize:], readPort(fifo))
		fifo ^= sdioFIFO
		if err := c.waitIdle(); err != nil {
			c.stop()
			return b + 1, err
		}
	}
	failed := c.failed()
	c.stop()
	if failed {
		return c.short("read", sector, n-1, n)
	}
	c.receive(dst[(n-1)*blockdev.SectorSize:], readPort(fifo))
	return n, nil
}

// WriteBlocks writes len(src)/512 sectors with a multi-block write, filling
// the idle FIFO while the other one is being transmitted.
func (c *Card) WriteBlocks(src []byte, sector uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := blockdev.CheckRange(src, sector, c.sectors)
	if err != nil {
		return 0, err
	}
	if err := c.waitReady(); err != nil {
		return 0, err
	}

	c.send(src, RegFIFO0LE)
	c.regs.Write(RegData, sector)
	c.regs.Write(RegCmd, sdioCmd|sdioErr|sdioR1|sdioWrite|sdioAck|sdioMem|25)

	fifo := uint32(0)
	for b := 0; b < n-1; b++ {
		fifo ^= sdioFIFO
		c.send(src[(b+1)*blockdev.SectorSize:], writePort(fifo))
		if err := c.waitIdle(); err != nil {
			c.stop()
			return b, err
		}
		if c.failed() {
			c.stop()
			return c.short("write", sector, b, n)
		}
		c.regs.Write(RegCmd, sdioWrite|sdioMem|fifo)
	}
	if err := c.waitIdle(); err != nil {
		c.stop()
		return n - 1, err
	}
	failed := c.failed()
	c.stop()
	if failed {
		return c.short("write", sector, n-1, n)
	}
	return n, nil
}

func (c *Card) short(op string, sector uint32, got, want int) (int, error) {
	err := blockdev.Short(op, sector, got, want)
	c.log.Error("sd transfer", slog.String("err", err.Error()))
	return got, err
}

func readPort(fifo uint32) Reg {
	if fifo != 0 {
		return RegFIFO0LE
	}
	return RegFIFO1LE
}

func writePort(fifo uint32) Reg {
	if fifo != 0 {
		return RegFIFO1LE
	}
	return RegFIFO0LE
}

func (c *Card) receive(dst []byte, port Reg) {
	for i := 0; i < blockdev.SectorSize; i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], c.regs.Read(port))
	}
}

func (c *Card) send(src []byte, port Reg) {
	for i := 0; i < blockdev.SectorSize; i += 4 {
		c.regs.Write(port, binary.LittleEndian.Uint32(src[i:]))
	}
}

// command issues cmd with argument arg and returns the short response.
func (c *Card) command(cmd, arg uint32) (uint32, error) {
	c.regs.Write(RegData, arg)
	c.regs.Write(RegCmd, sdioCmd|sdioErr|cmd)
	if err := c.waitIdle(); err != nil {
		return 0, fmt.Errorf("CMD%d: %w", cmd&cmdIndexMask, err)
	}
	return c.regs.Read(RegData), nil
}

func (c *Card) readLongResponse() [4]uint32 {
	return [4]uint32{
		c.regs.Read(RegFIFO0),
		c.regs.Read(RegFIFO0),
		c.regs.Read(RegFIFO0),
		c.regs.Read(RegFIFO0),
	}
}

// stop ends a multi-block transfer with CMD12.
func (c *Card) stop() {
	if _, err := c.command(sdioR1b|12, 0); err != nil {
		c.log.Error("sd stop transmission", slog.String("err", err.Error()))
	}
}

func (c *Card) failed() bool {
	return c.regs.Read(RegCmd)&sdioErr != 0
}

// waitReady polls CMD13 until the card reports READY_FOR_DATA.
func (c *Card) waitReady() error {
	for i := 0; i < c.pollLimit; i++ {
		status, err := c.command(sdioR1|13, c.rca)
		if err != nil {
			return err
		}
		if status&statusReadyForData != 0 {
			return nil
		}
	}
	return fmt.Errorf("card not ready: %w", ErrTimeout)
}

func (c *Card) waitIdle() error {
	return c.poll("busy", func() bool { return c.regs.Read(RegCmd)&sdioBusy == 0 })
}

func (c *Card) waitClock(phy uint32) error {
	return c.poll("clock", func() bool { return c.regs.Read(RegPhy)&phyClkMask == phy&phyClkMask })
}

func (c *Card) poll(what string, done func() bool) error {
	for i := 0; i < c.pollLimit; i++ {
		if done() {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", what, ErrTimeout)
}
