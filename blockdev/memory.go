package blockdev

// Memory is a Device backed by a byte slice.
type Memory struct {
	data []byte
}

// NewMemory returns a zeroed device of the given number of sectors.
func NewMemory(sectors uint32) *Memory {
	return &Memory{data: make([]byte, int(sectors)*SectorSize)}
}

// FromBytes wraps data as a device. Trailing bytes that do not fill a whole
// sector are not addressable.
func FromBytes(data []byte) *Memory {
	return &Memory{data: data}
}

// Bytes returns the backing slice.
func (m *Memory) Bytes() []byte { return m.data }

func (m *Memory) SectorCount() uint32 { return uint32(len(m.data) / SectorSize) }

func (m *Memory) ReadBlocks(dst []byte, sector uint32) (int, error) {
	n, err := CheckRange(dst, sector, m.SectorCount())
	if err != nil {
		return 0, err
	}
	off := int(sector) * SectorSize
	copy(dst, m.data[off:off+n*SectorSize])
	return n, nil
}

func (m *Memory) WriteBlocks(src []byte, sector uint32) (int, error) {
	n, err := CheckRange(src, sector, m.SectorCount())
	if err != nil {
		return 0, err
	}
	off := int(sector) * SectorSize
	copy(m.data[off:off+n*SectorSize], src)
	return n, nil
}

// Faulty wraps a Device and fails any transfer that reaches FailSector: the
// sectors before it are moved and the short count is returned.
type Faulty struct {
	Device
	FailSector uint32
	Enabled    bool
}

func (f *Faulty) ReadBlocks(dst []byte, sector uint32) (int, error) {
	return f.transfer("read", dst, sector, f.Device.ReadBlocks)
}

func (f *Faulty) WriteBlocks(src []byte, sector uint32) (int, error) {
	return f.transfer("write", src, sector, f.Device.WriteBlocks)
}

func (f *Faulty) transfer(op string, buf []byte, sector uint32, fn func([]byte, uint32) (int, error)) (int, error) {
	want := len(buf) / SectorSize
	if !f.Enabled || f.FailSector < sector || uint64(f.FailSector) >= uint64(sector)+uint64(want) {
		return fn(buf, sector)
	}
	ok := int(f.FailSector - sector)
	if ok > 0 {
		if n, err := fn(buf[:ok*SectorSize], sector); err != nil {
			return n, err
		}
	}
	return ok, Short(op, sector, ok, want)
}
