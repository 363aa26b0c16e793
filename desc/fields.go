package desc

// A Field is one bit field of a descriptor word. Mask is applied before the
// shift, so Put truncates oversized values the same way the hardware would.
type Field struct {
	Shift uint
	Mask  uint64
}

// Put places x into the field's bit position.
func (f Field) Put(x uint64) uint64 {
	return (x & f.Mask) << f.Shift
}

// Get extracts the field from a descriptor word.
func (f Field) Get(d uint64) uint64 {
	return (d >> f.Shift) & f.Mask
}

// Bits returns the in-place mask of the field.
func (f Field) Bits() uint64 {
	return f.Mask << f.Shift
}

// Attribute fields, common to task, link and transfer descriptors.
var (
	Valid = Field{Shift: 0, Mask: 0x1}
	End   = Field{Shift: 1, Mask: 0x1}
	Int   = Field{Shift: 2, Mask: 0x1}
	Act   = Field{Shift: 3, Mask: 0x7}
)

// Data command task descriptor fields.
var (
	ForcedProg = Field{Shift: 6, Mask: 0x1}
	ContextID  = Field{Shift: 7, Mask: 0xF}
	DataTag    = Field{Shift: 11, Mask: 0x1}
	DataDir    = Field{Shift: 12, Mask: 0x1}
	Priority   = Field{Shift: 13, Mask: 0x1}
	QBAR       = Field{Shift: 14, Mask: 0x1}
	RelWrite   = Field{Shift: 15, Mask: 0x1}
	BlkCount   = Field{Shift: 16, Mask: 0xFFFF}
	BlkAddr    = Field{Shift: 32, Mask: 0xFFFFFFFF}
)

// Direct command task descriptor fields.
var (
	CmdIndex  = Field{Shift: 16, Mask: 0x3F}
	CmdTiming = Field{Shift: 22, Mask: 0x1}
	RespType  = Field{Shift: 23, Mask: 0x3}
)

// Transfer descriptor fields. The address follows the attribute word: the
// low half lives in bits 32-63 of the first 64-bit word, the high half in
// bits 0-31 of the second.
var (
	DatLength = Field{Shift: 16, Mask: 0xFFFF}
	DatAddrLo = Field{Shift: 32, Mask: 0xFFFFFFFF}
	DatAddrHi = Field{Shift: 0, Mask: 0xFFFFFFFF}
)

// Crypto extension fields, in the second 64-bit word of a 128-bit task
// descriptor.
var (
	DataUnitNum       = Field{Shift: 0, Mask: 0xFFFFFFFF}
	CryptoConfigIndex = Field{Shift: 32, Mask: 0xFF}
	CryptoEnable      = Field{Shift: 47, Mask: 0x1}
)

// Activity codes.
const (
	ActNop      = 0x0
	ActTransfer = 0x4
	ActTask     = 0x5
	ActLink     = 0x6
)

func bit(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}
