package desc

import (
	"encoding/binary"
	"errors"
)

// Errors returned when a command cannot be encoded.
var (
	ErrNotDataTag      = errors.New("desc: tag cannot carry a data command")
	ErrNotDirectTag    = errors.New("desc: tag is not the direct-command tag")
	ErrBlockCount      = errors.New("desc: block count out of range")
	ErrContext         = errors.New("desc: context id out of range")
	ErrNoSegments      = errors.New("desc: data command without segments")
	ErrTooManySegments = errors.New("desc: too many segments")
	ErrSegmentLength   = errors.New("desc: segment length out of range")
	ErrAddressRange    = errors.New("desc: address not reachable with 32-bit DMA")
	ErrCommandIndex    = errors.New("desc: command index out of range")
)

// Direction of a data command.
type Direction uint8

// Directions.
const (
	DirNone Direction = iota
	DirRead
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return "none"
	}
}

// ResponseType is the response a direct command expects.
type ResponseType uint8

// Response types.
const (
	RespNone ResponseType = iota
	RespR1
	RespR1B
)

// A Segment is one piece of a scatter/gather list.
type Segment struct {
	Addr uint64
	Len  uint32
}

// DataCommand is everything a data task descriptor carries.
type DataCommand struct {
	Dir           Direction
	BlockCount    uint32
	BlockAddr     uint32
	Interrupt     bool
	ForcedProg    bool
	Context       uint8
	DataTag       bool
	Priority      bool
	QBAR          bool
	ReliableWrite bool
	Segments      []Segment
}

// DirectCommand is everything a direct-command task descriptor carries.
type DirectCommand struct {
	Opcode uint8
	Arg    uint32
	Resp   ResponseType
}

// TaskDescriptor is a decoded task descriptor.
type TaskDescriptor struct {
	Valid     bool
	End       bool
	Interrupt bool
	Act       uint8

	ForcedProg    bool
	Context       uint8
	DataTag       bool
	Dir           Direction
	Priority      bool
	QBAR          bool
	ReliableWrite bool
	BlockCount    uint32
	BlockAddr     uint32

	CmdIndex  uint8
	CmdTiming uint8
	RespType  uint8

	// Upper holds the second 64-bit word of a 128-bit descriptor. It is the
	// crypto extension of data commands and the argument of direct commands.
	Upper uint64
}

// EncodeDataWord builds the first 64-bit word of a data task descriptor.
func EncodeDataWord(c DataCommand) uint64 {
	return Valid.Put(1) |
		End.Put(1) |
		Int.Put(bit(c.Interrupt)) |
		Act.Put(ActTask) |
		ForcedProg.Put(bit(c.ForcedProg)) |
		ContextID.Put(uint64(c.Context)) |
		DataTag.Put(bit(c.DataTag)) |
		DataDir.Put(bit(c.Dir == DirRead)) |
		Priority.Put(bit(c.Priority)) |
		QBAR.Put(bit(c.QBAR)) |
		RelWrite.Put(bit(c.ReliableWrite)) |
		BlkCount.Put(uint64(c.BlockCount)) |
		BlkAddr.Put(uint64(c.BlockAddr))
}

// EncodeDirectWord builds the first 64-bit word of a direct-command task
// descriptor.
func EncodeDirectWord(c DirectCommand) uint64 {
	var timing, resp uint64

	switch c.Resp {
	case RespNone:
		resp, timing = 0x0, 0x1
	case RespR1B:
		resp, timing = 0x3, 0x0
	default:
		resp, timing = 0x2, 0x1
	}

	return Valid.Put(1) |
		End.Put(1) |
		Int.Put(1) |
		QBAR.Put(1) |
		Act.Put(ActTask) |
		CmdIndex.Put(uint64(c.Opcode)) |
		CmdTiming.Put(timing) |
		RespType.Put(resp)
}

// DecodeTask decodes a task descriptor from its bytes. b must hold 8 or 16
// bytes.
func DecodeTask(b []byte) TaskDescriptor {
	w := binary.LittleEndian.Uint64(b)

	t := TaskDescriptor{
		Valid:         Valid.Get(w) == 1,
		End:           End.Get(w) == 1,
		Interrupt:     Int.Get(w) == 1,
		Act:           uint8(Act.Get(w)),
		ForcedProg:    ForcedProg.Get(w) == 1,
		Context:       uint8(ContextID.Get(w)),
		DataTag:       DataTag.Get(w) == 1,
		Dir:           DirWrite,
		Priority:      Priority.Get(w) == 1,
		QBAR:          QBAR.Get(w) == 1,
		ReliableWrite: RelWrite.Get(w) == 1,
		BlockCount:    uint32(BlkCount.Get(w)),
		BlockAddr:     uint32(BlkAddr.Get(w)),
		CmdIndex:      uint8(CmdIndex.Get(w)),
		CmdTiming:     uint8(CmdTiming.Get(w)),
		RespType:      uint8(RespType.Get(w)),
	}

	if DataDir.Get(w) == 1 {
		t.Dir = DirRead
	}

	if len(b) >= 16 {
		t.Upper = binary.LittleEndian.Uint64(b[8:])
	}

	return t
}

// EncodeTransfer writes one transfer descriptor into b.
func EncodeTransfer(b []byte, s Segment, end, dma64 bool) {
	attr := Valid.Put(1) |
		End.Put(bit(end)) |
		Int.Put(0) |
		Act.Put(ActTransfer) |
		DatLength.Put(uint64(s.Len))

	binary.LittleEndian.PutUint32(b, uint32(attr))
	putAddr(b[4:], s.Addr, dma64)
}

// EncodeLink writes a link descriptor pointing at addr.
func EncodeLink(b []byte, addr uint64, dma64 bool) {
	attr := Valid.Put(1) | Act.Put(ActLink) | End.Put(0)

	binary.LittleEndian.PutUint32(b, uint32(attr))
	putAddr(b[4:], addr, dma64)
}

// EncodeNoLink writes the link descriptor of a slot without data.
func EncodeNoLink(b []byte) {
	attr := Valid.Put(0) | Act.Put(ActNop) | End.Put(1)

	binary.LittleEndian.PutUint32(b, uint32(attr))
}

func putAddr(b []byte, addr uint64, dma64 bool) {
	if dma64 {
		binary.LittleEndian.PutUint64(b, addr)
		return
	}

	binary.LittleEndian.PutUint32(b, uint32(addr))
}

func getAddr(b []byte, dma64 bool) uint64 {
	if dma64 {
		return binary.LittleEndian.Uint64(b)
	}

	return uint64(binary.LittleEndian.Uint32(b))
}

// Transfer is a decoded link or transfer descriptor.
type Transfer struct {
	Valid bool
	End   bool
	Act   uint8
	Len   uint32
	Addr  uint64
}

// DecodeTransfer decodes a link or transfer descriptor. A zero length field
// on a transfer descriptor means 64 KiB.
func DecodeTransfer(b []byte, dma64 bool) Transfer {
	attr := uint64(binary.LittleEndian.Uint32(b))

	t := Transfer{
		Valid: Valid.Get(attr) == 1,
		End:   End.Get(attr) == 1,
		Act:   uint8(Act.Get(attr)),
		Len:   uint32(DatLength.Get(attr)),
		Addr:  getAddr(b[4:], dma64),
	}

	if t.Act == ActTransfer && t.Len == 0 {
		t.Len = MaxSegmentLen
	}

	return t
}
