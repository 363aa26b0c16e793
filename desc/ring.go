package desc

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/cqhci/dma"
)

// A Ring is the task descriptor list plus the transfer descriptor area,
// indexed by tag. Offsets inside the ring are relative to the region; DMA
// addresses are only produced when a descriptor is written.
//
// A Ring does no locking. The owner must not touch a tag's descriptors while
// that tag is outstanding on the controller.
type Ring struct {
	layout Layout
	region dma.Region
}

// NewRing lays the descriptors out in region and writes every link
// descriptor.
func NewRing(region dma.Region, layout Layout) (*Ring, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	if region.Size() < layout.Size() {
		return nil, fmt.Errorf(
			"desc: region of %d bytes cannot hold %d bytes of descriptors",
			region.Size(), layout.Size())
	}

	if !layout.DMA64 && region.End() > 1<<32 {
		return nil, fmt.Errorf("desc: region at %#x: %w", region.Base, ErrAddressRange)
	}

	r := &Ring{layout: layout, region: region}
	r.setupLinks()

	return r, nil
}

func (r *Ring) setupLinks() {
	for tag := 0; tag < r.layout.NumSlots; tag++ {
		link := r.linkBytes(tag)
		clear(link)

		if tag >= r.layout.DataSlots() {
			EncodeNoLink(link)
			continue
		}

		EncodeLink(link, r.TransferBase(tag), r.layout.DMA64)
	}
}

// Layout returns the layout of the ring.
func (r *Ring) Layout() Layout {
	return r.layout
}

// Base returns the DMA address of the task descriptor list.
func (r *Ring) Base() uint64 {
	return r.region.Base
}

// Region returns the memory the ring lives in.
func (r *Ring) Region() dma.Region {
	return r.region
}

func (r *Ring) taskOffset(tag int) int {
	return tag * r.layout.SlotSize()
}

func (r *Ring) transferOffset(tag int) int {
	return r.layout.transferAreaOffset() +
		tag*r.layout.MaxSegments*r.layout.TransDescLen()
}

func (r *Ring) taskBytes(tag int) []byte {
	off := r.taskOffset(tag)
	return r.region.Buf[off : off+r.layout.TaskDescLen()]
}

func (r *Ring) linkBytes(tag int) []byte {
	off := r.taskOffset(tag) + r.layout.TaskDescLen()
	return r.region.Buf[off : off+r.layout.LinkDescLen()]
}

func (r *Ring) transferBytes(tag, i int) []byte {
	n := r.layout.TransDescLen()
	off := r.transferOffset(tag) + i*n

	return r.region.Buf[off : off+n]
}

// TaskAddr returns the DMA address of a tag's task descriptor.
func (r *Ring) TaskAddr(tag int) uint64 {
	r.tagMustBeValid(tag)
	return r.region.Base + uint64(r.taskOffset(tag))
}

// TransferBase returns the DMA address of a tag's transfer descriptor chain.
func (r *Ring) TransferBase(tag int) uint64 {
	return r.region.Base + uint64(r.transferOffset(tag))
}

// EncodeData writes a data command into a tag's slot, including its transfer
// descriptor chain. The crypto extension is cleared; binding a key is a
// separate step.
func (r *Ring) EncodeData(tag int, c DataCommand) error {
	r.tagMustBeValid(tag)

	if err := r.dataCommandMustBeEncodable(tag, c); err != nil {
		return err
	}

	for i, s := range c.Segments {
		last := i == len(c.Segments)-1
		EncodeTransfer(r.transferBytes(tag, i), s, last, r.layout.DMA64)
	}

	task := r.taskBytes(tag)
	clear(task)
	binary.LittleEndian.PutUint64(task, EncodeDataWord(c))

	return nil
}

func (r *Ring) dataCommandMustBeEncodable(tag int, c DataCommand) error {
	if tag >= r.layout.DataSlots() {
		return fmt.Errorf("tag %d: %w", tag, ErrNotDataTag)
	}

	if c.BlockCount == 0 || c.BlockCount > 0xFFFF {
		return fmt.Errorf("%d blocks: %w", c.BlockCount, ErrBlockCount)
	}

	if uint64(c.Context) > ContextID.Mask {
		return fmt.Errorf("context %d: %w", c.Context, ErrContext)
	}

	if len(c.Segments) == 0 {
		return ErrNoSegments
	}

	if len(c.Segments) > r.layout.MaxSegments {
		return fmt.Errorf("%d segments, max %d: %w",
			len(c.Segments), r.layout.MaxSegments, ErrTooManySegments)
	}

	for i, s := range c.Segments {
		if s.Len == 0 || s.Len > MaxSegmentLen {
			return fmt.Errorf("segment %d length %d: %w", i, s.Len, ErrSegmentLength)
		}

		if !r.layout.DMA64 && s.Addr+uint64(s.Len) > 1<<32 {
			return fmt.Errorf("segment %d at %#x: %w", i, s.Addr, ErrAddressRange)
		}
	}

	return nil
}

// EncodeDirect writes a direct command into the direct-command slot. The
// argument occupies bits 64-95 of the slot.
func (r *Ring) EncodeDirect(tag int, c DirectCommand) error {
	r.tagMustBeValid(tag)

	if tag != r.layout.DirectTag {
		return fmt.Errorf("tag %d: %w", tag, ErrNotDirectTag)
	}

	if uint64(c.Opcode) > CmdIndex.Mask {
		return fmt.Errorf("opcode %d: %w", c.Opcode, ErrCommandIndex)
	}

	off := r.taskOffset(tag)
	slot := r.region.Buf[off : off+16]
	clear(slot)

	binary.LittleEndian.PutUint64(slot, EncodeDirectWord(c))
	binary.LittleEndian.PutUint64(slot[8:], uint64(c.Arg))

	return nil
}

// Extension returns the crypto extension word of a tag's descriptor, or nil
// when task descriptors are 64 bits.
func (r *Ring) Extension(tag int) []byte {
	r.tagMustBeValid(tag)

	if !r.layout.TaskDesc128 {
		return nil
	}

	return r.taskBytes(tag)[8:16]
}

// Invalidate clears the valid bit and the crypto extension of a tag's
// descriptor so that it cannot be taken for live work.
func (r *Ring) Invalidate(tag int) {
	r.tagMustBeValid(tag)

	task := r.taskBytes(tag)
	w := binary.LittleEndian.Uint64(task)
	binary.LittleEndian.PutUint64(task, w&^Valid.Bits())

	if ext := r.Extension(tag); ext != nil && tag != r.layout.DirectTag {
		clear(ext)
	}
}

// Decode decodes a tag's task descriptor. The upper word of a direct command
// is read even with 64-bit task descriptors, where it overlays the unused
// link descriptor.
func (r *Ring) Decode(tag int) TaskDescriptor {
	r.tagMustBeValid(tag)

	off := r.taskOffset(tag)
	if tag == r.layout.DirectTag || r.layout.TaskDesc128 {
		return DecodeTask(r.region.Buf[off : off+16])
	}

	return DecodeTask(r.taskBytes(tag))
}

// DecodeTransfers follows a data tag's transfer chain up to the end bit.
func (r *Ring) DecodeTransfers(tag int) []Segment {
	r.tagMustBeValid(tag)

	if tag >= r.layout.DataSlots() {
		return nil
	}

	var segs []Segment
	for i := 0; i < r.layout.MaxSegments; i++ {
		t := DecodeTransfer(r.transferBytes(tag, i), r.layout.DMA64)
		if !t.Valid {
			break
		}

		segs = append(segs, Segment{Addr: t.Addr, Len: t.Len})
		if t.End {
			break
		}
	}

	return segs
}

// DecodeLink decodes the link descriptor of a tag.
func (r *Ring) DecodeLink(tag int) Transfer {
	r.tagMustBeValid(tag)
	return DecodeTransfer(r.linkBytes(tag), r.layout.DMA64)
}

func (r *Ring) tagMustBeValid(tag int) {
	if tag < 0 || tag >= r.layout.NumSlots {
		panic(fmt.Sprintf("desc: tag %d out of range [0, %d)", tag, r.layout.NumSlots))
	}
}
