// Package desc builds task and transfer descriptors in the DMA-visible task
// descriptor list.
package desc

import (
	"fmt"

	"github.com/sarchlab/cqhci/tags"
)

// MaxSegmentLen is the largest transfer a single transfer descriptor can
// describe. The length field encodes it as 0.
const MaxSegmentLen = 1 << 16

// Layout describes how descriptors are sized and where they live.
type Layout struct {
	// NumSlots is the number of task descriptor slots.
	NumSlots int

	// DirectTag is the slot reserved for direct commands, or
	// tags.NoDirectTag. It must be the last slot.
	DirectTag int

	// TaskDesc128 selects 128-bit task descriptors. Inline crypto needs
	// them to carry the crypto extension.
	TaskDesc128 bool

	// DMA64 selects 64-bit addressing in link and transfer descriptors.
	DMA64 bool

	// ShortTransferDesc makes 64-bit transfer descriptors 96 bits long,
	// for controllers that expect the next descriptor at bit 96.
	ShortTransferDesc bool

	// MaxSegments is the number of transfer descriptors per data slot.
	MaxSegments int
}

// TaskDescLen returns the size of a task descriptor in bytes.
func (l Layout) TaskDescLen() int {
	if l.TaskDesc128 {
		return 16
	}

	return 8
}

// LinkDescLen returns the size of the link descriptor that follows each task
// descriptor.
func (l Layout) LinkDescLen() int {
	if l.DMA64 {
		return 16
	}

	return 8
}

// TransDescLen returns the size of one transfer descriptor.
func (l Layout) TransDescLen() int {
	switch {
	case l.DMA64 && l.ShortTransferDesc:
		return 12
	case l.DMA64:
		return 16
	default:
		return 8
	}
}

// SlotSize returns the stride of the task descriptor list: one task
// descriptor and one link descriptor.
func (l Layout) SlotSize() int {
	return l.TaskDescLen() + l.LinkDescLen()
}

// DataSlots returns the number of slots that may carry data commands. Data
// tags are [0, DataSlots).
func (l Layout) DataSlots() int {
	if l.DirectTag == tags.NoDirectTag {
		return l.NumSlots
	}

	return l.NumSlots - 1
}

// TaskAreaSize returns the size of the task descriptor list.
func (l Layout) TaskAreaSize() int {
	return l.SlotSize() * l.NumSlots
}

// TransferAreaSize returns the size of the transfer descriptor area.
func (l Layout) TransferAreaSize() int {
	return l.TransDescLen() * l.MaxSegments * l.DataSlots()
}

// Size returns the total bytes of DMA memory the layout needs.
func (l Layout) Size() int {
	return l.transferAreaOffset() + l.TransferAreaSize()
}

func (l Layout) transferAreaOffset() int {
	return (l.TaskAreaSize() + 15) &^ 15
}

// Validate checks that the layout is consistent.
func (l Layout) Validate() error {
	if l.NumSlots <= 0 || l.NumSlots > tags.MaxSlots {
		return fmt.Errorf("desc: slot count %d out of range", l.NumSlots)
	}

	if l.DirectTag != tags.NoDirectTag && l.DirectTag != l.NumSlots-1 {
		return fmt.Errorf("desc: direct tag %d must be the last slot", l.DirectTag)
	}

	if l.MaxSegments <= 0 {
		return fmt.Errorf("desc: max segments must be positive")
	}

	if l.ShortTransferDesc && !l.DMA64 {
		return fmt.Errorf("desc: short transfer descriptors need 64-bit DMA")
	}

	return nil
}
