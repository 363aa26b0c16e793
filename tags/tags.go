// Package tags manages the command tags of a command queue.
package tags

import (
	"errors"
	"log"
	"math/bits"
)

// MaxSlots is the largest queue depth the controller can report.
const MaxSlots = 32

// NoDirectTag marks an allocator without a reserved direct-command tag.
const NoDirectTag = -1

var (
	// ErrExhausted means every general tag is in use. It is backpressure,
	// the caller should retry after a completion.
	ErrExhausted = errors.New("tags: no free tag")

	// ErrBusy means the direct-command tag is occupied.
	ErrBusy = errors.New("tags: direct-command tag busy")

	// ErrNoDirect means the queue was configured without direct commands.
	ErrNoDirect = errors.New("tags: direct commands not supported")
)

// An Allocator owns the set of available tags. It is not safe for concurrent
// use; the engine serializes it under its lock.
type Allocator struct {
	numSlots  int
	directTag int
	busy      uint32
	next      int
}

// NewAllocator creates an allocator for numSlots tags. When directTag is not
// NoDirectTag, that tag is excluded from the general pool.
func NewAllocator(numSlots, directTag int) *Allocator {
	if numSlots <= 0 || numSlots > MaxSlots {
		log.Panicf("tags: slot count %d out of range [1, %d]", numSlots, MaxSlots)
	}

	if directTag != NoDirectTag && (directTag < 0 || directTag >= numSlots) {
		log.Panicf("tags: direct tag %d out of range", directTag)
	}

	if directTag != NoDirectTag && numSlots == 1 {
		log.Panic("tags: direct tag would leave no general tags")
	}

	return &Allocator{numSlots: numSlots, directTag: directTag}
}

// NumSlots returns the total number of tags, including the direct tag.
func (a *Allocator) NumSlots() int {
	return a.numSlots
}

// DirectTag returns the reserved tag, or NoDirectTag.
func (a *Allocator) DirectTag() int {
	return a.directTag
}

// Depth returns the number of general tags.
func (a *Allocator) Depth() int {
	if a.directTag == NoDirectTag {
		return a.numSlots
	}

	return a.numSlots - 1
}

// Reserve hands out a free general tag. Tags are handed out round robin so
// that a just-released tag is the last one to be reused.
func (a *Allocator) Reserve() (int, error) {
	for i := 0; i < a.numSlots; i++ {
		tag := (a.next + i) % a.numSlots
		if tag == a.directTag || a.InUse(tag) {
			continue
		}

		a.busy |= 1 << uint(tag)
		a.next = (tag + 1) % a.numSlots

		return tag, nil
	}

	return 0, ErrExhausted
}

// ReserveDirect hands out the direct-command tag.
func (a *Allocator) ReserveDirect() (int, error) {
	if a.directTag == NoDirectTag {
		return 0, ErrNoDirect
	}

	if a.InUse(a.directTag) {
		return 0, ErrBusy
	}

	a.busy |= 1 << uint(a.directTag)

	return a.directTag, nil
}

// Release returns a tag to the pool. Releasing a free tag is a bug in the
// caller and panics.
func (a *Allocator) Release(tag int) {
	a.tagMustBeValid(tag)

	if !a.InUse(tag) {
		log.Panicf("tags: double release of tag %d", tag)
	}

	a.busy &^= 1 << uint(tag)
}

// InUse tells if a tag is currently held.
func (a *Allocator) InUse(tag int) bool {
	a.tagMustBeValid(tag)

	return a.busy&(1<<uint(tag)) != 0
}

// Outstanding returns the bitmask of held tags.
func (a *Allocator) Outstanding() uint32 {
	return a.busy
}

// NumInUse returns the number of held tags.
func (a *Allocator) NumInUse() int {
	return bits.OnesCount32(a.busy)
}

// NumFree returns the number of free general tags.
func (a *Allocator) NumFree() int {
	free := a.Depth() - a.NumInUse()
	if a.directTag != NoDirectTag && a.InUse(a.directTag) {
		free++
	}

	return free
}

// Reset frees every tag. It is only valid once all outstanding commands have
// been accounted for, i.e. after a task clear.
func (a *Allocator) Reset() {
	a.busy = 0
}

func (a *Allocator) tagMustBeValid(tag int) {
	if tag < 0 || tag >= a.numSlots {
		log.Panicf("tags: tag %d out of range [0, %d)", tag, a.numSlots)
	}
}
