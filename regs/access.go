package regs

import (
	"fmt"
	"log"
	"sync/atomic"
	"unsafe"
)

// An Accessor reads and writes 32-bit controller registers.
type Accessor interface {
	Read(offset int) uint32
	Write(value uint32, offset int)
}

// HostOps is the set of platform hooks a host controller driver may provide.
// A HostOps that also implements Accessor intercepts raw register access,
// which is how quirky controllers are supported.
type HostOps interface {
	DumpRegisters()
	Enable()
	Disable(recovery bool)
	SetEnhancedStrobe(set bool)
}

// A Resetter can reset the whole controller. The engine escalates to it when
// the queue cannot be halted or cleared.
type Resetter interface {
	ResetController() error
}

// Resolve picks the accessor the engine should use. A host that implements
// Accessor overrides the default memory-mapped window.
func Resolve(host HostOps, window Accessor) Accessor {
	if a, ok := host.(Accessor); ok {
		return a
	}

	if window == nil {
		log.Panic("no register window and host does not intercept access")
	}

	return window
}

// Window is direct memory-mapped access to the register block. The byte
// slice is usually the result of mapping the controller's BAR. Registers are
// little-endian, so the window assumes a little-endian host.
type Window struct {
	mem []byte
}

// NewWindow wraps a mapped register block.
func NewWindow(mem []byte) *Window {
	if len(mem) == 0 {
		log.Panic("register window must not be empty")
	}

	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		log.Panic("register window must be 4-byte aligned")
	}

	return &Window{mem: mem}
}

func (w *Window) addr(offset int) *uint32 {
	if offset < 0 || offset%4 != 0 || offset+4 > len(w.mem) {
		log.Panicf("register offset %#x out of window", offset)
	}

	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read loads a register.
func (w *Window) Read(offset int) uint32 {
	return atomic.LoadUint32(w.addr(offset))
}

// Write stores a register.
func (w *Window) Write(value uint32, offset int) {
	atomic.StoreUint32(w.addr(offset), value)
}

var fence uint32

// WriteBarrier orders all preceding memory writes before any following
// register write. Sequentially consistent atomics act as a full fence on
// every architecture Go supports.
func WriteBarrier() {
	atomic.AddUint32(&fence, 1)
}

// Dump formats the named registers through the accessor.
func Dump(a Accessor) []string {
	lines := make([]string, 0, len(Named))
	for _, r := range Named {
		lines = append(lines,
			fmt.Sprintf("%-6s (0x%02x): 0x%08x", r.Name, r.Offset, a.Read(r.Offset)))
	}

	return lines
}
