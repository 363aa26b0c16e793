package inlinecrypto

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sarchlab/cqhci/regs"
)

// CryptoContext is the crypto part of a request: the configuration slot holding
// the key and the data unit number of the first block.
type CryptoContext struct {
	Slot int
	DUN  uint32
}

// A Variant implements inline encryption for one kind of controller. The
// engine calls PrepareCryptoContext before ringing the doorbell of a request
// that asks for encryption and CompleteCryptoContext once the request is
// done.
type Variant interface {
	Setup() error
	Teardown()
	Enable()
	Disable()
	Suspend() error
	Resume() error
	DebugDump() []string
	PrepareCryptoContext(c *CryptoContext, ext []byte) error
	CompleteCryptoContext(c *CryptoContext) error
	Reset() error
	RecoveryFinish() error
	ProgramKey(e ConfigEntry, slot int) error
}

// A FaultRecorder is told which slot a crypto error was reported for.
type FaultRecorder interface {
	MarkFaulted(slot int)
}

// NopVariant is used when the controller has no inline encryption. Every
// request that asks for encryption is refused.
type NopVariant struct{}

// Setup does nothing.
func (NopVariant) Setup() error { return nil }

// Teardown does nothing.
func (NopVariant) Teardown() {}

// Enable does nothing.
func (NopVariant) Enable() {}

// Disable does nothing.
func (NopVariant) Disable() {}

// Suspend does nothing.
func (NopVariant) Suspend() error { return nil }

// Resume does nothing.
func (NopVariant) Resume() error { return nil }

// DebugDump returns nothing.
func (NopVariant) DebugDump() []string { return nil }

// PrepareCryptoContext refuses the request.
func (NopVariant) PrepareCryptoContext(*CryptoContext, []byte) error { return ErrNotSupported }

// CompleteCryptoContext does nothing.
func (NopVariant) CompleteCryptoContext(*CryptoContext) error { return nil }

// Reset does nothing.
func (NopVariant) Reset() error { return nil }

// RecoveryFinish does nothing.
func (NopVariant) RecoveryFinish() error { return nil }

// ProgramKey refuses the key.
func (NopVariant) ProgramKey(ConfigEntry, int) error { return ErrNotSupported }

// RegisterVariant is the standard CQHCI crypto extension, driven through the
// crypto capability and configuration registers.
type RegisterVariant struct {
	regs   regs.Accessor
	logger *slog.Logger

	mu      sync.Mutex
	caps    CapabilityTable
	table   *ConfigTable
	enabled bool
	ready   bool
}

// NewRegisterVariant creates a variant that reaches the controller through
// a.
func NewRegisterVariant(a regs.Accessor, logger *slog.Logger) *RegisterVariant {
	if logger == nil {
		logger = slog.Default()
	}

	return &RegisterVariant{
		regs:   a,
		logger: logger.With("component", "inlinecrypto"),
	}
}

// Setup reads the capability registers and sizes the configuration table.
func (v *RegisterVariant) Setup() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.regs.Read(regs.CAP)&regs.CapCryptoSupport == 0 {
		return ErrNotSupported
	}

	caps := DecodeCapabilities(v.regs.Read(regs.CCAP))
	entries := make([]CapabilityEntry, caps.NumCaps)
	for i := range entries {
		entries[i] = DecodeCapabilityEntry(v.regs.Read(regs.CRYPTOCAP + 4*i))
	}

	v.caps = CapabilityTable{Caps: caps, Entries: entries}
	v.table = NewConfigTable(caps.ConfigCount)
	v.ready = true

	v.logger.Debug("crypto capabilities read",
		"caps", caps.NumCaps, "slots", caps.ConfigCount,
		"config_array", fmt.Sprintf("%#x", caps.ConfigOffset(0)))

	for i := 0; i < caps.ConfigCount; i++ {
		v.writeEntry(ConfigEntry{}, i)
	}

	return nil
}

// Teardown forgets the programmed keys.
func (v *RegisterVariant) Teardown() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.ready = false
	v.enabled = false
	v.table = nil
}

// Capabilities returns the capability table read by Setup.
func (v *RegisterVariant) Capabilities() CapabilityTable {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.caps
}

// Table returns the configuration table mirror.
func (v *RegisterVariant) Table() *ConfigTable {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.table
}

// Enable allows requests to be bound.
func (v *RegisterVariant) Enable() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.enabled = v.ready
}

// Disable refuses further bindings.
func (v *RegisterVariant) Disable() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.enabled = false
}

// Suspend disables the variant. Key slots may lose their content while the
// controller is powered down.
func (v *RegisterVariant) Suspend() error {
	v.Disable()
	return nil
}

// Resume programs every key again and enables the variant.
func (v *RegisterVariant) Resume() error {
	if err := v.reprogram(); err != nil {
		return err
	}

	v.Enable()

	return nil
}

// DebugDump formats the capability and configuration registers.
func (v *RegisterVariant) DebugDump() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.ready {
		return nil
	}

	lines := []string{
		fmt.Sprintf("CCAP      (0x%03x): 0x%08x", regs.CCAP, v.regs.Read(regs.CCAP)),
	}

	for i := range v.caps.Entries {
		off := regs.CRYPTOCAP + 4*i
		lines = append(lines, fmt.Sprintf("CRYPTOCAP (0x%03x): 0x%08x", off, v.regs.Read(off)))
	}

	for i := 0; i < v.caps.Caps.ConfigCount; i++ {
		off := v.caps.Caps.ConfigOffset(i) + configEnableDword*4
		lines = append(lines, fmt.Sprintf("CRYPTOCFG%-2d(0x%03x): 0x%08x", i, off, v.regs.Read(off)))
	}

	return lines
}

// PrepareCryptoContext binds the request's slot into the descriptor
// extension.
func (v *RegisterVariant) PrepareCryptoContext(c *CryptoContext, ext []byte) error {
	v.mu.Lock()
	enabled, table := v.enabled, v.table
	v.mu.Unlock()

	if !enabled {
		return ErrNotSupported
	}

	return Bind(ext, table, c.Slot, c.DUN)
}

// CompleteCryptoContext has nothing to undo for the standard variant.
func (v *RegisterVariant) CompleteCryptoContext(*CryptoContext) error {
	return nil
}

// Reset programs every key again after a controller reset.
func (v *RegisterVariant) Reset() error {
	return v.reprogram()
}

// RecoveryFinish programs every key again. Slots that faulted stay
// quarantined until ProgramKey is called for them.
func (v *RegisterVariant) RecoveryFinish() error {
	return v.reprogram()
}

// ProgramKey writes a configuration entry into a slot. The enable dword is
// cleared first and written last, so the controller never sees a half
// written key as enabled.
func (v *RegisterVariant) ProgramKey(e ConfigEntry, slot int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.ready {
		return ErrNotSupported
	}

	if slot < 0 || slot >= v.caps.Caps.ConfigCount {
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}

	if len(e.Key) > MaxKeySize {
		return fmt.Errorf("%d-byte key: %w", len(e.Key), ErrKeySize)
	}

	if e.Enable && int(e.CapIndex) >= len(v.caps.Entries) {
		return fmt.Errorf("capability %d: %w", e.CapIndex, ErrNoCapability)
	}

	v.writeEntry(e, slot)

	return v.table.Set(slot, e)
}

// EvictKey disables a slot and wipes its key.
func (v *RegisterVariant) EvictKey(slot int) error {
	return v.ProgramKey(ConfigEntry{}, slot)
}

// MarkFaulted quarantines a slot until it is programmed again.
func (v *RegisterVariant) MarkFaulted(slot int) {
	v.mu.Lock()
	table := v.table
	v.mu.Unlock()

	if table != nil {
		table.MarkFaulted(slot)
		v.logger.Warn("crypto slot faulted", "slot", slot)
	}
}

func (v *RegisterVariant) writeEntry(e ConfigEntry, slot int) {
	base := v.caps.Caps.ConfigOffset(slot)
	dw := e.Dwords()

	v.regs.Write(0, base+configEnableDword*4)
	for i := 0; i < configEnableDword; i++ {
		v.regs.Write(dw[i], base+i*4)
	}
	v.regs.Write(dw[configVendorDword], base+configVendorDword*4)
	v.regs.Write(dw[configEnableDword], base+configEnableDword*4)
}

func (v *RegisterVariant) reprogram() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.ready {
		return nil
	}

	for i := 0; i < v.table.Size(); i++ {
		e, _ := v.table.Entry(i)
		v.writeEntry(e, i)
	}

	return nil
}
