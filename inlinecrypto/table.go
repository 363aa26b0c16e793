package inlinecrypto

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sarchlab/cqhci/desc"
)

// CapabilityTable is the read-only list of algorithm and key size
// combinations the controller supports.
type CapabilityTable struct {
	Caps    Capabilities
	Entries []CapabilityEntry
}

// Find returns the index of the capability entry that supports the
// algorithm, key size and data unit size.
func (t CapabilityTable) Find(alg Algorithm, keySize KeySize, dataUnitSize int) (int, error) {
	for i, e := range t.Entries {
		if e.Algorithm == alg && e.KeySize == keySize && e.SupportsDataUnit(dataUnitSize) {
			return i, nil
		}
	}

	return -1, fmt.Errorf("%s, %d-byte key, %d-byte data unit: %w",
		alg, keySize.Bytes(), dataUnitSize, ErrNoCapability)
}

type slotState struct {
	entry   ConfigEntry
	faulted bool
}

// ConfigTable mirrors the programmable configuration slots. It is safe for
// concurrent use: keys are programmed from outside the engine while requests
// are being bound under the engine lock.
type ConfigTable struct {
	mu    sync.RWMutex
	slots []slotState
}

// NewConfigTable creates a table with n disabled slots.
func NewConfigTable(n int) *ConfigTable {
	return &ConfigTable{slots: make([]slotState, n)}
}

// Size returns the number of configuration slots.
func (t *ConfigTable) Size() int {
	return len(t.slots)
}

// Set records the entry programmed into a slot and clears any fault on it.
func (t *ConfigTable) Set(slot int, e ConfigEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot < 0 || slot >= len(t.slots) {
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}

	e.Key = append([]byte(nil), e.Key...)
	t.slots[slot] = slotState{entry: e}

	return nil
}

// Entry returns the entry last programmed into a slot.
func (t *ConfigTable) Entry(slot int) (ConfigEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if slot < 0 || slot >= len(t.slots) {
		return ConfigEntry{}, false
	}

	return t.slots[slot].entry, true
}

// MarkFaulted keeps a slot from being bound until it is programmed again.
func (t *ConfigTable) MarkFaulted(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot >= 0 && slot < len(t.slots) {
		t.slots[slot].faulted = true
	}
}

// Check reports whether a slot may be referenced by a request.
func (t *ConfigTable) Check(slot int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case slot < 0 || slot >= len(t.slots):
		return fmt.Errorf("slot %d of %d: %w", slot, len(t.slots), ErrInvalidSlot)
	case !t.slots[slot].entry.Enable:
		return fmt.Errorf("slot %d: %w", slot, ErrSlotDisabled)
	case t.slots[slot].faulted:
		return fmt.Errorf("slot %d: %w", slot, ErrSlotFaulted)
	}

	return nil
}

// Bind writes the crypto extension of a data task descriptor: the data unit
// number in bits 0-31, the configuration slot in bits 32-39 and the enable
// bit 47. It has no side effect other than writing ext.
func Bind(ext []byte, table *ConfigTable, slot int, dun uint32) error {
	if len(ext) < 8 {
		return fmt.Errorf("inlinecrypto: extension of %d bytes: %w",
			len(ext), ErrNotSupported)
	}

	if err := table.Check(slot); err != nil {
		return err
	}

	w := desc.DataUnitNum.Put(uint64(dun)) |
		desc.CryptoConfigIndex.Put(uint64(slot)) |
		desc.CryptoEnable.Put(1)
	binary.LittleEndian.PutUint64(ext, w)

	return nil
}

// Unbind clears a crypto extension.
func Unbind(ext []byte) {
	clear(ext)
}
