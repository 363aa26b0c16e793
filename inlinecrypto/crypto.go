// Package inlinecrypto binds requests to the inline encryption key slots of
// a CQHCI controller.
//
// The engine never sees key material. A request names a configuration slot
// and a data unit number; the binder validates the slot against the
// configuration table and writes the crypto extension of the task
// descriptor. Programming keys into the table is done through a Variant.
package inlinecrypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors reported by the binder and the variants.
var (
	ErrInvalidSlot  = errors.New("inlinecrypto: key slot out of range")
	ErrSlotDisabled = errors.New("inlinecrypto: key slot not enabled")
	ErrSlotFaulted  = errors.New("inlinecrypto: key slot faulted, reprogram it")
	ErrNotSupported = errors.New("inlinecrypto: inline encryption not supported")
	ErrKeySize      = errors.New("inlinecrypto: key size not supported")
	ErrNoCapability = errors.New("inlinecrypto: no matching crypto capability")
)

// Algorithm identifies a crypto algorithm in a capability entry.
type Algorithm uint8

// Algorithms.
const (
	AlgAESXTS          Algorithm = 0x0
	AlgBitLockerAESCBC Algorithm = 0x1
	AlgAESECB          Algorithm = 0x2
	AlgESSIVAESCBC     Algorithm = 0x3
)

func (a Algorithm) String() string {
	switch a {
	case AlgAESXTS:
		return "aes-xts"
	case AlgBitLockerAESCBC:
		return "bitlocker-aes-cbc"
	case AlgAESECB:
		return "aes-ecb"
	case AlgESSIVAESCBC:
		return "essiv-aes-cbc"
	default:
		return fmt.Sprintf("alg-%d", uint8(a))
	}
}

// KeySize is the encoded key size of a capability entry.
type KeySize uint8

// Key sizes.
const (
	KeySizeInvalid KeySize = 0x0
	KeySize128     KeySize = 0x1
	KeySize192     KeySize = 0x2
	KeySize256     KeySize = 0x3
	KeySize512     KeySize = 0x4
)

// Bytes returns the key length in bytes, or 0 for an invalid size.
func (k KeySize) Bytes() int {
	switch k {
	case KeySize128:
		return 16
	case KeySize192:
		return 24
	case KeySize256:
		return 32
	case KeySize512:
		return 64
	default:
		return 0
	}
}

// KeySizeFromBytes encodes a key length.
func KeySizeFromBytes(n int) (KeySize, error) {
	switch n {
	case 16:
		return KeySize128, nil
	case 24:
		return KeySize192, nil
	case 32:
		return KeySize256, nil
	case 64:
		return KeySize512, nil
	default:
		return KeySizeInvalid, fmt.Errorf("%d bytes: %w", n, ErrKeySize)
	}
}

// Layout constants of the configuration array.
const (
	MaxKeySize        = 64
	ConfigEntryDwords = 32
	ConfigEntrySize   = ConfigEntryDwords * 4
	configArrayStride = 0x100
	configEnableBit   = 1 << 7
	configEnableDword = 16
	configVendorDword = 17
)

// Capabilities is the decoded CCAP register.
type Capabilities struct {
	NumCaps        int
	ConfigCount    int
	ConfigArrayPtr int
}

// DecodeCapabilities decodes CCAP. The number of capability entries is a
// plain count; the number of configuration slots is stored minus one.
func DecodeCapabilities(v uint32) Capabilities {
	return Capabilities{
		NumCaps:        int(v & 0xFF),
		ConfigCount:    int((v>>8)&0xFF) + 1,
		ConfigArrayPtr: int((v >> 24) & 0xFF),
	}
}

// Encode is the inverse of DecodeCapabilities.
func (c Capabilities) Encode() uint32 {
	return uint32(c.NumCaps)&0xFF |
		(uint32(c.ConfigCount-1)&0xFF)<<8 |
		(uint32(c.ConfigArrayPtr)&0xFF)<<24
}

// ConfigOffset returns the register offset of a configuration slot.
func (c Capabilities) ConfigOffset(slot int) int {
	return c.ConfigArrayPtr*configArrayStride + slot*ConfigEntrySize
}

// CapabilityEntry is a decoded x-CRYPTOCAP register.
type CapabilityEntry struct {
	Algorithm Algorithm

	// DataUnitSizes has bit i set when a data unit of 512<<i bytes is
	// supported.
	DataUnitSizes uint8
	KeySize       KeySize
}

// DecodeCapabilityEntry decodes one x-CRYPTOCAP register.
func DecodeCapabilityEntry(v uint32) CapabilityEntry {
	return CapabilityEntry{
		Algorithm:     Algorithm(v & 0xFF),
		DataUnitSizes: uint8(v >> 8),
		KeySize:       KeySize(v >> 16),
	}
}

// Encode is the inverse of DecodeCapabilityEntry.
func (e CapabilityEntry) Encode() uint32 {
	return uint32(e.Algorithm) | uint32(e.DataUnitSizes)<<8 | uint32(e.KeySize)<<16
}

// SupportsDataUnit reports whether the entry allows data units of n bytes.
func (e CapabilityEntry) SupportsDataUnit(n int) bool {
	mask, ok := dataUnitMask(n)
	return ok && e.DataUnitSizes&mask != 0
}

func dataUnitMask(n int) (uint8, bool) {
	for i := 0; i < 8; i++ {
		if n == 512<<i {
			return 1 << i, true
		}
	}

	return 0, false
}

// ConfigEntry is the content of one x-CRYPTOCFG slot.
type ConfigEntry struct {
	Key []byte

	// DataUnitSize is the one-hot encoded data unit size, the same encoding
	// as CapabilityEntry.DataUnitSizes.
	DataUnitSize uint8
	CapIndex     uint8
	Enable       bool
}

// Dwords lays the entry out as it is written to the configuration array.
func (e ConfigEntry) Dwords() [ConfigEntryDwords]uint32 {
	var raw [ConfigEntrySize]byte
	copy(raw[:MaxKeySize], e.Key)

	raw[64] = e.DataUnitSize
	raw[65] = e.CapIndex
	if e.Enable {
		raw[67] = configEnableBit
	}

	var dw [ConfigEntryDwords]uint32
	for i := range dw {
		dw[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	return dw
}

// DecodeConfigEntry is the inverse of Dwords. The returned key always holds
// MaxKeySize bytes.
func DecodeConfigEntry(dw [ConfigEntryDwords]uint32) ConfigEntry {
	var raw [ConfigEntrySize]byte
	for i, d := range dw {
		binary.LittleEndian.PutUint32(raw[i*4:], d)
	}

	return ConfigEntry{
		Key:          append([]byte(nil), raw[:MaxKeySize]...),
		DataUnitSize: raw[64],
		CapIndex:     raw[65],
		Enable:       raw[67]&configEnableBit != 0,
	}
}

// XTSKey lays an AES-XTS key out for the key area. Each half of the key
// starts at the beginning of its 32-byte half of the area.
func XTSKey(key []byte) ([]byte, error) {
	if len(key) != 32 && len(key) != 64 {
		return nil, fmt.Errorf("xts key of %d bytes: %w", len(key), ErrKeySize)
	}

	out := make([]byte, MaxKeySize)
	half := len(key) / 2
	copy(out, key[:half])
	copy(out[MaxKeySize/2:], key[half:])

	return out, nil
}
