package emulator

import (
	"errors"
	"sync"
)

// ErrBeyondCapacity is returned for accesses past the end of the media.
var ErrBeyondCapacity = errors.New("emulator: access beyond media capacity")

// Media is the flash behind the controller. It is allocated in units on
// first touch, so a large device costs nothing until it is written.
type Media struct {
	lock     sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewMedia creates media of the given capacity in bytes.
func NewMedia(capacity uint64) *Media {
	return &Media{
		unitSize: 4096,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the size of the media in bytes.
func (m *Media) Capacity() uint64 {
	return m.capacity
}

func (m *Media) unit(addr uint64) []byte {
	base, _ := m.split(addr)

	u, ok := m.data[base]
	if !ok {
		u = make([]byte, m.unitSize)
		m.data[base] = u
	}

	return u
}

func (m *Media) split(addr uint64) (base, off uint64) {
	off = addr % m.unitSize
	base = addr - off

	return base, off
}

func (m *Media) inRange(addr uint64, n int) bool {
	end := addr + uint64(n)
	return end >= addr && end <= m.capacity
}

// ReadAt copies len(buf) bytes starting at addr into buf.
func (m *Media) ReadAt(buf []byte, addr uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.inRange(addr, len(buf)) {
		return ErrBeyondCapacity
	}

	for done := 0; done < len(buf); {
		cur := addr + uint64(done)
		base, off := m.split(cur)

		n := copy(buf[done:], m.unit(base)[off:])
		done += n
	}

	return nil
}

// WriteAt stores buf starting at addr.
func (m *Media) WriteAt(buf []byte, addr uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.inRange(addr, len(buf)) {
		return ErrBeyondCapacity
	}

	for done := 0; done < len(buf); {
		cur := addr + uint64(done)
		base, off := m.split(cur)

		n := copy(m.unit(base)[off:], buf[done:])
		done += n
	}

	return nil
}

// Touched returns the number of allocated units.
func (m *Media) Touched() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.data)
}
