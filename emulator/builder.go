package emulator

import (
	"log/slog"
	"time"

	"github.com/sarchlab/cqhci/dma"
)

// Builder can build emulated controllers.
type Builder struct {
	bus         *dma.Bus
	slots       int
	blockSize   int
	capacity    uint64
	dma64       bool
	shortTrans  bool
	crypto      bool
	cryptoSlots int
	latency     time.Duration
	logger      *slog.Logger
}

// MakeBuilder returns a Builder for a 64-bit DMA controller with 512-byte
// blocks and 1 GiB of media.
func MakeBuilder() Builder {
	return Builder{
		slots:       32,
		blockSize:   512,
		capacity:    1 << 30,
		dma64:       true,
		cryptoSlots: 32,
	}
}

// WithBus sets the bus the controller fetches descriptors and data over.
func (b Builder) WithBus(bus *dma.Bus) Builder {
	b.bus = bus
	return b
}

// WithSlots sets the number of task slots. With direct commands enabled the
// last slot carries them.
func (b Builder) WithSlots(n int) Builder {
	b.slots = n
	return b
}

// WithBlockSize sets the block size of the device.
func (b Builder) WithBlockSize(n int) Builder {
	b.blockSize = n
	return b
}

// WithCapacity sets the size of the media in bytes.
func (b Builder) WithCapacity(n uint64) Builder {
	b.capacity = n
	return b
}

// WithDMA64 selects the addressing mode the controller decodes.
func (b Builder) WithDMA64(on bool) Builder {
	b.dma64 = on
	return b
}

// WithShortTransferDesc makes the controller expect 96-bit transfer
// descriptors in 64-bit mode.
func (b Builder) WithShortTransferDesc(on bool) Builder {
	b.shortTrans = on
	return b
}

// WithCrypto adds inline encryption with the given number of key slots.
func (b Builder) WithCrypto(slots int) Builder {
	b.crypto = true
	b.cryptoSlots = slots
	return b
}

// WithLatency sets how long each task takes.
func (b Builder) WithLatency(d time.Duration) Builder {
	b.latency = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a controller and starts it. Close stops it.
func (b Builder) Build(name string) *Controller {
	if b.bus == nil {
		b.bus = dma.NewBus(0x1000_0000, 0)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		name:       name,
		bus:        b.bus,
		media:      NewMedia(b.capacity),
		slots:      b.slots,
		blockSize:  b.blockSize,
		dma64:      b.dma64,
		shortTrans: b.shortTrans,
		crypto:     b.crypto,
		latency:    b.latency,
		logger:     logger.With("component", "emulator", "controller", name),
		reg:        make(map[int]uint32),
		injected:   make(map[int]fault),
		running:    -1,
		kick:       make(chan struct{}, 1),
		irq:        make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	c.resetRegistersLocked()
	if b.crypto {
		c.setupCryptoLocked(b.cryptoSlots)
	}

	c.wg.Add(2)
	go c.runTasks()
	go c.runInterrupts()

	return c
}
