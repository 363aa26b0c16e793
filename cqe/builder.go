package cqe

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/regs"
	"github.com/sarchlab/cqhci/tags"
)

// Default timeouts of the halt and task clear handshakes.
const (
	DefaultHaltTimeout  = 100 * time.Millisecond
	DefaultClearTimeout = 100 * time.Millisecond
)

// Coalescing configures interrupt coalescing. A zero value disables it.
type Coalescing struct {
	Enable    bool
	Threshold uint32 // Completions per interrupt, at most 31
	Timeout   uint32 // In units of 1024 clock cycles, at most 127
}

func (c Coalescing) validate() error {
	if c.Threshold > 31 {
		return fmt.Errorf("cqe: coalescing threshold %d exceeds 31", c.Threshold)
	}

	if c.Timeout > 127 {
		return fmt.Errorf("cqe: coalescing timeout %d exceeds 127", c.Timeout)
	}

	return nil
}

func (c Coalescing) register() uint32 {
	if !c.Enable {
		return 0
	}

	return regs.ICEnable |
		regs.ICThresholdWE | regs.ICThreshold(c.Threshold) |
		regs.ICTimeoutWE | regs.ICTimeout(c.Timeout)
}

// Builder can build command queue engines.
type Builder struct {
	window       regs.Accessor
	host         regs.HostOps
	resetter     regs.Resetter
	alloc        dma.Allocator
	crypto       inlinecrypto.Variant
	logger       *slog.Logger
	numSlots     int
	dma64        bool
	taskDesc128  bool
	shortTrans   bool
	direct       bool
	maxSegments  int
	haltTimeout  time.Duration
	clearTimeout time.Duration
	coalescing   Coalescing
	ssc1         uint32
	sequentialID bool
}

// MakeBuilder returns a Builder with 32 slots, 64-bit DMA, direct commands
// and 128 segments per request.
func MakeBuilder() Builder {
	return Builder{
		numSlots:     tags.MaxSlots,
		dma64:        true,
		direct:       true,
		maxSegments:  128,
		haltTimeout:  DefaultHaltTimeout,
		clearTimeout: DefaultClearTimeout,
		ssc1:         regs.SendQSRInterval,
	}
}

// WithRegisters sets the memory-mapped register window. It may be omitted
// when the host implements regs.Accessor.
func (b Builder) WithRegisters(a regs.Accessor) Builder {
	b.window = a
	return b
}

// WithHost sets the platform hooks of the host controller.
func (b Builder) WithHost(h regs.HostOps) Builder {
	b.host = h
	return b
}

// WithResetter sets what the engine escalates to when a halt or task clear
// times out. A host that implements regs.Resetter is used when this is not
// set.
func (b Builder) WithResetter(r regs.Resetter) Builder {
	b.resetter = r
	return b
}

// WithAllocator sets where the descriptor memory comes from.
func (b Builder) WithAllocator(a dma.Allocator) Builder {
	b.alloc = a
	return b
}

// WithCrypto enables inline encryption through the given variant.
func (b Builder) WithCrypto(v inlinecrypto.Variant) Builder {
	b.crypto = v
	return b
}

// WithLogger sets the logger of the engine.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// WithCapacityHint sets the number of slots. It is capped at the 32 slots
// the controller supports.
func (b Builder) WithCapacityHint(n int) Builder {
	b.numSlots = min(n, tags.MaxSlots)
	return b
}

// WithDMA64 selects the addressing mode.
func (b Builder) WithDMA64(on bool) Builder {
	b.dma64 = on
	return b
}

// WithTaskDesc128 selects 128-bit task descriptors. Inline encryption always
// uses them.
func (b Builder) WithTaskDesc128(on bool) Builder {
	b.taskDesc128 = on
	return b
}

// WithShortTransferDesc selects 96-bit transfer descriptors in 64-bit mode.
func (b Builder) WithShortTransferDesc(on bool) Builder {
	b.shortTrans = on
	return b
}

// WithDirectCommands reserves the last slot for direct commands.
func (b Builder) WithDirectCommands(on bool) Builder {
	b.direct = on
	return b
}

// WithMaxSegments sets the length of the scatter/gather list of a request.
func (b Builder) WithMaxSegments(n int) Builder {
	b.maxSegments = n
	return b
}

// WithHaltTimeout sets how long to wait for a halt acknowledgment.
func (b Builder) WithHaltTimeout(d time.Duration) Builder {
	b.haltTimeout = d
	return b
}

// WithClearTimeout sets how long to wait for a task clear.
func (b Builder) WithClearTimeout(d time.Duration) Builder {
	b.clearTimeout = d
	return b
}

// WithCoalescing configures interrupt coalescing.
func (b Builder) WithCoalescing(c Coalescing) Builder {
	b.coalescing = c
	return b
}

// WithSendStatusInterval sets SSC1, which controls when the controller polls
// the queue status of the device.
func (b Builder) WithSendStatusInterval(v uint32) Builder {
	b.ssc1 = v
	return b
}

// WithSequentialIDs makes request IDs predictable.
func (b Builder) WithSequentialIDs() Builder {
	b.sequentialID = true
	return b
}

// Build creates an engine. The engine starts disabled; call Enable before
// submitting.
func (b Builder) Build(name string) (*Engine, error) {
	if b.alloc == nil {
		return nil, errors.New("cqe: no DMA allocator")
	}

	if b.numSlots <= 0 {
		return nil, fmt.Errorf("cqe: capacity %d must be positive", b.numSlots)
	}

	if err := b.coalescing.validate(); err != nil {
		return nil, err
	}

	if b.haltTimeout <= 0 || b.clearTimeout <= 0 {
		return nil, errors.New("cqe: timeouts must be positive")
	}

	e := &Engine{
		name:         name,
		host:         b.host,
		alloc:        b.alloc,
		haltTimeout:  b.haltTimeout,
		clearTimeout: b.clearTimeout,
		coalescing:   b.coalescing,
		ssc1:         b.ssc1,
		wake:         make(chan struct{}),
	}

	e.logger = b.logger
	if e.logger == nil {
		e.logger = DefaultLogger()
	}
	e.logger = e.logger.With("component", "cqhci", "engine", name)

	if e.host == nil {
		e.host = nopHost{}
	}
	e.regs = regs.Resolve(e.host, b.window)

	e.resetter = b.resetter
	if r, ok := b.host.(regs.Resetter); ok && e.resetter == nil {
		e.resetter = r
	}

	if b.sequentialID {
		e.ids = &sequentialIDGenerator{prefix: name + "-"}
	} else {
		e.ids = xidGenerator{}
	}

	e.crypto = inlinecrypto.Variant(inlinecrypto.NopVariant{})
	if b.crypto != nil {
		if err := b.setupCrypto(e); err != nil {
			return nil, err
		}
	}

	e.layout = desc.Layout{
		NumSlots:          b.numSlots,
		DirectTag:         tags.NoDirectTag,
		TaskDesc128:       b.taskDesc128 || e.cryptoCapable,
		DMA64:             b.dma64,
		ShortTransferDesc: b.shortTrans,
		MaxSegments:       b.maxSegments,
	}
	if b.direct {
		e.layout.DirectTag = b.numSlots - 1
	}

	if err := e.layout.Validate(); err != nil {
		return nil, err
	}

	e.tags = tags.NewAllocator(e.layout.NumSlots, e.layout.DirectTag)
	e.slots = make([]slot, e.layout.NumSlots)

	v := regs.DecodeVersion(e.regs.Read(regs.VER))
	e.logger.Info("command queue engine built",
		"version", fmt.Sprintf("%d.%d%d", v.Major, v.Minor1, v.Minor2),
		"slots", e.layout.NumSlots,
		"direct_tag", e.layout.DirectTag,
		"dma64", e.layout.DMA64,
		"task_desc_128", e.layout.TaskDesc128,
		"crypto", e.cryptoCapable)

	return e, nil
}

func (b Builder) setupCrypto(e *Engine) error {
	err := b.crypto.Setup()

	switch {
	case err == nil:
		e.crypto = b.crypto
		e.cryptoCapable = true
	case errors.Is(err, inlinecrypto.ErrNotSupported):
		e.logger.Info("controller has no inline encryption")
	default:
		return fmt.Errorf("cqe: crypto setup: %w", err)
	}

	return nil
}

type nopHost struct{}

func (nopHost) DumpRegisters()         {}
func (nopHost) Enable()                {}
func (nopHost) Disable(bool)           {}
func (nopHost) SetEnhancedStrobe(bool) {}
