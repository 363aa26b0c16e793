// Package cqe is the command queue engine of a CQHCI host controller. It
// keeps up to 32 commands outstanding on an eMMC device, tagged by slot,
// and drives the controller through halt, task clear and resume when a
// command fails.
//
// An Engine is built with MakeBuilder, started with Enable and fed with
// Submit. The host driver calls HandleInterrupt from its interrupt handler.
package cqe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/hooking"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
	"github.com/sarchlab/cqhci/tags"
)

const pollInterval = time.Millisecond

type slot struct {
	req         *Request
	start       time.Time
	completed   bool
	flags       irq.Flags
	extTimeout  bool
	cryptoFault bool
}

type op struct {
	done chan struct{}
	err  error
}

func newOp() *op {
	return &op{done: make(chan struct{})}
}

// Stats counts what the engine has done since it was built.
type Stats struct {
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	Recoveries uint64
	Halts      uint64
	Resets     uint64
	Spurious   uint64
}

// Engine is a command queue engine.
type Engine struct {
	hooking.HookableBase

	name          string
	logger        *slog.Logger
	regs          regs.Accessor
	host          regs.HostOps
	resetter      regs.Resetter
	crypto        inlinecrypto.Variant
	cryptoCapable bool
	alloc         dma.Allocator
	ids           idGenerator
	layout        desc.Layout
	haltTimeout   time.Duration
	clearTimeout  time.Duration
	ssc1          uint32

	mu           sync.Mutex
	wake         chan struct{}
	state        State
	enabled      bool
	activated    bool
	recoveryHalt bool
	rca          uint16
	coalescing   Coalescing
	region       dma.Region
	ring         *desc.Ring
	tags         *tags.Allocator
	slots        []slot
	haltOp       *op
	recoveryOp   *op
	ends         [tags.MaxSlots]uint64
	stats        Stats
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Layout returns the descriptor layout the engine uses.
func (e *Engine) Layout() desc.Layout {
	return e.layout
}

// Enable allocates the task descriptor list and starts the queue. rca is the
// relative card address the controller uses when polling the device's
// queue status.
func (e *Engine) Enable(rca uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.enabled {
		return nil
	}

	region, err := e.alloc.AllocCoherent(e.layout.Size())
	if err != nil {
		return fmt.Errorf("cqe: allocate descriptors: %w", err)
	}

	ring, err := desc.NewRing(region, e.layout)
	if err != nil {
		e.alloc.FreeCoherent(region)
		return fmt.Errorf("cqe: %w", err)
	}

	e.region = region
	e.ring = ring
	e.rca = rca
	e.enabled = true

	e.activateLocked()
	e.setStateLocked(StateRunning)

	e.logger.Info("command queue enabled",
		"tdl", fmt.Sprintf("%#x", region.Base), "size", region.Size(), "rca", rca)

	return nil
}

// Disable halts the queue, fails anything still outstanding and releases the
// task descriptor list.
func (e *Engine) Disable(ctx context.Context) error {
	err := e.Off(ctx)

	e.mu.Lock()

	if !e.enabled {
		e.mu.Unlock()
		return nil
	}

	e.deactivateLocked()
	cs := e.failAllLocked(errDisabled)
	e.teardownLocked()
	e.mu.Unlock()

	deliver(cs)

	e.logger.Info("command queue disabled")

	return err
}

// Off halts the queue ahead of a power transition. A queue that refuses to
// halt is logged and left as is.
func (e *Engine) Off(ctx context.Context) error {
	err := e.Halt(ctx)
	if errors.Is(err, ErrNotReady) {
		return nil
	}

	if err != nil {
		e.logger.Error("command queue stuck on", "error", err)
	}

	return err
}

func (e *Engine) activateLocked() {
	cfg := e.regs.Read(regs.CFG)
	if cfg&regs.CfgEnable != 0 {
		e.regs.Write(cfg&^regs.CfgEnable, regs.CFG)
	}

	cfg &^= regs.CfgEnable | regs.CfgDCMD | regs.CfgTaskDescSz | regs.CfgICEEnable
	if e.layout.DirectTag != tags.NoDirectTag {
		cfg |= regs.CfgDCMD
	}

	if e.layout.TaskDesc128 {
		cfg |= regs.CfgTaskDescSz
	}

	if e.cryptoCapable {
		cfg |= regs.CfgICEEnable
	}

	e.regs.Write(cfg, regs.CFG)

	base := e.ring.Base()
	e.regs.Write(uint32(base), regs.TDLBA)
	e.regs.Write(uint32(base>>32), regs.TDLBAU)

	e.regs.Write(e.ssc1, regs.SSC1)
	e.regs.Write(uint32(e.rca), regs.SSC2)
	e.regs.Write(e.coalescing.register(), regs.IC)

	e.setIRQsLocked(0)

	e.regs.Write(cfg|regs.CfgEnable, regs.CFG)

	e.host.Enable()
	e.host.SetEnhancedStrobe(true)

	regs.WriteBarrier()

	e.setIRQsLocked(regs.IsMask)
	e.crypto.Enable()

	e.activated = true
}

func (e *Engine) deactivateLocked() {
	if !e.activated {
		return
	}

	e.setIRQsLocked(0)
	e.crypto.Disable()

	cfg := e.regs.Read(regs.CFG)
	e.regs.Write(cfg&^regs.CfgEnable, regs.CFG)

	e.activated = false
}

func (e *Engine) setIRQsLocked(mask uint32) {
	e.regs.Write(mask, regs.ISTE)
	e.regs.Write(mask, regs.ISGE)
}

func (e *Engine) setStateLocked(s State) {
	if s == e.state {
		return
	}

	change := StateChange{From: e.state, To: s}
	e.state = s

	e.logger.Debug("state changed", "from", change.From, "to", change.To)
	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    HookPosStateChange,
		Item:   change,
	})

	e.wakeLocked()
}

// wakeLocked wakes everyone waiting for a state change, a completion or a
// halt acknowledgment.
func (e *Engine) wakeLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *Engine) wakeChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.wake
}

// waitFor waits until cond holds, re-checking it on every wake up and at
// least once per poll interval. It returns errTimedOut when timeout elapses
// first.
func (e *Engine) waitFor(
	ctx context.Context,
	timeout time.Duration,
	cond func() bool,
) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		ch := e.wakeChan()
		if cond() {
			return nil
		}

		select {
		case <-ch:
		case <-tick.C:
		case <-deadline.C:
			if cond() {
				return nil
			}

			return errTimedOut
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) halted() bool {
	return e.regs.Read(regs.CTL)&regs.CtlHalt != 0
}

func (e *Engine) cleared() bool {
	return e.regs.Read(regs.CTL)&regs.CtlClearAllTasks == 0
}

// failAllLocked ends every outstanding request with err. The controller must
// no longer be executing any of them.
func (e *Engine) failAllLocked(err error) []completion {
	var cs []completion

	for tag := range e.slots {
		if e.slots[tag].req == nil {
			continue
		}

		cs = append(cs, e.endLocked(tag, err))
	}

	return cs
}

// endLocked detaches a request from its slot, invalidates the descriptor
// and releases the tag.
func (e *Engine) endLocked(tag int, err error) completion {
	s := &e.slots[tag]
	r := s.req

	if err == nil {
		e.stats.Completed++
	} else {
		e.stats.Failed++
		r.bytesXfered = 0
	}

	if r.Crypto != nil && r.Kind == KindData {
		if cerr := e.crypto.CompleteCryptoContext(r.Crypto); cerr != nil {
			e.logger.Warn("crypto completion failed", "tag", tag, "error", cerr)
		}
	}

	e.ring.Invalidate(tag)
	*s = slot{}
	e.tags.Release(tag)
	e.ends[tag]++

	r.err = err
	r.inFlight = false

	end := hooking.TaskEnd{ID: r.ID}
	if err != nil {
		end.Error = err.Error()
	}
	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskEnd,
		Item:   end,
	})

	return completion{req: r, done: r.done}
}
