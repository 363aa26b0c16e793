package cqe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sarchlab/cqhci/hooking"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
	"github.com/sarchlab/cqhci/tags"
)

// maxPollRounds bounds how often the completion register is re-read while
// new completions keep arriving.
const maxPollRounds = 3

var errDisabled = fmt.Errorf("%w: queue disabled", ErrNotReady)

// TrySubmit rings the doorbell for r without blocking. It returns
// ErrBackpressure when all data tags are in use, tags.ErrBusy when the
// direct-command tag is occupied and ErrNotReady while the engine is not
// running. The request's buffers must stay untouched until it completes.
func (e *Engine) TrySubmit(r *Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.inFlight {
		return ErrInFlight
	}

	if err := e.readyLocked(); err != nil {
		return err
	}

	if !e.activated {
		e.activateLocked()
	}

	if ctl := e.regs.Read(regs.CTL); ctl&regs.CtlHalt != 0 {
		e.regs.Write(ctl&^regs.CtlHalt, regs.CTL)
	}

	tag, err := e.reserveLocked(r)
	if err != nil {
		return err
	}

	if err := e.encodeLocked(tag, r); err != nil {
		e.ring.Invalidate(tag)
		e.tags.Release(tag)

		return err
	}

	if r.ID == "" {
		r.ID = e.ids.Generate()
	}

	r.tag = tag
	r.inFlight = true
	r.err = nil
	r.bytesXfered = 0
	r.response = 0
	r.done = make(chan struct{})

	e.slots[tag] = slot{req: r, start: time.Now()}
	e.stats.Submitted++

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskStart,
		Item: hooking.TaskStart{
			ID:    r.ID,
			Kind:  r.Kind.String(),
			What:  r.what(),
			Where: e.name,
		},
	})
	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskTag,
		Item: hooking.TaskTag{
			TaskID: r.ID,
			What:   "tag",
			Detail: strconv.Itoa(tag),
		},
	})

	e.ringDoorbellLocked(r, tag)

	return nil
}

// Submit rings the doorbell for r, waiting for a free tag and for the engine
// to be running. When ctx ends first, the last refusal is returned together
// with the context error.
func (e *Engine) Submit(ctx context.Context, r *Request) error {
	for {
		ch := e.wakeChan()

		err := e.TrySubmit(r)
		if err == nil || !retryable(err) {
			return err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, errDisabled) {
		return false
	}

	return errors.Is(err, ErrBackpressure) ||
		errors.Is(err, tags.ErrBusy) ||
		errors.Is(err, ErrNotReady)
}

func (e *Engine) readyLocked() error {
	switch {
	case !e.enabled:
		return errDisabled
	case e.recoveryHalt:
		return fmt.Errorf("%w: recovering", ErrNotReady)
	case e.state != StateRunning:
		return fmt.Errorf("%w: %s", ErrNotReady, e.state)
	}

	return nil
}

func (e *Engine) reserveLocked(r *Request) (int, error) {
	if r.Kind == KindDirect {
		return e.tags.ReserveDirect()
	}

	tag, err := e.tags.Reserve()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBackpressure, err)
	}

	return tag, nil
}

func (e *Engine) encodeLocked(tag int, r *Request) error {
	if r.Kind == KindDirect {
		if r.Crypto != nil {
			return fmt.Errorf("direct command: %w", inlinecrypto.ErrNotSupported)
		}

		return e.ring.EncodeDirect(tag, r.Direct)
	}

	if err := e.ring.EncodeData(tag, r.Data); err != nil {
		return err
	}

	if r.Crypto == nil {
		return nil
	}

	ext := e.ring.Extension(tag)
	if ext == nil {
		return inlinecrypto.ErrNotSupported
	}

	return e.crypto.PrepareCryptoContext(r.Crypto, ext)
}

func (e *Engine) ringDoorbellLocked(r *Request, tag int) {
	bit := uint32(1) << uint(tag)

	regs.WriteBarrier()
	e.regs.Write(bit, regs.TDBR)

	if e.regs.Read(regs.TDBR)&bit == 0 {
		e.logger.Debug("doorbell bit not set after write",
			"tag", tag, "id", r.ID)
	}

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskStep,
		Item: hooking.TaskStep{
			TaskID: r.ID,
			StepID: r.ID + "@doorbell",
			Kind:   "doorbell",
			What:   fmt.Sprintf("tag %d", tag),
		},
	})
}

// PollCompletions reads the task completion notifications, acknowledges them
// and completes the matching requests. It returns the tags it found. The
// interrupt handler calls it on every task complete interrupt; it is also
// usable with interrupts off.
func (e *Engine) PollCompletions() uint32 {
	e.mu.Lock()
	done, cs := e.pollLocked()
	e.mu.Unlock()

	deliver(cs)

	return done
}

func (e *Engine) pollLocked() (uint32, []completion) {
	var (
		all uint32
		cs  []completion
	)

	for round := 0; round < maxPollRounds; round++ {
		tcn := e.regs.Read(regs.TCN)
		if tcn == 0 {
			break
		}

		e.regs.Write(tcn, regs.TCN)
		all |= tcn

		for tag := 0; tag < e.layout.NumSlots; tag++ {
			if tcn&(1<<uint(tag)) == 0 {
				continue
			}

			if c, ok := e.finishLocked(tag); ok {
				cs = append(cs, c)
			}
		}
	}

	if stray := all &^ (1<<uint(e.layout.NumSlots) - 1); stray != 0 {
		e.stats.Spurious++
		e.logger.Warn("completion for tag past the queue",
			"tcn", fmt.Sprintf("%#08x", stray))
	}

	if len(cs) > 0 {
		e.wakeLocked()
	}

	return all, cs
}

func (e *Engine) finishLocked(tag int) (completion, bool) {
	s := &e.slots[tag]
	if s.req == nil {
		e.stats.Spurious++
		e.logger.Warn("completion for idle tag", "tag", tag)

		return completion{}, false
	}

	if e.recoveryHalt {
		s.completed = true
		return completion{}, false
	}

	r := s.req
	switch r.Kind {
	case KindDirect:
		r.response = e.regs.Read(regs.CRDCT)
	default:
		r.bytesXfered = uint64(r.Data.BlockCount) * uint64(r.BlockSize)
	}

	e.logger.Debug("request completed",
		"id", r.ID, "tag", tag, "latency", time.Since(s.start))

	return e.endLocked(tag, nil), true
}

// DrainBlocking waits until no request is outstanding and returns the tags
// that completed while it waited. It gives up with ErrRecoveryInProgress
// when recovery starts, because recovery fails the requests instead.
// Concurrent callers each see the tags that ended during their own wait.
func (e *Engine) DrainBlocking(ctx context.Context) (uint32, error) {
	e.mu.Lock()
	base := e.ends
	e.mu.Unlock()

	for {
		e.mu.Lock()
		ch := e.wake
		idle := e.tags.Outstanding() == 0
		recovering := e.recoveryHalt
		drained := e.endedSinceLocked(&base)
		e.mu.Unlock()

		switch {
		case recovering:
			return drained, ErrRecoveryInProgress
		case idle:
			return drained, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return drained, ctx.Err()
		}
	}
}

func (e *Engine) endedSinceLocked(base *[tags.MaxSlots]uint64) uint32 {
	var mask uint32

	for tag := range e.ends {
		if e.ends[tag] != base[tag] {
			mask |= 1 << uint(tag)
		}
	}

	return mask
}

// WaitForIdle waits until no request is outstanding.
func (e *Engine) WaitForIdle(ctx context.Context) error {
	_, err := e.DrainBlocking(ctx)
	return err
}

// Timeout reports that the caller gave up on r. The engine marks the slot
// and recovers the whole queue, which fails every outstanding request. It
// returns false when r is not outstanding.
func (e *Engine) Timeout(r *Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !r.inFlight || r.tag < 0 || e.slots[r.tag].req != r {
		return false
	}

	s := &e.slots[r.tag]
	s.extTimeout = true

	e.logger.Warn("request timed out",
		"id", r.ID, "tag", r.tag, "completed", s.completed, "age", time.Since(s.start))

	e.startRecoveryLocked(fmt.Errorf("tag %d: %w", r.tag, irq.ErrTimeout))

	return true
}
