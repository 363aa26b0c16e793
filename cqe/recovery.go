package cqe

import (
	"context"
	"errors"
	"fmt"

	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
)

// Halt stops the controller from starting new tasks. Requests already on
// the controller may still complete. Concurrent callers share one halt
// sequence, and a caller arriving during recovery waits for it first.
//
// When the controller does not acknowledge within the halt timeout the
// engine resets it, fails every outstanding request with ErrHaltTimeout and
// returns ErrHaltTimeout. Cancelling ctx abandons the halt and leaves the
// queue running.
func (e *Engine) Halt(ctx context.Context) error {
	e.mu.Lock()

	for {
		if e.state == StateDisabled {
			e.mu.Unlock()
			return ErrNotReady
		}

		if rop := e.recoveryOp; rop != nil {
			e.mu.Unlock()

			select {
			case <-rop.done:
			case <-ctx.Done():
				return ctx.Err()
			}

			e.mu.Lock()

			continue
		}

		if e.state == StateHalted {
			e.mu.Unlock()
			return nil
		}

		if hop := e.haltOp; hop != nil {
			e.mu.Unlock()

			select {
			case <-hop.done:
				return hop.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	op := newOp()
	e.haltOp = op
	e.stats.Halts++
	e.setStateLocked(StateHalting)
	e.setIRQsLocked(regs.IsMask | regs.IsHAC)
	e.regs.Write(e.regs.Read(regs.CTL)|regs.CtlHalt, regs.CTL)
	e.mu.Unlock()

	err := e.waitFor(ctx, e.haltTimeout, e.halted)

	var cs []completion

	switch {
	case err == nil:
		e.mu.Lock()
		e.setIRQsLocked(regs.IsMask)
		e.setStateLocked(StateHalted)
	case errors.Is(err, errTimedOut):
		err = ErrHaltTimeout
		resetErr := e.escalate(err)

		e.mu.Lock()
		cs = e.failAllLocked(ErrHaltTimeout)

		if resetErr != nil {
			err = fmt.Errorf("%w: %w", err, resetErr)
			e.teardownLocked()
		} else {
			e.setStateLocked(StateHalted)
		}
	default:
		e.mu.Lock()
		e.regs.Write(e.regs.Read(regs.CTL)&^regs.CtlHalt, regs.CTL)
		e.setIRQsLocked(regs.IsMask)
		e.setStateLocked(StateRunning)
	}

	e.haltOp = nil
	op.err = err
	close(op.done)
	e.mu.Unlock()

	deliver(cs)

	return err
}

// Resume lets a halted queue run again.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return nil
	case StateHalted:
	default:
		return fmt.Errorf("%w: cannot resume while %s", ErrNotReady, e.state)
	}

	if err := e.crypto.Resume(); err != nil {
		return fmt.Errorf("cqe: crypto resume: %w", err)
	}

	if e.activated {
		ctl := e.regs.Read(regs.CTL)
		e.regs.Write(ctl&^regs.CtlHalt, regs.CTL)
	}

	e.setStateLocked(StateRunning)
	e.logger.Info("command queue resumed")

	return nil
}

// Suspend halts the queue and turns it off. Requests still on the
// controller are failed with ErrNotReady. The queue is turned back on by the
// first submission after Resume.
func (e *Engine) Suspend(ctx context.Context) error {
	if err := e.Halt(ctx); err != nil && !errors.Is(err, ErrNotReady) {
		return err
	}

	e.mu.Lock()

	if !e.enabled {
		e.mu.Unlock()
		return nil
	}

	e.deactivateLocked()
	cs := e.failAllLocked(fmt.Errorf("%w: suspended", ErrNotReady))
	err := e.crypto.Suspend()
	e.mu.Unlock()

	deliver(cs)

	if err != nil {
		return fmt.Errorf("cqe: crypto suspend: %w", err)
	}

	e.logger.Info("command queue suspended")

	return nil
}

// startRecoveryLocked runs one recovery sequence in the background. Only
// one runs at a time; faults reported while it runs are folded into it.
func (e *Engine) startRecoveryLocked(cause error) {
	if e.recoveryHalt || !e.enabled {
		return
	}

	e.recoveryHalt = true
	e.recoveryOp = newOp()
	e.stats.Recoveries++

	e.logger.Warn("recovery started", "cause", cause)
	e.wakeLocked()

	go e.runRecovery(e.recoveryOp, cause)
}

func (e *Engine) runRecovery(op *op, cause error) {
	ctx := context.Background()

	e.mu.Lock()

	for e.haltOp != nil {
		hop := e.haltOp
		e.mu.Unlock()
		<-hop.done
		e.mu.Lock()
	}

	if e.state == StateDisabled {
		e.finishRecoveryLocked(op, nil)
		e.mu.Unlock()

		return
	}

	resumeTo := StateRunning
	if e.state == StateHalted {
		resumeTo = StateHalted
	}

	var fatal error

	if !e.halted() {
		e.setStateLocked(StateHalting)
		e.setIRQsLocked(regs.IsHAC)
		e.regs.Write(e.regs.Read(regs.CTL)|regs.CtlHalt, regs.CTL)
		e.mu.Unlock()

		err := e.waitFor(ctx, e.haltTimeout, e.halted)

		e.mu.Lock()
		if err != nil {
			e.logger.Error("recovery halt failed", "error", err)
			fatal = ErrHaltTimeout
		}
	}

	e.setStateLocked(StateHalted)
	e.mu.Unlock()

	e.host.Disable(true)

	e.mu.Lock()
	e.setStateLocked(StateClearing)

	if !e.clearAllTasks(ctx) {
		e.logger.Warn("task clear failed, toggling the queue enable")

		cfg := e.regs.Read(regs.CFG)
		e.regs.Write(cfg&^regs.CfgEnable, regs.CFG)
		e.regs.Write(cfg|regs.CfgEnable, regs.CFG)

		if !e.clearAllTasks(ctx) {
			fatal = errors.Join(fatal, ErrClearTimeout)
		}
	}

	var resetErr error
	if fatal != nil {
		e.mu.Unlock()
		resetErr = e.escalate(fatal)
		e.mu.Lock()
	}

	cs := e.recoverSlotsLocked(fatal)

	if err := e.crypto.RecoveryFinish(); err != nil {
		e.logger.Warn("crypto recovery finish failed", "error", err)
	}

	if resetErr != nil {
		e.logger.Error("controller reset failed, disabling queue", "error", resetErr)
		e.teardownLocked()
		e.finishRecoveryLocked(op, fmt.Errorf("%w: %w", fatal, resetErr))
		e.mu.Unlock()
		deliver(cs)

		return
	}

	e.host.Enable()

	if tcn := e.regs.Read(regs.TCN); tcn != 0 {
		e.regs.Write(tcn, regs.TCN)
	}

	regs.WriteBarrier()
	e.regs.Write(regs.IsHAC|regs.IsTCL, regs.IS)
	e.setIRQsLocked(regs.IsMask)

	if resumeTo == StateRunning && e.activated {
		e.regs.Write(0, regs.CTL)
	}

	e.setStateLocked(resumeTo)
	e.finishRecoveryLocked(op, fatal)
	e.mu.Unlock()

	deliver(cs)

	e.logger.Info("recovery finished", "requests_failed", len(cs))
}

func (e *Engine) finishRecoveryLocked(op *op, err error) {
	e.recoveryHalt = false
	e.recoveryOp = nil
	op.err = err
	close(op.done)
	e.wakeLocked()
}

// clearAllTasks discards every task on the halted controller. It is called
// and returns with the lock held.
func (e *Engine) clearAllTasks(ctx context.Context) bool {
	e.setIRQsLocked(regs.IsTCL)
	e.regs.Write(e.regs.Read(regs.CTL)|regs.CtlClearAllTasks, regs.CTL)
	e.mu.Unlock()

	err := e.waitFor(ctx, e.clearTimeout, e.cleared)

	e.mu.Lock()
	e.setIRQsLocked(0)

	if err != nil {
		e.logger.Error("task clear timed out", "error", err)
		return false
	}

	return true
}

// recoverSlotsLocked fails every request that was outstanding when recovery
// started. A slot the fault was attributed to carries the reason.
func (e *Engine) recoverSlotsLocked(fatal error) []completion {
	var cs []completion

	for tag := range e.slots {
		s := &e.slots[tag]
		if s.req == nil {
			continue
		}

		cs = append(cs, e.endLocked(tag, recoveryError(s, fatal)))
	}

	return cs
}

func recoveryError(s *slot, fatal error) error {
	err := ErrRecovery

	if ferr := s.flags.Err(); ferr != nil {
		err = fmt.Errorf("%w: %w", err, ferr)
	}

	if s.extTimeout && !s.flags.Timeout {
		err = fmt.Errorf("%w: %w", err, irq.ErrTimeout)
	}

	if s.cryptoFault {
		err = fmt.Errorf("%w: %w", err, ErrCryptoFault)
	}

	if fatal != nil {
		err = fmt.Errorf("%w: %w", err, fatal)
	}

	return err
}

// escalate resets the controller after a halt or task clear failed. Without
// a resetter the queue is turned off. It is called without the lock; the
// caller owns the registers until it returns.
func (e *Engine) escalate(cause error) error {
	e.logger.Error("escalating to controller reset", "cause", cause)

	var err error
	if e.resetter != nil {
		err = e.resetter.ResetController()
	} else {
		cfg := e.regs.Read(regs.CFG)
		e.regs.Write(cfg&^regs.CfgEnable, regs.CFG)
	}

	if err == nil {
		if cerr := e.crypto.Reset(); cerr != nil {
			e.logger.Warn("crypto reset failed", "error", cerr)
		}
	}

	e.mu.Lock()
	e.stats.Resets++
	e.activated = false
	e.mu.Unlock()

	return err
}

// teardownLocked frees the task descriptor list. Every slot must be empty.
func (e *Engine) teardownLocked() {
	if !e.enabled {
		return
	}

	e.alloc.FreeCoherent(e.region)
	e.region = dma.Region{}
	e.ring = nil
	e.enabled = false
	e.activated = false
	e.setStateLocked(StateDisabled)
}
