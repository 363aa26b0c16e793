package cqe

import (
	"fmt"

	"github.com/sarchlab/cqhci/hooking"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
)

// HandleInterrupt services a command queue interrupt. intmask is the host
// controller's interrupt status, and cmdErr and dataErr the command and data
// errors the host decoded from it. It returns false when the interrupt was
// not for the command queue.
func (e *Engine) HandleInterrupt(intmask uint32, cmdErr, dataErr error) bool {
	e.mu.Lock()

	status := e.regs.Read(regs.IS)
	e.regs.Write(status, regs.IS)

	flags := irq.ErrorFlags(cmdErr, dataErr)
	snap := irq.Decode(status)

	var terri uint32
	if snap.HasError() || flags.Any() {
		terri = e.regs.Read(regs.TERRI)
	}

	events := irq.Classify(status, terri)

	e.logger.Debug("interrupt",
		"intmask", fmt.Sprintf("%#08x", intmask),
		"status", snap.String(),
		"cmd_error", cmdErr, "data_error", dataErr)

	if snap.HasError() || flags.Any() {
		e.errorLocked(irq.DecodeTaskError(terri), errorKinds(events), flags)
	}

	var cs []completion

	for _, ev := range events {
		switch ev.Kind {
		case irq.KindTaskComplete:
			_, done := e.pollLocked()
			cs = append(cs, done...)
		case irq.KindTaskClearComplete, irq.KindHaltComplete:
			e.wakeLocked()
		}
	}

	e.mu.Unlock()

	deliver(cs)

	return status != 0 || flags.Any()
}

func errorKinds(events []irq.Event) []irq.Kind {
	var kinds []irq.Kind

	for _, ev := range events {
		if ev.Kind.IsError() {
			kinds = append(kinds, ev.Kind)
		}
	}

	if len(kinds) == 0 {
		kinds = append(kinds, irq.KindResponseError)
	}

	return kinds
}

// errorLocked records a fault against the slots it is attributed to and
// starts recovery. A fault nobody can be blamed for marks every outstanding
// slot. Faults reported while recovery is already running are recorded too.
func (e *Engine) errorLocked(te irq.TaskError, kinds []irq.Kind, flags irq.Flags) {
	for _, k := range kinds {
		e.InvokeHook(hooking.HookCtx{
			Domain: e,
			Pos:    HookPosError,
			Item:   irq.Event{Kind: k, TaskError: te},
		})
	}

	if e.tags.Outstanding() == 0 {
		if !e.recoveryHalt {
			e.logger.Warn("error interrupt with no outstanding request",
				"events", kinds, "terri", te)
		}

		return
	}

	crypto := false
	for _, k := range kinds {
		if k == irq.KindGeneralCryptoError || k == irq.KindInvalidCryptoConfig {
			crypto = true
		}
	}

	if !flags.Any() && !crypto {
		flags = irq.Flags{Other: true}
	}

	mark := func(tag int) {
		if tag >= len(e.slots) || e.slots[tag].req == nil {
			e.logger.Warn("error attributed to idle tag", "tag", tag)
			return
		}

		s := &e.slots[tag]
		s.flags = s.flags.Merge(flags)

		if crypto {
			s.cryptoFault = true
			e.markCryptoFault(s.req)
		}
	}

	if te.Unattributed() {
		for tag := range e.slots {
			if e.slots[tag].req != nil {
				mark(tag)
			}
		}
	} else {
		for _, tag := range te.Tags() {
			mark(tag)
		}
	}

	if e.recoveryHalt {
		e.logger.Warn("command queue error during recovery",
			"events", kinds, "terri", te)
		return
	}

	e.logger.Error("command queue error",
		"events", kinds, "terri", te, "outstanding", e.tags.NumInUse())

	e.startRecoveryLocked(fmt.Errorf("%v: %s", kinds, te))
}

func (e *Engine) markCryptoFault(r *Request) {
	if r.Crypto == nil {
		return
	}

	if fr, ok := e.crypto.(inlinecrypto.FaultRecorder); ok {
		fr.MarkFaulted(r.Crypto.Slot)
	}
}
