package cqe

import (
	"time"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/regs"
)

// Status is a snapshot of the engine.
type Status struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Enabled     bool   `json:"enabled"`
	Activated   bool   `json:"activated"`
	Recovering  bool   `json:"recovering"`
	NumSlots    int    `json:"num_slots"`
	DirectTag   int    `json:"direct_tag"`
	Outstanding uint32 `json:"outstanding"`
	FreeTags    int    `json:"free_tags"`
	Crypto      bool   `json:"crypto"`
	Stats       Stats  `json:"stats"`
}

// SlotInfo describes one outstanding request.
type SlotInfo struct {
	Tag       int                 `json:"tag"`
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	What      string              `json:"what"`
	Age       time.Duration       `json:"age"`
	Completed bool                `json:"completed"`
	Faulted   bool                `json:"faulted"`
	Desc      desc.TaskDescriptor `json:"desc"`
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stats
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Name:        e.name,
		State:       e.state.String(),
		Enabled:     e.enabled,
		Activated:   e.activated,
		Recovering:  e.recoveryHalt,
		NumSlots:    e.layout.NumSlots,
		DirectTag:   e.layout.DirectTag,
		Outstanding: e.tags.Outstanding(),
		FreeTags:    e.tags.NumFree(),
		Crypto:      e.cryptoCapable,
		Stats:       e.stats,
	}
}

// Slots lists the outstanding requests in tag order.
func (e *Engine) Slots() []SlotInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []SlotInfo

	for tag, s := range e.slots {
		if s.req == nil {
			continue
		}

		out = append(out, SlotInfo{
			Tag:       tag,
			ID:        s.req.ID,
			Kind:      s.req.Kind.String(),
			What:      s.req.what(),
			Age:       time.Since(s.start),
			Completed: s.completed,
			Faulted:   s.flags.Any() || s.extTimeout || s.cryptoFault,
			Desc:      e.ring.Decode(tag),
		})
	}

	return out
}

// Registers formats the command queue registers and the crypto registers.
func (e *Engine) Registers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append(regs.Dump(e.regs), e.crypto.DebugDump()...)
}

// DumpRegisters logs the registers and lets the host dump its own.
func (e *Engine) DumpRegisters() {
	lines := e.Registers()

	e.logger.Error("============ CQHCI REGISTER DUMP ===========")

	for _, l := range lines {
		e.logger.Error(l)
	}

	e.host.DumpRegisters()
}

// SetCoalescing reprograms interrupt coalescing. It takes effect at once on
// an active queue.
func (e *Engine) SetCoalescing(c Coalescing) error {
	if err := c.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.coalescing = c
	if e.activated {
		e.regs.Write(c.register(), regs.IC)
	}

	return nil
}

// ResetCoalescingCounter restarts the coalescing counter and timer.
func (e *Engine) ResetCoalescingCounter() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activated {
		e.regs.Write(e.coalescing.register()|regs.ICReset, regs.IC)
	}
}
