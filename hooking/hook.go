// Package hooking lets observers attach to the engine. The engine invokes
// hooks at fixed positions: when a command starts, takes a step, is tagged
// or ends, when the engine changes state and when the controller reports an
// error. Tracers built on the hooks measure latency and queue occupancy and
// store command traces.
package hooking

import (
	"log"
	"slices"
	"sync"
	"sync/atomic"
)

// HookPos names a position at which hooks are invoked. Positions are
// compared by pointer.
type HookPos struct {
	Name string
}

func (p *HookPos) String() string {
	return p.Name
}

// HookCtx describes one hook invocation. The type of Item depends on Pos.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
}

// Hookable is implemented by objects that accept hooks.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
	Hooks() []Hook
}

// A Hook observes a Hookable. Hooks run synchronously, possibly with the
// hookable's lock held, and must not call back into it.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a function to a Hook.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f *HookFunc) Func(ctx HookCtx) {
	(*f)(ctx)
}

// HookableBase implements Hookable for embedding. Invoking hooks takes no
// lock, so hooks can be invoked from under the embedder's lock.
type HookableBase struct {
	addLock sync.Mutex
	hooks   atomic.Pointer[[]Hook]
}

func (h *HookableBase) list() []Hook {
	if p := h.hooks.Load(); p != nil {
		return *p
	}

	return nil
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.list())
}

// Hooks returns a copy of the registered hooks.
func (h *HookableBase) Hooks() []Hook {
	return slices.Clone(h.list())
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.addLock.Lock()
	defer h.addLock.Unlock()

	current := h.list()
	if slices.Contains(current, hook) {
		log.Panic("duplicated hook")
	}

	next := append(slices.Clone(current), hook)
	h.hooks.Store(&next)
}

// InvokeHook calls every registered hook in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.list() {
		hook.Func(ctx)
	}
}
