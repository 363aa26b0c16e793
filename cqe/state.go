package cqe

import (
	"fmt"

	"github.com/sarchlab/cqhci/hooking"
)

// State is the halt and recovery state of the engine.
type State int

// States. The happy recovery path is Running, Halting, Halted, Clearing and
// back to Running.
const (
	StateDisabled State = iota
	StateRunning
	StateHalting
	StateHalted
	StateClearing
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateRunning:
		return "running"
	case StateHalting:
		return "halting"
	case StateHalted:
		return "halted"
	case StateClearing:
		return "clearing"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// StateChange is the item of a HookPosStateChange hook.
type StateChange struct {
	From, To State
}

func (c StateChange) String() string {
	return c.From.String() + " -> " + c.To.String()
}

// Hook positions specific to the engine. Command lifetimes are reported with
// the task positions of the hooking package.
var (
	HookPosStateChange = &hooking.HookPos{Name: "HookPosStateChange"}
	HookPosError       = &hooking.HookPos{Name: "HookPosError"}
)
