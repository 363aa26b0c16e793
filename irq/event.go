package irq

import (
	"errors"
	"fmt"
)

// Kind identifies an interrupt event.
type Kind int

// Event kinds, in the order Classify reports them.
const (
	KindResponseError Kind = iota
	KindGeneralCryptoError
	KindInvalidCryptoConfig
	KindTaskComplete
	KindTaskClearComplete
	KindHaltComplete
)

var kindNames = map[Kind]string{
	KindResponseError:       "response-error",
	KindGeneralCryptoError:  "general-crypto-error",
	KindInvalidCryptoConfig: "invalid-crypto-config",
	KindTaskComplete:        "task-complete",
	KindTaskClearComplete:   "task-clear-complete",
	KindHaltComplete:        "halt-complete",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}

	return fmt.Sprintf("kind-%d", int(k))
}

// IsError reports whether the event starts recovery.
func (k Kind) IsError() bool {
	return k <= KindInvalidCryptoConfig
}

// An Event is one thing an interrupt reports. TaskError is only meaningful
// on error events.
type Event struct {
	Kind      Kind
	TaskError TaskError
}

// Classify turns an interrupt status value into events. Errors come first so
// the engine enters recovery before it delivers completions, then task
// complete, task clear complete and halt complete. terri is only decoded
// when an error is reported.
func Classify(status, terri uint32) []Event {
	s := Decode(status)
	events := make([]Event, 0, 2)

	var te TaskError
	if s.HasError() {
		te = DecodeTaskError(terri)
	}

	if s.ResponseError {
		events = append(events, Event{Kind: KindResponseError, TaskError: te})
	}

	if s.GeneralCryptoError {
		events = append(events, Event{Kind: KindGeneralCryptoError, TaskError: te})
	}

	if s.InvalidCryptoCfg {
		events = append(events, Event{Kind: KindInvalidCryptoConfig, TaskError: te})
	}

	if s.TaskComplete {
		events = append(events, Event{Kind: KindTaskComplete})
	}

	if s.TaskClearComplete {
		events = append(events, Event{Kind: KindTaskClearComplete})
	}

	if s.HaltComplete {
		events = append(events, Event{Kind: KindHaltComplete})
	}

	return events
}

// Host errors the engine receives alongside the interrupt status. A host
// driver wraps its own error with one of these so that Classify callers can
// tell CRC and timeout faults apart.
var (
	ErrHostCRC     = errors.New("irq: host reported CRC error")
	ErrHostTimeout = errors.New("irq: host reported timeout")
)

// Flags records which host error classes were seen for a request.
type Flags struct {
	CRC     bool
	Timeout bool
	Other   bool
}

// Any reports whether any flag is set.
func (f Flags) Any() bool {
	return f.CRC || f.Timeout || f.Other
}

// Merge combines two flag sets.
func (f Flags) Merge(o Flags) Flags {
	return Flags{
		CRC:     f.CRC || o.CRC,
		Timeout: f.Timeout || o.Timeout,
		Other:   f.Other || o.Other,
	}
}

// ErrorFlags classifies the command and data errors reported by the host.
func ErrorFlags(errs ...error) Flags {
	var f Flags

	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrHostCRC):
			f.CRC = true
		case errors.Is(err, ErrHostTimeout):
			f.Timeout = true
		default:
			f.Other = true
		}
	}

	return f
}

// Err maps flags to the error a request fails with. CRC errors take
// precedence over timeouts. It returns nil when no flag is set.
func (f Flags) Err() error {
	switch {
	case f.CRC:
		return ErrCRC
	case f.Timeout:
		return ErrTimeout
	case f.Other:
		return ErrIO
	default:
		return nil
	}
}
