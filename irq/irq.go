// Package irq decodes the CQHCI interrupt status and task error registers.
//
// Everything here is a pure function of register values. The engine reads
// and acknowledges the registers itself and dispatches on the events.
package irq

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarchlab/cqhci/regs"
)

// Errors a request can fail with.
var (
	ErrCRC     = errors.New("irq: CRC error")
	ErrTimeout = errors.New("irq: timeout")
	ErrIO      = errors.New("irq: I/O error")
)

// Snapshot is a decoded interrupt status register.
type Snapshot struct {
	HaltComplete       bool
	TaskComplete       bool
	ResponseError      bool
	TaskClearComplete  bool
	GeneralCryptoError bool
	InvalidCryptoCfg   bool
}

// Decode decodes an interrupt status value. Reserved bits are dropped.
func Decode(status uint32) Snapshot {
	return Snapshot{
		HaltComplete:       status&regs.IsHAC != 0,
		TaskComplete:       status&regs.IsTCC != 0,
		ResponseError:      status&regs.IsRED != 0,
		TaskClearComplete:  status&regs.IsTCL != 0,
		GeneralCryptoError: status&regs.IsGCE != 0,
		InvalidCryptoCfg:   status&regs.IsICCE != 0,
	}
}

// HasError reports whether any error source is set.
func (s Snapshot) HasError() bool {
	return s.ResponseError || s.GeneralCryptoError || s.InvalidCryptoCfg
}

func (s Snapshot) String() string {
	var parts []string

	add := func(set bool, name string) {
		if set {
			parts = append(parts, name)
		}
	}
	add(s.HaltComplete, "HAC")
	add(s.TaskComplete, "TCC")
	add(s.ResponseError, "RED")
	add(s.TaskClearComplete, "TCL")
	add(s.GeneralCryptoError, "GCE")
	add(s.InvalidCryptoCfg, "ICCE")

	return strings.Join(parts, "|")
}

// Attribution is one half of the task error information register.
type Attribution struct {
	Valid bool
	Index uint8 // Command index
	Tag   int
}

// TaskError is the decoded task error information register. Command is the
// command phase that faulted and Data the data phase.
type TaskError struct {
	Command Attribution
	Data    Attribution
}

// DecodeTaskError decodes TERRI.
func DecodeTaskError(terri uint32) TaskError {
	return TaskError{
		Command: Attribution{
			Valid: terri&(1<<15) != 0,
			Index: uint8(terri & 0x3F),
			Tag:   int((terri >> 8) & 0x1F),
		},
		Data: Attribution{
			Valid: terri&(1<<31) != 0,
			Index: uint8((terri >> 16) & 0x3F),
			Tag:   int((terri >> 24) & 0x1F),
		},
	}
}

// EncodeTaskError is the inverse of DecodeTaskError.
func EncodeTaskError(e TaskError) uint32 {
	var v uint32

	if e.Command.Valid {
		v |= 1 << 15
	}
	v |= uint32(e.Command.Index) & 0x3F
	v |= (uint32(e.Command.Tag) & 0x1F) << 8

	if e.Data.Valid {
		v |= 1 << 31
	}
	v |= (uint32(e.Data.Index) & 0x3F) << 16
	v |= (uint32(e.Data.Tag) & 0x1F) << 24

	return v
}

// Unattributed reports that neither half names a task.
func (e TaskError) Unattributed() bool {
	return !e.Command.Valid && !e.Data.Valid
}

// Tags returns the distinct tags the error is attributed to.
func (e TaskError) Tags() []int {
	var out []int

	if e.Command.Valid {
		out = append(out, e.Command.Tag)
	}

	if e.Data.Valid && (!e.Command.Valid || e.Data.Tag != e.Command.Tag) {
		out = append(out, e.Data.Tag)
	}

	return out
}

func (e TaskError) String() string {
	if e.Unattributed() {
		return "unattributed"
	}

	var parts []string
	if e.Command.Valid {
		parts = append(parts, fmt.Sprintf("cmd tag %d CMD%d", e.Command.Tag, e.Command.Index))
	}

	if e.Data.Valid {
		parts = append(parts, fmt.Sprintf("data tag %d CMD%d", e.Data.Tag, e.Data.Index))
	}

	return strings.Join(parts, ", ")
}
