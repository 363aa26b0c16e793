package emulator

import (
	"log/slog"
	"sync"

	"github.com/sarchlab/cqhci/regs"
)

// Host stands in for the SD host controller that contains the command queue
// engine. It implements regs.HostOps and regs.Resetter.
type Host struct {
	ctrl   *Controller
	logger *slog.Logger

	mu       sync.Mutex
	enabled  bool
	strobe   bool
	disables int
	recovers int
	dumps    int
}

// NewHost creates a host around a controller.
func NewHost(ctrl *Controller) *Host {
	return &Host{
		ctrl:   ctrl,
		logger: ctrl.logger.With("part", "host"),
	}
}

// DumpRegisters logs the host view of the command queue.
func (h *Host) DumpRegisters() {
	h.mu.Lock()
	h.dumps++
	h.mu.Unlock()

	h.logger.Error("host state",
		"enabled", h.Enabled(),
		"queued", h.ctrl.Queued(),
		"stats", h.ctrl.Stats())
}

// Enable switches the host into command queue mode.
func (h *Host) Enable() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.enabled = true
}

// Disable switches the host out of command queue mode.
func (h *Host) Disable(recovery bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.enabled = false
	h.disables++
	if recovery {
		h.recovers++
	}
}

// SetEnhancedStrobe records the strobe setting.
func (h *Host) SetEnhancedStrobe(set bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.strobe = set
}

// ResetController resets the emulated controller.
func (h *Host) ResetController() error {
	return h.ctrl.ResetController()
}

// Enabled tells if the host is in command queue mode.
func (h *Host) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.enabled
}

// RecoveryDisables returns how often the host was disabled for recovery.
func (h *Host) RecoveryDisables() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.recovers
}

var (
	_ regs.HostOps  = (*Host)(nil)
	_ regs.Resetter = (*Host)(nil)
	_ regs.Accessor = (*Controller)(nil)
)
