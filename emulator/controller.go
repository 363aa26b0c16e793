// Package emulator provides an in-process CQHCI controller with an eMMC
// device behind it. It decodes the descriptors the engine writes, moves data
// between host buffers and its media, and raises interrupts from its own
// goroutine, so the engine can be exercised without hardware.
package emulator

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
)

// IntCQE is the bit of the host interrupt status that signals a command
// queue interrupt.
const IntCQE = 1 << 14

// Version is the CQHCI version the controller reports.
const Version = 0x510

// Phase selects the half of the task error information an injected fault is
// reported in.
type Phase int

// Phases.
const (
	PhaseCommand Phase = iota
	PhaseData
)

// An InterruptHandler is called from the controller's interrupt goroutine.
// cmdErr and dataErr carry host-level errors for the faulted task.
type InterruptHandler func(intmask uint32, cmdErr, dataErr error) bool

type fault struct {
	phase   Phase
	hostErr error
	status  uint32
}

type task struct {
	tag    int
	desc   desc.TaskDescriptor
	direct bool
	segs   []desc.Segment
}

// Stats counts the work of a controller.
type Stats struct {
	Executed   uint64
	Failed     uint64
	Interrupts uint64
	Resets     uint64
}

// Controller is an emulated CQHCI controller. It implements regs.Accessor.
type Controller struct {
	name       string
	bus        *dma.Bus
	media      *Media
	slots      int
	blockSize  int
	dma64      bool
	shortTrans bool
	crypto     bool
	logger     *slog.Logger

	mu         sync.Mutex
	reg        map[int]uint32
	caps       inlinecrypto.Capabilities
	ctl        uint32
	halted     bool
	haltStuck  bool
	clearStuck bool
	queued     uint32
	failed     uint32
	held       uint32
	running    int
	injected   map[int]fault
	latency    time.Duration
	handler    InterruptHandler
	cmdErr     error
	dataErr    error
	stats      Stats

	kick      chan struct{}
	irq       chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// Bus returns the bus the controller masters.
func (c *Controller) Bus() *dma.Bus {
	return c.bus
}

// Media returns the device media.
func (c *Controller) Media() *Media {
	return c.media
}

// BlockSize returns the block size of the device.
func (c *Controller) BlockSize() int {
	return c.blockSize
}

// Close stops the controller's goroutines.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

// SetInterruptHandler sets where interrupts are delivered.
func (c *Controller) SetInterruptHandler(h InterruptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler = h
}

// Hold keeps the tasks in mask from executing until they are released.
func (c *Controller) Hold(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held |= mask
}

// Release lets held tasks execute.
func (c *Controller) Release(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held &^= mask
	c.kickLocked()
}

// InjectResponseError makes the next execution of tag fail with a response
// error reported in the given phase. A non-nil hostErr is passed to the
// interrupt handler as the command or data error.
func (c *Controller) InjectResponseError(tag int, phase Phase, hostErr error) {
	c.inject(tag, fault{phase: phase, hostErr: hostErr, status: regs.IsRED})
}

// InjectCryptoError makes the next execution of tag fail with a general
// crypto error.
func (c *Controller) InjectCryptoError(tag int) {
	c.inject(tag, fault{phase: PhaseData, status: regs.IsGCE})
}

func (c *Controller) inject(tag int, f fault) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.injected[tag] = f
}

// SetHaltStuck makes the controller ignore halt requests.
func (c *Controller) SetHaltStuck(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.haltStuck = stuck
	if !stuck && c.ctl&regs.CtlHalt != 0 {
		c.haltLocked()
	}
}

// SetClearStuck makes the controller ignore task clear requests.
func (c *Controller) SetClearStuck(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearStuck = stuck
}

// SetLatency sets how long each task takes.
func (c *Controller) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latency = d
}

// Queued returns the tasks rung but not yet completed.
func (c *Controller) Queued() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queued
}

// Stats returns the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// ResetController resets the controller. Every task is discarded and the
// registers return to their reset values.
func (c *Controller) ResetController() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Warn("controller reset")
	c.discardLocked()
	c.resetRegistersLocked()
	c.stats.Resets++

	return nil
}

func (c *Controller) resetRegistersLocked() {
	c.reg = make(map[int]uint32)
	c.reg[regs.VER] = Version
	c.ctl = 0
	c.halted = false

	if c.crypto && c.caps.ConfigCount > 0 {
		c.setupCryptoLocked(c.caps.ConfigCount)
	}
}

func (c *Controller) setupCryptoLocked(slots int) {
	c.caps = inlinecrypto.Capabilities{
		NumCaps:        2,
		ConfigCount:    slots,
		ConfigArrayPtr: 2,
	}

	c.reg[regs.CAP] |= regs.CapCryptoSupport
	c.reg[regs.CCAP] = c.caps.Encode()
	c.reg[regs.CRYPTOCAP] = inlinecrypto.CapabilityEntry{
		Algorithm:     inlinecrypto.AlgAESXTS,
		DataUnitSizes: 0x9,
		KeySize:       inlinecrypto.KeySize256,
	}.Encode()
	c.reg[regs.CRYPTOCAP+4] = inlinecrypto.CapabilityEntry{
		Algorithm:     inlinecrypto.AlgAESECB,
		DataUnitSizes: 0x9,
		KeySize:       inlinecrypto.KeySize128,
	}.Encode()
}

// Read reads a register.
func (c *Controller) Read(offset int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case regs.CTL:
		v := c.ctl &^ regs.CtlHalt
		if c.halted {
			v |= regs.CtlHalt
		}

		return v
	case regs.DQS, regs.DPT:
		return c.queued
	}

	return c.reg[offset]
}

// Write writes a register.
func (c *Controller) Write(v uint32, offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readOnly(offset) {
		return
	}

	switch offset {
	case regs.IS, regs.TCN:
		c.reg[offset] &^= v
	case regs.ISGE:
		c.reg[offset] = v
		if c.reg[regs.IS]&v != 0 {
			c.signalLocked()
		}
	case regs.TDBR:
		c.ringLocked(v)
	case regs.TCLR:
		c.clearTasksLocked(v)
	case regs.CTL:
		c.controlLocked(v)
	case regs.CFG:
		c.configureLocked(v)
	case regs.IC:
		c.reg[offset] = v &^ regs.ICReset
	default:
		c.reg[offset] = v
	}
}

func (c *Controller) readOnly(offset int) bool {
	switch offset {
	case regs.VER, regs.CAP, regs.CCAP, regs.DQS, regs.DPT,
		regs.TERRI, regs.CRDCT, regs.CRI, regs.CRA:
		return true
	}

	return c.crypto &&
		offset >= regs.CRYPTOCAP && offset < regs.CRYPTOCAP+4*c.caps.NumCaps
}

func (c *Controller) enabledLocked() bool {
	return c.reg[regs.CFG]&regs.CfgEnable != 0
}

func (c *Controller) ringLocked(v uint32) {
	if !c.enabledLocked() {
		c.logger.Warn("doorbell while disabled", "tdbr", fmt.Sprintf("%#08x", v))
		return
	}

	if again := v & c.queued; again != 0 {
		c.logger.Warn("doorbell for queued task", "tags", fmt.Sprintf("%#08x", again))
	}

	c.queued |= v
	c.reg[regs.TDBR] |= v
	c.kickLocked()
}

func (c *Controller) controlLocked(v uint32) {
	old := c.ctl
	c.ctl = v

	switch {
	case v&regs.CtlHalt != 0:
		c.haltLocked()
	case c.halted:
		c.halted = false
		c.kickLocked()
	}

	if v&regs.CtlClearAllTasks != 0 && old&regs.CtlClearAllTasks == 0 {
		c.clearAllLocked()
	}
}

func (c *Controller) haltLocked() {
	if c.halted || c.haltStuck {
		return
	}

	c.halted = true
	c.raiseLocked(regs.IsHAC)
}

func (c *Controller) clearAllLocked() {
	if !c.halted || c.clearStuck {
		c.logger.Debug("task clear refused", "halted", c.halted)
		return
	}

	c.discardLocked()
	c.ctl &^= regs.CtlClearAllTasks
	c.raiseLocked(regs.IsTCL)
}

func (c *Controller) clearTasksLocked(mask uint32) {
	if !c.halted {
		return
	}

	c.queued &^= mask
	c.failed &^= mask
	c.reg[regs.TDBR] &^= mask
}

func (c *Controller) configureLocked(v uint32) {
	was := c.enabledLocked()
	c.reg[regs.CFG] = v

	switch {
	case was && v&regs.CfgEnable == 0:
		c.discardLocked()
		c.ctl = 0
		c.halted = false
	case !was && v&regs.CfgEnable != 0:
		c.kickLocked()
	}
}

func (c *Controller) discardLocked() {
	if c.queued != 0 {
		c.logger.Debug("tasks discarded", "tags", fmt.Sprintf("%#08x", c.queued))
	}

	c.queued = 0
	c.failed = 0
	c.reg[regs.TDBR] = 0
	c.reg[regs.TCN] = 0
}

func (c *Controller) raiseLocked(status uint32) {
	c.reg[regs.IS] |= status & c.reg[regs.ISTE]

	if c.reg[regs.IS]&c.reg[regs.ISGE] != 0 {
		c.signalLocked()
	}
}

func (c *Controller) signalLocked() {
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Controller) kickLocked() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) runInterrupts() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-c.irq:
		}

		c.mu.Lock()
		h := c.handler
		cmdErr, dataErr := c.cmdErr, c.dataErr
		c.cmdErr, c.dataErr = nil, nil
		pending := c.reg[regs.IS]&c.reg[regs.ISGE] != 0 || cmdErr != nil || dataErr != nil
		if pending {
			c.stats.Interrupts++
		}
		c.mu.Unlock()

		if h != nil && pending {
			h(IntCQE, cmdErr, dataErr)
		}
	}
}

func (c *Controller) runTasks() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}

		for c.step() {
		}
	}
}

func (c *Controller) nextLocked() int {
	if !c.enabledLocked() || c.halted {
		return -1
	}

	runnable := c.queued &^ c.held &^ c.failed
	if runnable == 0 {
		return -1
	}

	return bits.TrailingZeros32(runnable)
}

// step executes one task. It returns false when nothing is runnable.
func (c *Controller) step() bool {
	c.mu.Lock()
	tag := c.nextLocked()
	if tag < 0 {
		c.mu.Unlock()
		return false
	}

	c.running = tag
	latency := c.latency
	c.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-c.stop:
			t.Stop()
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = -1
	if c.queued&(1<<uint(tag)) == 0 || !c.enabledLocked() {
		return true
	}

	c.executeLocked(tag)

	return true
}

func (c *Controller) executeLocked(tag int) {
	t, err := c.fetchLocked(tag)
	if err != nil {
		c.logger.Error("cannot fetch task", "tag", tag, "error", err)
		c.failLocked(t, fault{phase: PhaseCommand, status: regs.IsRED})

		return
	}

	if f, ok := c.injected[tag]; ok {
		delete(c.injected, tag)
		c.failLocked(t, f)

		return
	}

	if t.direct {
		c.reg[regs.CRDCT] = directResponse(t.desc)
	} else if f, err := c.transferLocked(t); err != nil {
		c.logger.Error("transfer failed", "tag", tag, "error", err)
		c.failLocked(t, f)

		return
	}

	bit := uint32(1) << uint(tag)
	c.queued &^= bit
	c.reg[regs.TDBR] &^= bit
	c.reg[regs.TCN] |= bit
	c.stats.Executed++

	if t.desc.Interrupt {
		c.raiseLocked(regs.IsTCC)
	}
}

func (c *Controller) failLocked(t task, f fault) {
	att := irq.Attribution{Valid: true, Index: commandIndex(t), Tag: t.tag}

	var te irq.TaskError
	if f.phase == PhaseCommand {
		te.Command = att
	} else {
		te.Data = att
	}

	c.reg[regs.TERRI] = irq.EncodeTaskError(te)
	c.failed |= 1 << uint(t.tag)
	c.stats.Failed++

	if f.hostErr != nil {
		if f.phase == PhaseCommand {
			c.cmdErr = f.hostErr
		} else {
			c.dataErr = f.hostErr
		}
		c.signalLocked()
	}

	c.raiseLocked(f.status)
}

func commandIndex(t task) uint8 {
	switch {
	case t.direct:
		return t.desc.CmdIndex
	case t.desc.Dir == desc.DirWrite:
		return 47
	default:
		return 46
	}
}

func directResponse(td desc.TaskDescriptor) uint32 {
	if td.RespType == 0 {
		return 0
	}

	// READY_FOR_DATA in the transfer state.
	return 0x900
}

func (c *Controller) taskDescLen() int {
	if c.reg[regs.CFG]&regs.CfgTaskDescSz != 0 {
		return 16
	}

	return 8
}

func (c *Controller) linkDescLen() int {
	if c.dma64 {
		return 16
	}

	return 8
}

func (c *Controller) transDescLen() int {
	switch {
	case c.dma64 && c.shortTrans:
		return 12
	case c.dma64:
		return 16
	default:
		return 8
	}
}

func (c *Controller) fetchLocked(tag int) (task, error) {
	t := task{
		tag:    tag,
		direct: c.reg[regs.CFG]&regs.CfgDCMD != 0 && tag == c.slots-1,
	}

	base := uint64(c.reg[regs.TDLBAU])<<32 | uint64(c.reg[regs.TDLBA])
	taskLen := c.taskDescLen()
	addr := base + uint64(tag*(taskLen+c.linkDescLen()))

	n := taskLen
	if t.direct {
		n = 16
	}

	b, err := c.bus.Resolve(addr, n)
	if err != nil {
		return t, err
	}

	t.desc = desc.DecodeTask(b)
	if !t.desc.Valid || t.desc.Act != desc.ActTask {
		return t, fmt.Errorf("tag %d: no valid task descriptor", tag)
	}

	if t.direct {
		return t, nil
	}

	b, err = c.bus.Resolve(addr+uint64(taskLen), c.linkDescLen())
	if err != nil {
		return t, err
	}

	link := desc.DecodeTransfer(b, c.dma64)
	if !link.Valid || link.Act != desc.ActLink {
		return t, fmt.Errorf("tag %d: no link descriptor", tag)
	}

	next := link.Addr
	for i := 0; ; i++ {
		b, err := c.bus.Resolve(next, c.transDescLen())
		if err != nil {
			return t, err
		}

		tr := desc.DecodeTransfer(b, c.dma64)
		if !tr.Valid || tr.Act != desc.ActTransfer {
			return t, fmt.Errorf("tag %d: bad transfer descriptor %d", tag, i)
		}

		t.segs = append(t.segs, desc.Segment{Addr: tr.Addr, Len: tr.Len})
		if tr.End {
			return t, nil
		}

		next += uint64(c.transDescLen())
	}
}

var errShortList = errors.New("emulator: scatter list shorter than the transfer")

// transferLocked moves the data of a task. On failure it returns the fault
// to report.
func (c *Controller) transferLocked(t task) (fault, error) {
	key, f, err := c.cryptoKeyLocked(t)
	if err != nil {
		return f, err
	}

	ioFault := fault{phase: PhaseData, status: regs.IsRED, hostErr: irq.ErrHostCRC}

	pos := uint64(t.desc.BlockAddr) * uint64(c.blockSize)
	remaining := uint64(t.desc.BlockCount) * uint64(c.blockSize)
	dun := t.desc.Upper & desc.DataUnitNum.Bits()
	done := uint64(0)

	for _, s := range t.segs {
		if remaining == 0 {
			break
		}

		n := min(uint64(s.Len), remaining)

		buf, err := c.bus.Resolve(s.Addr, int(n))
		if err != nil {
			return ioFault, err
		}

		if t.desc.Dir == desc.DirRead {
			if err := c.media.ReadAt(buf, pos); err != nil {
				return ioFault, err
			}
			c.cipher(buf, key, uint32(dun), done)
		} else {
			data := buf
			if key != nil {
				data = append([]byte(nil), buf...)
				c.cipher(data, key, uint32(dun), done)
			}

			if err := c.media.WriteAt(data, pos); err != nil {
				return ioFault, err
			}
		}

		pos += n
		done += n
		remaining -= n
	}

	if remaining > 0 {
		return ioFault, errShortList
	}

	return fault{}, nil
}

// cryptoKeyLocked returns the key of the configuration slot a task refers
// to, or nil when the task is not encrypted.
func (c *Controller) cryptoKeyLocked(t task) ([]byte, fault, error) {
	ext := t.desc.Upper
	if !c.crypto || c.taskDescLen() != 16 ||
		c.reg[regs.CFG]&regs.CfgICEEnable == 0 ||
		desc.CryptoEnable.Get(ext) == 0 {
		return nil, fault{}, nil
	}

	bad := fault{phase: PhaseData, status: regs.IsICCE}

	slot := int(desc.CryptoConfigIndex.Get(ext))
	if slot >= c.caps.ConfigCount {
		return nil, bad, fmt.Errorf("crypto slot %d out of range", slot)
	}

	var dw [inlinecrypto.ConfigEntryDwords]uint32
	off := c.caps.ConfigOffset(slot)
	for i := range dw {
		dw[i] = c.reg[off+4*i]
	}

	e := inlinecrypto.DecodeConfigEntry(dw)
	if !e.Enable {
		return nil, bad, fmt.Errorf("crypto slot %d not enabled", slot)
	}

	return e.Key, fault{}, nil
}

// cipher scrambles buf with a keystream derived from key and the data unit
// number. It is its own inverse. off is the offset of buf in the transfer.
func (c *Controller) cipher(buf, key []byte, dun uint32, off uint64) {
	if key == nil {
		return
	}

	for i := range buf {
		pos := off + uint64(i)
		unit := dun + uint32(pos/uint64(c.blockSize))
		buf[i] ^= key[pos%uint64(len(key))] ^ byte(unit) ^ 0x5A
	}
}
