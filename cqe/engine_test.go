package cqe

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/emulator"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/regs"
	"github.com/sarchlab/cqhci/tags"
)

var _ = Describe("Engine", func() {
	var (
		r   *rig
		rec *stateRecorder
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	AfterEach(func() {
		r.close()
	})

	Context("with direct commands", func() {
		BeforeEach(func() {
			r = newRig(MakeBuilder(), emulator.MakeBuilder())
			rec = &stateRecorder{}
			r.engine.AcceptHook(rec)
		})

		It("should enable the queue", func() {
			Expect(r.engine.State()).To(Equal(StateRunning))
			Expect(r.ctrl.Read(regs.CFG)).To(Equal(
				uint32(regs.CfgEnable | regs.CfgDCMD)))
			Expect(r.ctrl.Read(regs.ISTE)).To(Equal(uint32(regs.IsMask)))
			Expect(r.ctrl.Read(regs.ISGE)).To(Equal(uint32(regs.IsMask)))
			Expect(r.ctrl.Read(regs.SSC1)).To(Equal(uint32(regs.SendQSRInterval)))
			Expect(r.ctrl.Read(regs.SSC2)).To(Equal(uint32(1)))
			Expect(r.host.Enabled()).To(BeTrue())

			st := r.engine.Status()
			Expect(st.NumSlots).To(Equal(32))
			Expect(st.DirectTag).To(Equal(31))
			Expect(st.FreeTags).To(Equal(31))
		})

		It("should write and read back data", func() {
			data := pattern(4*blockSize, 0x3C)
			w := r.request(desc.DirWrite, 100, data)

			Expect(r.engine.Submit(ctx, w)).To(Succeed())
			Expect(w.Wait(ctx)).To(Succeed())
			Expect(w.BytesXfered()).To(Equal(uint64(len(data))))
			Expect(w.ID).To(Equal("cq-1"))

			got := make([]byte, len(data))
			rd := r.request(desc.DirRead, 100, got)
			Expect(r.engine.Submit(ctx, rd)).To(Succeed())
			Expect(rd.Wait(ctx)).To(Succeed())
			Expect(got).To(Equal(data))

			Expect(r.engine.Status().Outstanding).To(BeZero())
			Expect(r.engine.Stats().Completed).To(Equal(uint64(2)))
			starts, ends, errs := rec.counts()
			Expect(starts).To(Equal(2))
			Expect(ends).To(Equal(2))
			Expect(errs).To(BeZero())
		})

		It("should call the completion callback once", func() {
			var calls sync.WaitGroup
			calls.Add(1)

			w := r.request(desc.DirWrite, 0, pattern(blockSize, 1))
			w.OnDone = func(req *Request) {
				defer GinkgoRecover()
				Expect(req.Err()).NotTo(HaveOccurred())
				calls.Done()
			}

			Expect(r.engine.TrySubmit(w)).To(Succeed())
			calls.Wait()
		})

		It("should refuse a request that is already outstanding", func() {
			r.ctrl.Hold(0xFFFFFFFF)
			w := r.request(desc.DirWrite, 0, pattern(blockSize, 1))

			Expect(r.engine.TrySubmit(w)).To(Succeed())
			Expect(r.engine.TrySubmit(w)).To(MatchError(ErrInFlight))
		})

		It("should run direct commands on the reserved tag", func() {
			d := NewDirectRequest(desc.DirectCommand{Opcode: 13, Arg: 1 << 16, Resp: desc.RespR1})

			Expect(r.engine.Submit(ctx, d)).To(Succeed())
			Expect(d.Wait(ctx)).To(Succeed())
			Expect(d.Tag()).To(Equal(31))
			Expect(d.Response()).To(Equal(uint32(0x900)))
		})

		It("should report busy when the direct tag is occupied", func() {
			r.ctrl.Hold(1 << 31)

			first := NewDirectRequest(desc.DirectCommand{Opcode: 6, Resp: desc.RespR1B})
			second := NewDirectRequest(desc.DirectCommand{Opcode: 13, Resp: desc.RespR1})

			Expect(r.engine.TrySubmit(first)).To(Succeed())
			Expect(r.engine.TrySubmit(second)).To(MatchError(tags.ErrBusy))

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			err := r.engine.Submit(short, second)
			Expect(err).To(MatchError(tags.ErrBusy))
			Expect(err).To(MatchError(context.DeadlineExceeded))

			done := make(chan error)
			go func() {
				done <- r.engine.Submit(ctx, second)
			}()

			r.ctrl.Release(1 << 31)
			Eventually(done).Should(Receive(BeNil()))
			Expect(first.Wait(ctx)).To(Succeed())
			Expect(second.Wait(ctx)).To(Succeed())
		})

		It("should refuse encryption without a crypto variant", func() {
			w := r.request(desc.DirWrite, 0, pattern(blockSize, 1))
			w.Crypto = &inlinecrypto.CryptoContext{Slot: 0, DUN: 1}

			Expect(r.engine.TrySubmit(w)).To(MatchError(inlinecrypto.ErrNotSupported))
			Expect(r.engine.Status().Outstanding).To(BeZero())
		})

		It("should refuse malformed commands and free the tag", func() {
			w := NewDataRequest(desc.DataCommand{Dir: desc.DirWrite, BlockCount: 1}, blockSize)

			Expect(r.engine.TrySubmit(w)).To(MatchError(desc.ErrNoSegments))
			Expect(r.engine.Status().Outstanding).To(BeZero())
		})

		It("should halt and resume", func() {
			Expect(r.engine.Halt(ctx)).To(Succeed())
			Expect(r.engine.State()).To(Equal(StateHalted))
			Expect(r.ctrl.Read(regs.CTL) & regs.CtlHalt).NotTo(BeZero())

			w := r.request(desc.DirWrite, 0, pattern(blockSize, 2))
			Expect(r.engine.TrySubmit(w)).To(MatchError(ErrNotReady))

			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			Expect(r.engine.Submit(short, w)).To(MatchError(context.DeadlineExceeded))

			Expect(r.engine.Halt(ctx)).To(Succeed())
			Expect(r.engine.Resume()).To(Succeed())
			Expect(r.engine.State()).To(Equal(StateRunning))
			Expect(r.ctrl.Read(regs.CTL)).To(BeZero())

			Expect(r.engine.Submit(ctx, w)).To(Succeed())
			Expect(w.Wait(ctx)).To(Succeed())
			Expect(rec.States()).To(Equal([]State{StateHalting, StateHalted, StateRunning}))
		})

		It("should share one halt between concurrent callers", func() {
			r.ctrl.SetHaltStuck(true)

			var wg sync.WaitGroup
			errs := make([]error, 4)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = r.engine.Halt(ctx)
				}(i)
			}

			Eventually(r.engine.State).Should(Equal(StateHalting))
			r.ctrl.SetHaltStuck(false)
			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(r.engine.Stats().Halts).To(Equal(uint64(1)))
		})

		It("should keep running when a halt is cancelled", func() {
			r.ctrl.SetHaltStuck(true)

			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()

			Expect(r.engine.Halt(short)).To(MatchError(context.DeadlineExceeded))
			Expect(r.engine.State()).To(Equal(StateRunning))
			Expect(r.ctrl.Read(regs.CTL)).To(BeZero())
		})

		It("should suspend and turn the queue back on with the next request", func() {
			Expect(r.engine.Suspend(ctx)).To(Succeed())
			Expect(r.engine.State()).To(Equal(StateHalted))
			Expect(r.ctrl.Read(regs.CFG) & regs.CfgEnable).To(BeZero())
			Expect(r.engine.Status().Activated).To(BeFalse())

			Expect(r.engine.Resume()).To(Succeed())

			w := r.request(desc.DirWrite, 0, pattern(blockSize, 3))
			Expect(r.engine.Submit(ctx, w)).To(Succeed())
			Expect(w.Wait(ctx)).To(Succeed())
			Expect(r.ctrl.Read(regs.CFG) & regs.CfgEnable).NotTo(BeZero())
		})

		It("should fail outstanding requests when disabled", func() {
			r.ctrl.SetHaltStuck(false)
			r.ctrl.Hold(0xFFFFFFFF)

			w := r.request(desc.DirWrite, 0, pattern(blockSize, 4))
			Expect(r.engine.TrySubmit(w)).To(Succeed())

			Expect(r.engine.Disable(ctx)).To(Succeed())
			Expect(w.Wait(ctx)).To(MatchError(ErrNotReady))
			Expect(r.engine.State()).To(Equal(StateDisabled))

			again := r.request(desc.DirWrite, 0, pattern(blockSize, 4))
			Expect(r.engine.Submit(ctx, again)).To(MatchError(ErrNotReady))
		})

		It("should fail every request when the caller times one out", func() {
			r.ctrl.Hold(0xFFFFFFFF)

			a := r.request(desc.DirWrite, 0, pattern(blockSize, 5))
			b := r.request(desc.DirWrite, 8, pattern(blockSize, 6))
			Expect(r.engine.TrySubmit(a)).To(Succeed())
			Expect(r.engine.TrySubmit(b)).To(Succeed())

			Expect(r.engine.Timeout(a)).To(BeTrue())

			Expect(a.Wait(ctx)).To(MatchError(irq.ErrTimeout))
			Expect(a.Err()).To(MatchError(ErrRecovery))
			Expect(b.Wait(ctx)).To(MatchError(ErrRecovery))
			Expect(errors.Is(b.Err(), irq.ErrTimeout)).To(BeFalse())

			Eventually(r.engine.State).Should(Equal(StateRunning))
			Expect(r.engine.Timeout(a)).To(BeFalse())
		})

		It("should attribute host CRC errors", func() {
			r.ctrl.Hold(0xFFFFFFFF)

			w := r.request(desc.DirWrite, 0, pattern(blockSize, 7))
			Expect(r.engine.TrySubmit(w)).To(Succeed())
			r.ctrl.InjectResponseError(w.Tag(), emulator.PhaseData, irq.ErrHostCRC)
			r.ctrl.Release(1 << uint(w.Tag()))

			Expect(w.Wait(ctx)).To(MatchError(irq.ErrCRC))
			Expect(w.Err()).To(MatchError(ErrRecovery))
			Expect(w.BytesXfered()).To(BeZero())
		})

		It("should wait for the queue to drain", func() {
			r.ctrl.Hold(0x7)
			reqs := []*Request{
				r.request(desc.DirWrite, 0, pattern(blockSize, 1)),
				r.request(desc.DirWrite, 1, pattern(blockSize, 2)),
				r.request(desc.DirWrite, 2, pattern(blockSize, 3)),
			}
			for _, req := range reqs {
				Expect(r.engine.TrySubmit(req)).To(Succeed())
			}

			go func() {
				time.Sleep(5 * time.Millisecond)
				r.ctrl.Release(0x7)
			}()

			done, err := r.engine.DrainBlocking(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(Equal(uint32(0x7)))
		})

		It("should program interrupt coalescing", func() {
			Expect(r.engine.SetCoalescing(Coalescing{Enable: true, Threshold: 32})).
				NotTo(Succeed())

			Expect(r.engine.SetCoalescing(Coalescing{Enable: true, Threshold: 8, Timeout: 4})).
				To(Succeed())
			Expect(r.ctrl.Read(regs.IC)).To(Equal(uint32(
				regs.ICEnable | regs.ICThresholdWE | regs.ICThreshold(8) |
					regs.ICTimeoutWE | regs.ICTimeout(4))))

			r.engine.ResetCoalescingCounter()
			Expect(r.ctrl.Read(regs.IC) & regs.ICReset).To(BeZero())
		})

		It("should list outstanding slots and registers", func() {
			r.ctrl.Hold(0xFFFFFFFF)
			w := r.request(desc.DirRead, 9, make([]byte, 2*blockSize))
			Expect(r.engine.TrySubmit(w)).To(Succeed())

			slots := r.engine.Slots()
			Expect(slots).To(HaveLen(1))
			Expect(slots[0].Tag).To(Equal(w.Tag()))
			Expect(slots[0].Desc.BlockCount).To(Equal(uint32(2)))
			Expect(slots[0].Desc.BlockAddr).To(Equal(uint32(9)))
			Expect(slots[0].Desc.Dir).To(Equal(desc.DirRead))

			Expect(r.engine.Registers()).To(ContainElement(ContainSubstring("TDBR")))
		})
	})

	Context("with 32 data tags", func() {
		BeforeEach(func() {
			r = newRig(MakeBuilder().WithDirectCommands(false), emulator.MakeBuilder())
			rec = &stateRecorder{}
			r.engine.AcceptHook(rec)
			r.ctrl.Hold(0xFFFFFFFF)
		})

		fill := func() []*Request {
			reqs := make([]*Request, 32)
			for i := range reqs {
				reqs[i] = r.request(desc.DirWrite, uint32(i*8), pattern(blockSize, byte(i)))
				Expect(r.engine.TrySubmit(reqs[i])).To(Succeed())
			}

			return reqs
		}

		It("should push back on the 33rd request until one completes", func() {
			reqs := fill()
			extra := r.request(desc.DirWrite, 512, pattern(blockSize, 0xEE))

			err := r.engine.TrySubmit(extra)
			Expect(err).To(MatchError(ErrBackpressure))
			Expect(err).To(MatchError(tags.ErrExhausted))

			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			Expect(r.engine.Submit(short, extra)).To(MatchError(ErrBackpressure))

			done := make(chan error)
			go func() {
				done <- r.engine.Submit(ctx, extra)
			}()

			Consistently(done, 20*time.Millisecond).ShouldNot(Receive())
			r.ctrl.Release(1 << uint(reqs[0].Tag()))

			Eventually(done).Should(Receive(BeNil()))
			Expect(reqs[0].Wait(ctx)).To(Succeed())
			Expect(extra.Wait(ctx)).To(Succeed())
		})

		It("should recover from a response error on tag 5", func() {
			reqs := fill()
			Expect(reqs[5].Tag()).To(Equal(5))

			r.ctrl.InjectResponseError(5, emulator.PhaseData, nil)
			r.ctrl.Release(1 << 5)

			for i, req := range reqs {
				Expect(req.Wait(ctx)).To(MatchError(ErrRecovery), "request %d", i)
				Expect(errors.Is(req.Err(), irq.ErrIO)).To(Equal(i == 5), "request %d", i)
			}

			Eventually(r.engine.State).Should(Equal(StateRunning))
			Expect(rec.States()).To(Equal([]State{
				StateHalting, StateHalted, StateClearing, StateRunning,
			}))

			starts, ends, errs := rec.counts()
			Expect(starts).To(Equal(32))
			Expect(ends).To(Equal(32))
			Expect(errs).To(Equal(1))

			st := r.engine.Status()
			Expect(st.Outstanding).To(BeZero())
			Expect(st.FreeTags).To(Equal(32))
			Expect(st.Recovering).To(BeFalse())
			Expect(st.Stats.Recoveries).To(Equal(uint64(1)))
			Expect(st.Stats.Failed).To(Equal(uint64(32)))
			Expect(r.host.RecoveryDisables()).To(Equal(1))
			Expect(r.ctrl.Queued()).To(BeZero())
			Expect(r.ctrl.Read(regs.CTL)).To(BeZero())
			Expect(r.ctrl.Read(regs.ISTE)).To(Equal(uint32(regs.IsMask)))

			r.ctrl.Release(0xFFFFFFFF)
			w := r.request(desc.DirWrite, 0, pattern(blockSize, 9))
			Expect(r.engine.Submit(ctx, w)).To(Succeed())
			Expect(w.Wait(ctx)).To(Succeed())
		})

		It("should report to each drainer the tags that ended while it waited", func() {
			type drainResult struct {
				done uint32
				err  error
			}

			drain := func() chan drainResult {
				ch := make(chan drainResult, 1)
				go func() {
					done, err := r.engine.DrainBlocking(ctx)
					ch <- drainResult{done, err}
				}()

				return ch
			}

			reqs := make([]*Request, 3)
			for i := range reqs {
				reqs[i] = r.request(desc.DirWrite, uint32(i*8), pattern(blockSize, byte(i)))
				Expect(r.engine.TrySubmit(reqs[i])).To(Succeed())
			}

			first := drain()
			time.Sleep(10 * time.Millisecond)
			r.ctrl.Release(1 << uint(reqs[0].Tag()))
			Expect(reqs[0].Wait(ctx)).To(Succeed())

			second := drain()
			time.Sleep(10 * time.Millisecond)
			r.ctrl.Release(0xFFFFFFFF)

			Eventually(first).Should(Receive(Equal(drainResult{done: 0x7})))
			Eventually(second).Should(Receive(Equal(drainResult{done: 0x6})))
		})
	})

	Context("while recovery waits for the controller to halt", func() {
		BeforeEach(func() {
			r = newRig(
				MakeBuilder().
					WithDirectCommands(false).
					WithHaltTimeout(5*time.Second),
				emulator.MakeBuilder())
			rec = &stateRecorder{}
			r.engine.AcceptHook(rec)
			r.ctrl.Hold(0xFFFFFFFF)
		})

		It("should keep the cause of a fault reported during recovery", func() {
			a := r.request(desc.DirWrite, 0, pattern(blockSize, 1))
			b := r.request(desc.DirWrite, 8, pattern(blockSize, 2))
			Expect(r.engine.TrySubmit(a)).To(Succeed())
			Expect(r.engine.TrySubmit(b)).To(Succeed())

			r.ctrl.InjectResponseError(a.Tag(), emulator.PhaseData, irq.ErrHostCRC)
			r.ctrl.InjectResponseError(b.Tag(), emulator.PhaseCommand, irq.ErrHostTimeout)
			r.ctrl.SetHaltStuck(true)

			r.ctrl.Release(1 << uint(a.Tag()))
			Eventually(r.engine.State).Should(Equal(StateHalting))

			r.ctrl.Release(1 << uint(b.Tag()))
			Eventually(func() int {
				_, _, errs := rec.counts()
				return errs
			}).Should(Equal(2))
			r.ctrl.SetHaltStuck(false)

			Expect(a.Wait(ctx)).To(MatchError(irq.ErrCRC))
			Expect(b.Wait(ctx)).To(MatchError(irq.ErrTimeout))
			Expect(b.Err()).To(MatchError(ErrRecovery))
			Expect(errors.Is(b.Err(), irq.ErrCRC)).To(BeFalse())

			Eventually(r.engine.State).Should(Equal(StateRunning))
		})
	})

	Context("when the controller does not halt", func() {
		BeforeEach(func() {
			r = newRig(
				MakeBuilder().
					WithHaltTimeout(20*time.Millisecond).
					WithClearTimeout(20*time.Millisecond),
				emulator.MakeBuilder())
			rec = &stateRecorder{}
			r.engine.AcceptHook(rec)
		})

		It("should reset the controller and fail outstanding requests", func() {
			r.ctrl.Hold(0xFFFFFFFF)
			w := r.request(desc.DirWrite, 0, pattern(blockSize, 1))
			Expect(r.engine.TrySubmit(w)).To(Succeed())

			r.ctrl.SetHaltStuck(true)
			Expect(r.engine.Halt(ctx)).To(MatchError(ErrHaltTimeout))
			Expect(w.Wait(ctx)).To(MatchError(ErrHaltTimeout))

			Expect(r.ctrl.Stats().Resets).To(Equal(uint64(1)))
			Expect(r.engine.State()).To(Equal(StateHalted))
			Expect(r.engine.Status().Activated).To(BeFalse())

			r.ctrl.SetHaltStuck(false)
			r.ctrl.Release(0xFFFFFFFF)
			Expect(r.engine.Resume()).To(Succeed())

			again := r.request(desc.DirWrite, 0, pattern(blockSize, 2))
			Expect(r.engine.Submit(ctx, again)).To(Succeed())
			Expect(again.Wait(ctx)).To(Succeed())
		})

		It("should escalate when recovery cannot clear the queue", func() {
			r.ctrl.Hold(0xFFFFFFFF)
			w := r.request(desc.DirWrite, 0, pattern(blockSize, 1))
			Expect(r.engine.TrySubmit(w)).To(Succeed())

			r.ctrl.SetClearStuck(true)
			r.ctrl.InjectResponseError(w.Tag(), emulator.PhaseCommand, nil)
			r.ctrl.Release(1 << uint(w.Tag()))

			Expect(w.Wait(ctx)).To(MatchError(ErrClearTimeout))
			Expect(w.Err()).To(MatchError(ErrRecovery))

			Eventually(r.engine.State).Should(Equal(StateRunning))
			Expect(r.ctrl.Stats().Resets).To(Equal(uint64(1)))

			r.ctrl.SetClearStuck(false)
			r.ctrl.Release(0xFFFFFFFF)
			again := r.request(desc.DirWrite, 0, pattern(blockSize, 2))
			Expect(r.engine.Submit(ctx, again)).To(Succeed())
			Expect(again.Wait(ctx)).To(Succeed())
		})
	})
})
