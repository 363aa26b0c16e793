package hooking

import (
	"bytes"
	"errors"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubTimeTeller struct {
	now float64
}

func (t *stubTimeTeller) Now() float64 {
	return t.now
}

type memBackend struct {
	tasks   []TaskRecord
	steps   []StepRecord
	flushed int
}

func (b *memBackend) WriteTask(t TaskRecord) { b.tasks = append(b.tasks, t) }
func (b *memBackend) WriteStep(s StepRecord) { b.steps = append(b.steps, s) }
func (b *memBackend) Flush()                 { b.flushed++ }

var _ = Describe("HookableBase", func() {
	It("should invoke every hook in order", func() {
		var base HookableBase
		var seen []string

		first := HookFunc(func(ctx HookCtx) { seen = append(seen, "first") })
		second := HookFunc(func(ctx HookCtx) { seen = append(seen, "second") })
		base.AcceptHook(&first)
		base.AcceptHook(&second)

		base.InvokeHook(HookCtx{Pos: HookPosTaskStart})

		Expect(base.NumHooks()).To(Equal(2))
		Expect(seen).To(Equal([]string{"first", "second"}))
	})

	It("should refuse a hook registered twice", func() {
		var base HookableBase
		h := HookFunc(func(ctx HookCtx) {})
		base.AcceptHook(&h)

		Expect(func() { base.AcceptHook(&h) }).To(Panic())
	})
})

var _ = Describe("BusyTimeTracer", func() {
	var (
		timeTeller *stubTimeTeller
		t          *BusyTimeTracer
	)

	BeforeEach(func() {
		timeTeller = &stubTimeTeller{}
		t = NewBusyTimeTracer(timeTeller, nil)
	})

	It("should track busy time, one task", func() {
		timeTeller.now = 1
		t.StartTask(TaskStart{ID: "1"})

		timeTeller.now = 2
		t.EndTask(TaskEnd{ID: "1"})

		Expect(t.BusyTime()).To(Equal(1.0))
	})

	It("should count overlapping commands once", func() {
		timeTeller.now = 1
		t.StartTask(TaskStart{ID: "1"})
		timeTeller.now = 2
		t.StartTask(TaskStart{ID: "2"})
		timeTeller.now = 3
		t.EndTask(TaskEnd{ID: "1"})
		timeTeller.now = 5
		t.EndTask(TaskEnd{ID: "2"})

		Expect(t.BusyTime()).To(Equal(4.0))
		Expect(t.AverageDepth()).To(Equal(1.25))
		Expect(t.MaxDepth()).To(Equal(2))
	})

	It("should close unfinished tasks on terminate", func() {
		timeTeller.now = 1
		t.StartTask(TaskStart{ID: "1"})
		timeTeller.now = 4
		t.TerminateAllTasks()

		Expect(t.BusyTime()).To(Equal(3.0))
	})
})

var _ = Describe("LatencyTracer", func() {
	It("should time tasks per kind and count failures", func() {
		timeTeller := &stubTimeTeller{}
		t := NewLatencyTracer(timeTeller, func(ts TaskStart) bool {
			return ts.Where == "mmc0"
		})

		Expect(t.AverageTime()).To(BeZero())

		t.Func(HookCtx{Pos: HookPosTaskStart, Item: TaskStart{ID: "a", Kind: "data", Where: "mmc0"}})
		t.Func(HookCtx{Pos: HookPosTaskStart, Item: TaskStart{ID: "b", Kind: "data", Where: "mmc1"}})
		timeTeller.now = 2
		t.Func(HookCtx{Pos: HookPosTaskStart, Item: TaskStart{ID: "c", Kind: "data", Where: "mmc0"}})
		t.Func(HookCtx{Pos: HookPosTaskStart, Item: TaskStart{ID: "d", Kind: "direct", Where: "mmc0"}})
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "a"}})
		timeTeller.now = 3
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "d"}})
		timeTeller.now = 6
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "c", Error: "recovery"}})
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "b"}})

		Expect(t.Stats()).To(Equal(LatencyStats{Count: 3, Failed: 1, Total: 7, Max: 4}))
		Expect(t.KindStats("data").Average()).To(Equal(3.0))
		Expect(t.KindStats("direct")).To(Equal(LatencyStats{Count: 1, Total: 1, Max: 1}))
		Expect(t.KindStats("none").Count).To(BeZero())
	})
})

var _ = Describe("DBTracer", func() {
	var (
		timeTeller *stubTimeTeller
		backend    *memBackend
		t          *DBTracer
	)

	BeforeEach(func() {
		timeTeller = &stubTimeTeller{}
		backend = &memBackend{}
		t = NewDBTracer(timeTeller, backend)
	})

	It("should write a task with its steps when it ends", func() {
		timeTeller.now = 1
		t.Func(HookCtx{Pos: HookPosTaskStart, Item: TaskStart{
			ID: "req", Kind: "data", What: "read", Where: "mmc0",
		}})
		timeTeller.now = 2
		t.Func(HookCtx{Pos: HookPosTaskStep, Item: TaskStep{
			TaskID: "req", What: "doorbell", Detail: "tag 3",
		}})
		t.Func(HookCtx{Pos: HookPosTaskTag, Item: TaskTag{TaskID: "req", What: "crypto"}})
		timeTeller.now = 3
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "req"}})

		Expect(backend.tasks).To(ConsistOf(TaskRecord{
			ID: "req", Kind: "data", What: "read", Location: "mmc0",
			StartTime: 1, EndTime: 3, Tags: "crypto", NumSteps: 1,
		}))
		Expect(backend.steps).To(ConsistOf(StepRecord{
			TaskID: "req", Time: 2, What: "doorbell", Detail: "tag 3",
		}))
	})

	It("should refuse incomplete task starts", func() {
		Expect(func() { t.StartTask(TaskStart{ID: "x"}) }).To(Panic())
	})

	It("should skip tasks outside the time range", func() {
		t.SetTimeRange(0, 5)
		timeTeller.now = 6
		t.StartTask(TaskStart{ID: "late", Kind: "data", What: "read", Where: "mmc0"})
		t.EndTask(TaskEnd{ID: "late"})

		Expect(backend.tasks).To(BeEmpty())
	})

	It("should flush unfinished tasks on terminate", func() {
		t.StartTask(TaskStart{ID: "open", Kind: "direct", What: "cmd13", Where: "mmc0"})
		timeTeller.now = 7
		t.Terminate()

		Expect(backend.tasks).To(HaveLen(1))
		Expect(backend.tasks[0].EndTime).To(Equal(7.0))
		Expect(backend.flushed).To(Equal(1))
	})
})

var _ = Describe("LogHook", func() {
	It("should log task ends and errors", func() {
		buf := new(bytes.Buffer)
		logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		h := NewLogHook(logger)

		h.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "req", Error: "boom"}})
		h.Func(HookCtx{Pos: &HookPos{Name: "HookPosError"}, Item: errors.New("stuck")})

		Expect(buf.String()).To(ContainSubstring("task end"))
		Expect(buf.String()).To(ContainSubstring("error=boom"))
		Expect(buf.String()).To(ContainSubstring("level=WARN"))
		Expect(buf.String()).To(ContainSubstring("stuck"))
	})
})
