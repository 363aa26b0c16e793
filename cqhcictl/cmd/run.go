package cmd

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/cqhci/cqe"
	"github.com/sarchlab/cqhci/datarecording"
	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/emulator"
	"github.com/sarchlab/cqhci/hooking"
	"github.com/sarchlab/cqhci/inlinecrypto"
	"github.com/sarchlab/cqhci/irq"
	"github.com/sarchlab/cqhci/monitoring"
)

// runConfig holds the options of the run command.
type runConfig struct {
	Requests    int
	Workers     int
	Slots       int
	BlockSize   int
	MaxBlocks   int
	DirectEvery int
	InjectEvery int
	Latency     time.Duration
	Timeout     time.Duration
	Crypto      bool
	Trace       string
	Monitor     bool
	OpenMonitor bool
	Port        int
	Seed        uint64
}

var runCfg runConfig

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mixed workload against an emulated controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sum, err := runWorkload(cmd.Context(), runCfg, cqe.DefaultLogger())
		if err != nil {
			return err
		}

		sum.print(cmd.OutOrStdout())

		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runCfg.Requests, "requests", 1000, "number of requests to submit")
	f.IntVar(&runCfg.Workers, "workers", 8, "number of submitting goroutines")
	f.IntVar(&runCfg.Slots, "slots", 32, "queue depth, at most 32")
	f.IntVar(&runCfg.BlockSize, "block-size", 512, "block size in bytes")
	f.IntVar(&runCfg.MaxBlocks, "max-blocks", 8, "largest request in blocks")
	f.IntVar(&runCfg.DirectEvery, "direct-every", 10,
		"send a direct command every N requests, 0 to disable")
	f.IntVar(&runCfg.InjectEvery, "inject-every", 0,
		"inject a response error every N requests, 0 to disable")
	f.DurationVar(&runCfg.Latency, "latency", 0, "emulated time per task")
	f.DurationVar(&runCfg.Timeout, "timeout", 2*time.Second,
		"time a request may take before the engine recovers the queue")
	f.BoolVar(&runCfg.Crypto, "crypto", false, "encrypt data requests inline")
	f.StringVar(&runCfg.Trace, "trace", "",
		"record request traces into this SQLite database, without the suffix")
	f.BoolVar(&runCfg.Monitor, "monitor", false, "serve the monitoring page")
	f.BoolVar(&runCfg.OpenMonitor, "open-monitor", false,
		"serve the monitoring page and open it in a browser")
	f.IntVar(&runCfg.Port, "port", 0, "port of the monitoring server")
	f.Uint64Var(&runCfg.Seed, "seed", 1, "seed of the workload generator")

	rootCmd.AddCommand(runCmd)
}

func (c runConfig) validate() error {
	switch {
	case c.Requests <= 0:
		return errors.New("requests must be positive")
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.Slots < 2 || c.Slots > 32:
		return errors.New("slots must be between 2 and 32")
	case c.BlockSize <= 0 || c.BlockSize%512 != 0:
		return errors.New("block size must be a multiple of 512")
	case c.MaxBlocks <= 0:
		return errors.New("max blocks must be positive")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	}

	return nil
}

// summary is the outcome of a workload.
type summary struct {
	Requests   int
	Succeeded  uint64
	Failed     uint64
	TimedOut   uint64
	Elapsed    time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
	BusyTime   time.Duration
	AvgDepth   float64
	MaxDepth   int
	Engine     cqe.Stats
	Controller emulator.Stats
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "requests:   %d (%d ok, %d failed, %d timed out)\n",
		s.Requests, s.Succeeded, s.Failed, s.TimedOut)
	fmt.Fprintf(w, "elapsed:    %v, busy %v\n", s.Elapsed, s.BusyTime)
	fmt.Fprintf(w, "latency:    %v average, %v max\n", s.AvgLatency, s.MaxLatency)
	fmt.Fprintf(w, "depth:      %.2f average, %d max\n", s.AvgDepth, s.MaxDepth)
	fmt.Fprintf(w, "engine:     %d submitted, %d completed, %d failed\n",
		s.Engine.Submitted, s.Engine.Completed, s.Engine.Failed)
	fmt.Fprintf(w, "recovery:   %d recoveries, %d halts, %d resets, %d spurious\n",
		s.Engine.Recoveries, s.Engine.Halts, s.Engine.Resets, s.Engine.Spurious)
	fmt.Fprintf(w, "controller: %d executed, %d failed, %d interrupts\n",
		s.Controller.Executed, s.Controller.Failed, s.Controller.Interrupts)
}

// workload owns the emulated controller and the engine for one run.
type workload struct {
	cfg    runConfig
	logger *slog.Logger

	bus    *dma.Bus
	ctrl   *emulator.Controller
	engine *cqe.Engine
	bar    *monitoring.ProgressBar

	next     atomic.Int64
	ok       atomic.Uint64
	failed   atomic.Uint64
	timedOut atomic.Uint64
}

func runWorkload(ctx context.Context, cfg runConfig, logger *slog.Logger) (summary, error) {
	if err := cfg.validate(); err != nil {
		return summary{}, err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	w := &workload{cfg: cfg, logger: logger}

	if err := w.setup(); err != nil {
		return summary{}, err
	}
	defer w.ctrl.Close()

	clock := hooking.NewWallClock()
	lat := hooking.NewLatencyTracer(clock, nil)
	busy := hooking.NewBusyTimeTracer(clock, nil)
	w.engine.AcceptHook(lat)
	w.engine.AcceptHook(busy)

	if logger.Enabled(ctx, slog.LevelDebug) {
		w.engine.AcceptHook(hooking.NewLogHook(logger))
	}

	var (
		tracer  *hooking.DBTracer
		runInfo *datarecording.RunRecorder
	)
	if cfg.Trace != "" {
		rec := datarecording.New(cfg.Trace)
		defer rec.Close()

		runInfo = datarecording.NewRunRecorder(rec)
		runInfo.Start()
		tracer = hooking.NewDBTracer(clock, hooking.NewRecorderBackend(rec))
		w.engine.AcceptHook(tracer)
	}

	if cfg.Monitor || cfg.OpenMonitor {
		w.startMonitor()
	}

	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.work(ctx, mathrand.New(mathrand.NewPCG(cfg.Seed, uint64(i))))
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	busy.TerminateAllTasks()

	if tracer != nil {
		tracer.Terminate()
	}

	if err := w.engine.Disable(ctx); err != nil {
		logger.Warn("disable failed", "error", err)
	}

	sum := summary{
		Requests:   cfg.Requests,
		Succeeded:  w.ok.Load(),
		Failed:     w.failed.Load(),
		TimedOut:   w.timedOut.Load(),
		Elapsed:    elapsed,
		AvgLatency: seconds(lat.AverageTime()),
		MaxLatency: seconds(lat.Stats().Max),
		BusyTime:   seconds(busy.BusyTime()),
		AvgDepth:   busy.AverageDepth(),
		MaxDepth:   busy.MaxDepth(),
		Engine:     w.engine.Stats(),
		Controller: w.ctrl.Stats(),
	}

	if runInfo != nil {
		runInfo.Set("Requests", sum.Requests)
		runInfo.Set("Workers", cfg.Workers)
		runInfo.Set("Succeeded", sum.Succeeded)
		runInfo.Set("Failed", sum.Failed)
		runInfo.Set("Elapsed", sum.Elapsed)
		runInfo.End()
	}

	return sum, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (w *workload) setup() error {
	w.bus = dma.NewBus(0x1_0000_0000, 0)

	eb := emulator.MakeBuilder().
		WithBus(w.bus).
		WithSlots(w.cfg.Slots).
		WithBlockSize(w.cfg.BlockSize).
		WithLatency(w.cfg.Latency).
		WithLogger(w.logger)
	if w.cfg.Crypto {
		eb = eb.WithCrypto(4)
	}

	w.ctrl = eb.Build("emmc0")

	b := cqe.MakeBuilder().
		WithRegisters(w.ctrl).
		WithHost(emulator.NewHost(w.ctrl)).
		WithAllocator(w.bus).
		WithLogger(w.logger).
		WithCapacityHint(w.cfg.Slots).
		WithDirectCommands(w.cfg.DirectEvery > 0).
		WithMaxSegments(w.cfg.MaxBlocks)

	var variant *inlinecrypto.RegisterVariant
	if w.cfg.Crypto {
		variant = inlinecrypto.NewRegisterVariant(w.ctrl, w.logger)
		b = b.WithCrypto(variant)
	}

	engine, err := b.Build("cq0")
	if err != nil {
		w.ctrl.Close()
		return err
	}

	w.engine = engine
	w.ctrl.SetInterruptHandler(engine.HandleInterrupt)

	if err := engine.Enable(1); err != nil {
		w.ctrl.Close()
		return err
	}

	if variant != nil {
		key := make([]byte, 16)
		if _, err := rand.Read(key); err != nil {
			w.ctrl.Close()
			return err
		}

		err := variant.ProgramKey(inlinecrypto.ConfigEntry{
			Key:          key,
			DataUnitSize: 0x1,
			CapIndex:     1,
			Enable:       true,
		}, 0)
		if err != nil {
			w.ctrl.Close()
			return fmt.Errorf("program key: %w", err)
		}
	}

	return nil
}

func (w *workload) startMonitor() {
	m := monitoring.NewMonitor().
		WithPortNumber(w.cfg.Port).
		WithLogger(w.logger)
	m.RegisterEngine(w.engine)
	w.bar = m.CreateProgressBar("requests", uint64(w.cfg.Requests))

	url := m.StartServer()
	if w.cfg.OpenMonitor {
		if err := browser.OpenURL(url); err != nil {
			w.logger.Warn("cannot open browser", "url", url, "error", err)
		}
	}
}

func (w *workload) work(ctx context.Context, rng *mathrand.Rand) {
	for {
		i := int(w.next.Add(1))
		if i > w.cfg.Requests || ctx.Err() != nil {
			return
		}

		if w.cfg.InjectEvery > 0 && i%w.cfg.InjectEvery == 0 {
			tag := rng.IntN(w.engine.Layout().NumSlots)
			w.ctrl.InjectResponseError(tag, emulator.PhaseData, irq.ErrHostCRC)
		}

		if w.bar != nil {
			w.bar.Start()
		}

		err := w.one(ctx, i, rng)

		if w.bar != nil {
			w.bar.Finish(err)
		}

		switch {
		case err == nil:
			w.ok.Add(1)
		case errors.Is(err, irq.ErrTimeout):
			w.timedOut.Add(1)
			w.failed.Add(1)
		default:
			w.failed.Add(1)
			w.logger.Debug("request failed", "n", i, "error", err)
		}
	}
}

func (w *workload) one(ctx context.Context, i int, rng *mathrand.Rand) error {
	if w.cfg.DirectEvery > 0 && i%w.cfg.DirectEvery == 0 {
		r := cqe.NewDirectRequest(desc.DirectCommand{
			Opcode: 13,
			Arg:    1 << 16,
			Resp:   desc.RespR1,
		})

		return w.submit(ctx, r)
	}

	blocks := 1 + rng.IntN(w.cfg.MaxBlocks)
	buf := make([]byte, blocks*w.cfg.BlockSize)
	for j := range buf {
		buf[j] = byte(i + j)
	}

	region, err := w.bus.Map(buf)
	if err != nil {
		return err
	}
	defer w.bus.Unmap(region)

	dir := desc.DirWrite
	if rng.IntN(2) == 0 {
		dir = desc.DirRead
	}

	segs := make([]desc.Segment, 0, blocks)
	for j := 0; j < blocks; j++ {
		segs = append(segs, desc.Segment{
			Addr: region.Base + uint64(j*w.cfg.BlockSize),
			Len:  uint32(w.cfg.BlockSize),
		})
	}

	block := uint32(rng.IntN(1 << 16))
	r := cqe.NewDataRequest(desc.DataCommand{
		Dir:        dir,
		BlockCount: uint32(blocks),
		BlockAddr:  block,
		Interrupt:  true,
		Segments:   segs,
	}, uint32(w.cfg.BlockSize))

	if w.cfg.Crypto {
		r.Crypto = &inlinecrypto.CryptoContext{Slot: 0, DUN: block}
	}

	return w.submit(ctx, r)
}

func (w *workload) submit(ctx context.Context, r *cqe.Request) error {
	if err := w.engine.Submit(ctx, r); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	err := r.Wait(wctx)
	if errors.Is(err, context.DeadlineExceeded) && w.engine.Timeout(r) {
		err = r.Wait(ctx)
	}

	return err
}
