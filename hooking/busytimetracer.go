package hooking

import "sync"

// BusyTimeTracer measures how long a domain had at least one task in
// flight. Overlapping tasks count once. It also integrates the number of
// tasks in flight over time, which for the engine is the queue depth.
type BusyTimeTracer struct {
	lock       sync.Mutex
	timeTeller TimeTeller
	filter     TaskFilter

	inflight  map[string]struct{}
	since     float64 // Time of the last depth change
	busyTime  float64
	depthArea float64
	maxDepth  int
}

// NewBusyTimeTracer creates a BusyTimeTracer. A nil filter accepts every
// task.
func NewBusyTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *BusyTimeTracer {
	return &BusyTimeTracer{
		timeTeller: timeTeller,
		filter:     filter,
		inflight:   make(map[string]struct{}),
	}
}

// Func records task starts and ends.
func (t *BusyTimeTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	}
}

// BusyTime returns the time at least one task was in flight. Tasks still in
// flight are not counted until they end or TerminateAllTasks is called.
func (t *BusyTimeTracer) BusyTime() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.busyTime
}

// AverageDepth returns the mean number of tasks in flight over the busy
// time.
func (t *BusyTimeTracer) AverageDepth() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.busyTime == 0 {
		return 0
	}

	return t.depthArea / t.busyTime
}

// MaxDepth returns the largest number of tasks that were in flight at once.
func (t *BusyTimeTracer) MaxDepth() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.maxDepth
}

// TerminateAllTasks ends every task in flight at the current time.
func (t *BusyTimeTracer) TerminateAllTasks() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.advance(t.timeTeller.Now())
	clear(t.inflight)
}

// StartTask records the start of a task.
func (t *BusyTimeTracer) StartTask(taskStart TaskStart) {
	if t.filter != nil && !t.filter(taskStart) {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.inflight[taskStart.ID]; ok {
		return
	}

	t.advance(t.timeTeller.Now())
	t.inflight[taskStart.ID] = struct{}{}
	t.maxDepth = max(t.maxDepth, len(t.inflight))
}

// EndTask records the end of a task. Tasks the tracer did not see start are
// ignored.
func (t *BusyTimeTracer) EndTask(taskEnd TaskEnd) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.inflight[taskEnd.ID]; !ok {
		return
	}

	t.advance(t.timeTeller.Now())
	delete(t.inflight, taskEnd.ID)
}

// advance accounts for the time since the last depth change.
func (t *BusyTimeTracer) advance(now float64) {
	if depth := len(t.inflight); depth > 0 && now > t.since {
		t.busyTime += now - t.since
		t.depthArea += float64(depth) * (now - t.since)
	}

	t.since = now
}
