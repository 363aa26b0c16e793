package hooking

import "sync"

// LatencyStats summarizes the tasks of one kind that ended.
type LatencyStats struct {
	Count  uint64
	Failed uint64
	Total  float64
	Max    float64
}

// Average returns the mean task time, or 0 when no task ended.
func (s LatencyStats) Average() float64 {
	if s.Count == 0 {
		return 0
	}

	return s.Total / float64(s.Count)
}

func (s *LatencyStats) add(d float64, failed bool) {
	s.Count++
	s.Total += d
	s.Max = max(s.Max, d)

	if failed {
		s.Failed++
	}
}

// LatencyTracer measures the time from start to end of each task, overall
// and per task kind. Overlapping tasks are timed independently.
type LatencyTracer struct {
	timeTeller TimeTeller
	filter     TaskFilter

	lock     sync.Mutex
	inflight map[string]task
	all      LatencyStats
	byKind   map[string]*LatencyStats
}

// NewLatencyTracer creates a LatencyTracer. A nil filter accepts every task.
func NewLatencyTracer(timeTeller TimeTeller, filter TaskFilter) *LatencyTracer {
	return &LatencyTracer{
		timeTeller: timeTeller,
		filter:     filter,
		inflight:   make(map[string]task),
		byKind:     make(map[string]*LatencyStats),
	}
}

// Func records task starts and ends.
func (t *LatencyTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	}
}

// Stats returns the summary of every task that ended.
func (t *LatencyTracer) Stats() LatencyStats {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.all
}

// KindStats returns the summary of the tasks of one kind.
func (t *LatencyTracer) KindStats(kind string) LatencyStats {
	t.lock.Lock()
	defer t.lock.Unlock()

	if s, ok := t.byKind[kind]; ok {
		return *s
	}

	return LatencyStats{}
}

// AverageTime returns the mean time of the tasks that ended.
func (t *LatencyTracer) AverageTime() float64 {
	return t.Stats().Average()
}

// StartTask records the start of a task.
func (t *LatencyTracer) StartTask(taskStart TaskStart) {
	if t.filter != nil && !t.filter(taskStart) {
		return
	}

	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	t.inflight[taskStart.ID] = task{
		ID:        taskStart.ID,
		Kind:      taskStart.Kind,
		StartTime: now,
	}
}

// EndTask records the end of a task the tracer saw start.
func (t *LatencyTracer) EndTask(taskEnd TaskEnd) {
	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	started, ok := t.inflight[taskEnd.ID]
	if !ok {
		return
	}

	delete(t.inflight, taskEnd.ID)

	d := now - started.StartTime
	failed := taskEnd.Error != ""

	t.all.add(d, failed)

	s, ok := t.byKind[started.Kind]
	if !ok {
		s = &LatencyStats{}
		t.byKind[started.Kind] = s
	}

	s.add(d, failed)
}
