package hooking

import (
	"strings"
	"sync"

	"github.com/tebeka/atexit"

	"github.com/sarchlab/cqhci/datarecording"
)

// TaskRecord is a finished task as a backend stores it. Tags holds the
// task's tags as "what=detail" pairs separated by semicolons.
type TaskRecord struct {
	ID        string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
	Error     string
	Tags      string
	NumSteps  int
}

// StepRecord is one step of a finished task.
type StepRecord struct {
	TaskID string
	StepID string
	Time   float64
	Kind   string
	What   string
	Detail string
}

// TracerBackend stores finished tasks.
type TracerBackend interface {
	WriteTask(t TaskRecord)
	WriteStep(s StepRecord)

	// Flush writes whatever the backend buffers.
	Flush()
}

// DBTracer follows every task from start to end and hands it to a backend
// once it ends. A time range, when set, limits the tasks written to those
// that start before its end and end after its start.
type DBTracer struct {
	timeTeller TimeTeller
	backend    TracerBackend

	lock       sync.Mutex
	start, end float64
	running    map[string]*task
}

// NewDBTracer creates a DBTracer. Tasks still running when the program exits
// through atexit are written with the exit time.
func NewDBTracer(timeTeller TimeTeller, backend TracerBackend) *DBTracer {
	t := &DBTracer{
		timeTeller: timeTeller,
		backend:    backend,
		running:    make(map[string]*task),
	}

	atexit.Register(t.Terminate)

	return t
}

// SetTimeRange limits tracing to tasks that overlap [start, end]. A zero
// bound is open.
func (t *DBTracer) SetTimeRange(start, end float64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.start, t.end = start, end
}

// Func dispatches task hooks.
func (t *DBTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskStep:
		t.StepTask(ctx.Item.(TaskStep))
	case HookPosTaskTag:
		t.TagTask(ctx.Item.(TaskTag))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	}
}

func taskStartMustBeComplete(ts TaskStart) {
	switch {
	case ts.ID == "":
		panic("task ID must be set")
	case ts.Kind == "":
		panic("task kind must be set")
	case ts.What == "":
		panic("task what must be set")
	case ts.Where == "":
		panic("task where must be set")
	}
}

// StartTask begins following a task.
func (t *DBTracer) StartTask(ts TaskStart) {
	taskStartMustBeComplete(ts)

	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.end > 0 && now > t.end {
		return
	}

	t.running[ts.ID] = &task{
		ID:        ts.ID,
		Kind:      ts.Kind,
		What:      ts.What,
		Where:     ts.Where,
		StartTime: now,
	}
}

// StepTask records a step of a running task.
func (t *DBTracer) StepTask(ts TaskStep) {
	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	if tk, ok := t.running[ts.TaskID]; ok {
		tk.Steps = append(tk.Steps, StepRecord{
			TaskID: ts.TaskID,
			StepID: ts.StepID,
			Time:   now,
			Kind:   ts.Kind,
			What:   ts.What,
			Detail: ts.Detail,
		})
	}
}

// TagTask records a tag of a running task.
func (t *DBTracer) TagTask(tt TaskTag) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if tk, ok := t.running[tt.TaskID]; ok {
		tk.Tags = append(tk.Tags, tt)
	}
}

// EndTask writes a task out.
func (t *DBTracer) EndTask(te TaskEnd) {
	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	tk, ok := t.running[te.ID]
	if !ok {
		return
	}

	delete(t.running, te.ID)

	if t.start > 0 && now < t.start {
		return
	}

	tk.EndTime = now
	tk.Error = te.Error
	t.write(tk)
}

func (t *DBTracer) write(tk *task) {
	tags := make([]string, 0, len(tk.Tags))
	for _, tag := range tk.Tags {
		if tag.Detail == "" {
			tags = append(tags, tag.What)
			continue
		}

		tags = append(tags, tag.What+"="+tag.Detail)
	}

	t.backend.WriteTask(TaskRecord{
		ID:        tk.ID,
		Kind:      tk.Kind,
		What:      tk.What,
		Location:  tk.Where,
		StartTime: tk.StartTime,
		EndTime:   tk.EndTime,
		Error:     tk.Error,
		Tags:      strings.Join(tags, ";"),
		NumSteps:  len(tk.Steps),
	})

	for _, s := range tk.Steps {
		t.backend.WriteStep(s)
	}
}

// Terminate writes the tasks still running, ending them now, and flushes
// the backend.
func (t *DBTracer) Terminate() {
	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	for id, tk := range t.running {
		tk.EndTime = now
		t.write(tk)
		delete(t.running, id)
	}

	t.backend.Flush()
}

// Table names used by the data recording backend.
const (
	TaskTableName = "cqhci_tasks"
	StepTableName = "cqhci_steps"
)

type recorderBackend struct {
	recorder datarecording.DataRecorder
}

// NewRecorderBackend stores tasks through a data recorder, in the
// TaskTableName and StepTableName tables.
func NewRecorderBackend(r datarecording.DataRecorder) TracerBackend {
	r.CreateTable(TaskTableName, TaskRecord{})
	r.CreateTable(StepTableName, StepRecord{})

	return &recorderBackend{recorder: r}
}

func (b *recorderBackend) WriteTask(t TaskRecord) {
	b.recorder.InsertData(TaskTableName, t)
}

func (b *recorderBackend) WriteStep(s StepRecord) {
	b.recorder.InsertData(StepTableName, s)
}

func (b *recorderBackend) Flush() {
	b.recorder.Flush()
}
