package hooking

import "time"

// Positions of the task hooks. A command is a task: it starts when the
// doorbell is rung for it, takes steps and ends when it completes or fails.
var (
	HookPosTaskStart = &HookPos{Name: "HookPosTaskStart"}
	HookPosTaskTag   = &HookPos{Name: "HookPosTaskTag"}
	HookPosTaskStep  = &HookPos{Name: "HookPosTaskStep"}
	HookPosTaskEnd   = &HookPos{Name: "HookPosTaskEnd"}
)

// TaskStart is the item of HookPosTaskStart. Where names the engine.
type TaskStart struct {
	ID    string
	Kind  string
	What  string
	Where string
}

// TaskTag is the item of HookPosTaskTag. It attaches a property, such as the
// slot a command occupies, to a running task.
type TaskTag struct {
	TaskID string
	What   string
	Detail string
}

// TaskStep is the item of HookPosTaskStep.
type TaskStep struct {
	TaskID string
	StepID string
	Kind   string
	What   string
	Detail string
}

// TaskEnd is the item of HookPosTaskEnd. Error is empty on success.
type TaskEnd struct {
	ID    string
	Error string
}

// task is what tracers keep about a task between its start and end.
type task struct {
	ID        string
	Kind      string
	What      string
	Where     string
	StartTime float64
	EndTime   float64
	Error     string
	Tags      []TaskTag
	Steps     []StepRecord
}

// TaskFilter selects the tasks a tracer follows.
type TaskFilter func(t TaskStart) bool

// A TimeTeller tells the current time in seconds.
type TimeTeller interface {
	Now() float64
}

// WallClock tells the seconds elapsed since it was created.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a WallClock starting now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now returns the seconds since the clock was created.
func (c *WallClock) Now() float64 {
	return time.Since(c.start).Seconds()
}
