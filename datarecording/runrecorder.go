package datarecording

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// RunInfoTableName is the table RunRecorder writes to.
const RunInfoTableName = "run_info"

// RunProperty is one row of the run information table.
type RunProperty struct {
	Property string
	Value    string
}

// RunRecorder records how a program was run next to the traces it
// produced: the command line, start and end time and any property the
// program adds.
type RunRecorder struct {
	recorder DataRecorder
	entries  []RunProperty
}

// NewRunRecorder creates the run information table in r.
func NewRunRecorder(r DataRecorder) *RunRecorder {
	r.CreateTable(RunInfoTableName, RunProperty{})

	return &RunRecorder{recorder: r}
}

// Start records the start time, the command line and the working directory.
func (e *RunRecorder) Start() {
	e.Set("Start Time", formatTime(time.Now()))
	e.Set("Command", strings.Join(os.Args, " "))

	if cwd, err := os.Getwd(); err == nil {
		e.Set("Working Directory", cwd)
	}
}

// Set records a property. Values are formatted with fmt.Sprint.
func (e *RunRecorder) Set(property string, value any) {
	e.entries = append(e.entries, RunProperty{property, fmt.Sprint(value)})
}

// End writes the properties along with the end time and flushes the
// recorder.
func (e *RunRecorder) End() {
	e.Set("End Time", formatTime(time.Now()))

	for _, entry := range e.entries {
		e.recorder.InsertData(RunInfoTableName, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000000000")
}
