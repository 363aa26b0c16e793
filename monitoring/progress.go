package monitoring

import (
	"sync/atomic"
	"time"
)

// A ProgressBar tracks how far a batch of requests has come. Workers call
// Start when they submit a request and Finish when it completes.
type ProgressBar struct {
	ID        string
	Name      string
	StartTime time.Time
	Total     uint64

	inFlight atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
}

// Start counts a request as in flight.
func (b *ProgressBar) Start() {
	b.inFlight.Add(1)
}

// Finish moves a request from in flight to finished. A request that ended
// with an error is also counted as failed.
func (b *ProgressBar) Finish(err error) {
	b.inFlight.Add(^uint64(0))
	b.finished.Add(1)

	if err != nil {
		b.failed.Add(1)
	}
}

type progressRsp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Total     uint64    `json:"total"`
	Finished  uint64    `json:"finished"`
	Failed    uint64    `json:"failed"`
	InFlight  uint64    `json:"in_progress"`
}

func (b *ProgressBar) snapshot() progressRsp {
	return progressRsp{
		ID:        b.ID,
		Name:      b.Name,
		StartTime: b.StartTime,
		Total:     b.Total,
		Finished:  b.finished.Load(),
		Failed:    b.failed.Load(),
		InFlight:  b.inFlight.Load(),
	}
}
