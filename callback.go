package aho

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Callback is notified by the Evaluator when a job is launched and when it is
// gathered. Both methods are called outside the Evaluator's lock, from the
// goroutine calling Submit, Gather or Cancel.
type Callback interface {
	OnLaunch(job Job)
	OnDone(job Job)
}

// Stopper is implemented by callbacks able to end a search early. The search
// polls ShouldStop after every gather.
type Stopper interface {
	ShouldStop() bool
}

//////
// Logger.
//////

// LoggerCallback logs every gathered job with the best objective so far.
type LoggerCallback struct {
	logger *slog.Logger

	mu     sync.Mutex
	nDone  int
	best   float64
	hasAny bool
}

// NewLoggerCallback returns a LoggerCallback writing to logger, or to
// slog.Default() when logger is nil.
func NewLoggerCallback(logger *slog.Logger) *LoggerCallback {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggerCallback{logger: logger}
}

func (c *LoggerCallback) OnLaunch(Job) {}

func (c *LoggerCallback) OnDone(job Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nDone++

	if job.State != JobDone {
		c.logger.Info("job failed", "n", c.nDone, "job_id", job.ID, "state", job.State.String(), "failure", job.Failure)
		return
	}

	if !c.hasAny || job.Result.Objective > c.best {
		c.best = job.Result.Objective
		c.hasAny = true
	}

	c.logger.Info("job done", "n", c.nDone, "job_id", job.ID, "objective", job.Result.Objective, "best", c.best)
}

//////
// Profiling.
//////

// ProfilePoint is one step of the running-jobs timeline.
type ProfilePoint struct {
	Timestamp time.Duration
	Running   int
}

type profileEvent struct {
	at   time.Duration
	incr int
}

// ProfilingCallback collects the execution window of every gathered job.
// The window is the one reported by the worker pool, or submit to gather
// when the pool did not report one.
type ProfilingCallback struct {
	mu      sync.Mutex
	history []profileEvent
}

func NewProfilingCallback() *ProfilingCallback { return &ProfilingCallback{} }

func (c *ProfilingCallback) OnLaunch(Job) {}

func (c *ProfilingCallback) OnDone(job Job) {
	start, end := job.SubmitTime, job.GatherTime
	if job.StartTime > 0 && job.EndTime >= job.StartTime {
		start, end = job.StartTime, job.EndTime
	}

	c.mu.Lock()
	c.history = append(c.history, profileEvent{start, 1}, profileEvent{end, -1})
	c.mu.Unlock()
}

// Profile returns the number of running jobs after every start and end
// event, in time order.
func (c *ProfilingCallback) Profile() []ProfilePoint {
	c.mu.Lock()
	events := slices.Clone(c.history)
	c.mu.Unlock()

	slices.SortFunc(events, func(a, b profileEvent) int {
		if a.at != b.at {
			if a.at < b.at {
				return -1
			}

			return 1
		}

		return a.incr - b.incr
	})

	out := make([]ProfilePoint, len(events))
	running := 0

	for i, ev := range events {
		running += ev.incr
		out[i] = ProfilePoint{Timestamp: ev.at, Running: running}
	}

	return out
}

// Utilization returns the average fraction of numWorkers busy between the
// first and the last event.
func (c *ProfilingCallback) Utilization(numWorkers int) float64 {
	p := c.Profile()
	if len(p) < 2 || numWorkers < 1 {
		return 0
	}

	var area float64

	for i := 1; i < len(p); i++ {
		area += float64(p[i-1].Running) * (p[i].Timestamp - p[i-1].Timestamp).Seconds()
	}

	span := (p[len(p)-1].Timestamp - p[0].Timestamp).Seconds()
	if span <= 0 {
		return 0
	}

	return area / (span * float64(numWorkers))
}

//////
// Early stopping.
//////

// EarlyStopping stops a search that did not improve for Patience gathered
// jobs in a row. Failed jobs count as not improving.
type EarlyStopping struct {
	// Patience defaults to 10.
	Patience int

	// Minimize makes lower raw objectives the improvements.
	Minimize bool

	mu     sync.Mutex
	best   float64
	hasAny bool
	stale  int
}

func (c *EarlyStopping) OnLaunch(Job) {}

func (c *EarlyStopping) OnDone(job Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if job.State == JobCancelled {
		return
	}

	if job.State != JobDone {
		if c.hasAny {
			c.stale++
		}

		return
	}

	v := job.Result.Objective
	if c.Minimize {
		v = -v
	}

	switch {
	case !c.hasAny:
		c.best, c.hasAny = v, true
	case v > c.best:
		c.best = v
		c.stale = 0
	default:
		c.stale++
	}
}

func (c *EarlyStopping) ShouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	patience := c.Patience
	if patience < 1 {
		patience = 10
	}

	return c.stale >= patience
}
