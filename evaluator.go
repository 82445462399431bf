package aho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/aho/storage"
)

//////
// Const, vars, types.
//////

// maxShutdownReserve caps the share of a Cancel deadline kept for shutting the
// pool down once running jobs were given their chance to finish.
const maxShutdownReserve = time.Second

// GatherMode selects how many terminal jobs Gather waits for.
type GatherMode int

const (
	// GatherAll waits for at least one terminal job, then returns every
	// terminal job.
	GatherAll GatherMode = iota

	// GatherBatch waits until min(batchSize, NumPendingJobs()) jobs are
	// terminal and returns exactly that many.
	GatherBatch
)

func (m GatherMode) String() string {
	switch m {
	case GatherAll:
		return "all"
	case GatherBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParseGatherMode parses "all" or "batch".
func ParseGatherMode(s string) (GatherMode, error) {
	switch s {
	case "", "all":
		return GatherAll, nil
	case "batch":
		return GatherBatch, nil
	default:
		return 0, fmt.Errorf("unknown gather mode %q", s)
	}
}

// EvaluatorOptions configures an Evaluator and its worker pool.
type EvaluatorOptions struct {
	// NumWorkers is the concurrency limit. Values below 1 mean 1.
	NumWorkers int `yaml:"num_workers"`

	// JobTimeout bounds a single execution. Zero means no timeout.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// Command, Dir and Env configure the subprocess transport.
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`

	// Callbacks are notified of every launched and gathered job.
	Callbacks []Callback `yaml:"-"`

	// Storage, when set, records the input, output and metadata of every job.
	Storage storage.Storage `yaml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// Evaluator turns configurations into jobs, hands them to a WorkerPool and
// collects their outcomes. It never runs more than NumWorkers jobs at once.
//
// Submit never blocks. Gather blocks until enough jobs are terminal. The
// Evaluator alone mutates job state; outcomes reach it on a channel owned by
// the Evaluator, so worker pools never touch a Job.
type Evaluator struct {
	mu sync.Mutex

	pool        WorkerPool
	numWorkers  int
	completions chan Outcome

	epoch      time.Time
	nextID     JobID
	jobs       map[JobID]*Job
	finished   []JobID
	detached   map[JobID]struct{}
	lastGather time.Duration
	closed     bool

	callbacks []Callback
	store     storage.Storage
	searchID  string
	storeIDs  map[JobID]string
	logger    *slog.Logger
}

//////
// Factory.
//////

// NewEvaluator builds an Evaluator over the transport registered as method
// ("serial", "thread", "subprocess", or anything added with
// RegisterTransport).
//
// Usage example:
//
//	ev, err := NewEvaluator("thread", run, EvaluatorOptions{NumWorkers: 4})
//	if err != nil {
//	    return err
//	}
//	defer ev.Close(context.Background())
func NewEvaluator(method string, run RunFunc, opts EvaluatorOptions) (*Evaluator, error) {
	factory, err := lookupTransport(method)
	if err != nil {
		return nil, err
	}

	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}

	pool, err := factory(run, opts)
	if err != nil {
		return nil, fmt.Errorf("%s transport: %w", method, err)
	}

	return NewEvaluatorWithPool(pool, opts)
}

// NewEvaluatorWithPool builds an Evaluator over an already built pool. The
// concurrency limit is the pool's.
func NewEvaluatorWithPool(pool WorkerPool, opts EvaluatorOptions) (*Evaluator, error) {
	if pool == nil {
		return nil, errors.New("nil worker pool")
	}

	n := pool.NumWorkers()
	if n < 1 {
		return nil, fmt.Errorf("worker pool reports %d workers", n)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Evaluator{
		pool:        pool,
		numWorkers:  n,
		completions: make(chan Outcome, 2*n),
		epoch:       time.Now(),
		nextID:      1,
		jobs:        make(map[JobID]*Job),
		detached:    make(map[JobID]struct{}),
		callbacks:   slices.Clone(opts.Callbacks),
		store:       opts.Storage,
		storeIDs:    make(map[JobID]string),
		logger:      logger,
	}

	if e.store != nil {
		id, err := e.store.CreateSearch(context.Background())
		if err != nil {
			return nil, fmt.Errorf("create search: %w", err)
		}

		e.searchID = id
	}

	return e, nil
}

// EvaluatorOptionsFromMap decodes an option map such as
// {"num_workers": 4, "job_timeout": "30s"}. Unknown keys are rejected.
func EvaluatorOptionsFromMap(m map[string]any) (EvaluatorOptions, error) {
	var opts EvaluatorOptions

	norm := make(map[string]any, len(m))
	for k, v := range m {
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}

		norm[k] = v
	}

	b, err := yaml.Marshal(norm)
	if err != nil {
		return opts, fmt.Errorf("encode evaluator options: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("decode evaluator options: %w", err)
	}

	return opts, nil
}

//////
// Methods.
//////

// Submit creates a job for cfg and dispatches it. It does not wait for a
// slot: when NumWorkers executions are already under way it returns
// ErrCapacityExceeded and nothing is created.
//
// Two things run inside Submit and can make it slow. The serial transport
// evaluates the configuration inline, so Submit returns once the job is
// terminal. With Storage set, the job and its input are written before the
// job is dispatched; an SQLite backend may retry a busy database for up to
// a few hundred milliseconds.
func (e *Evaluator) Submit(cfg Config) (JobID, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return 0, ErrEvaluatorClosed
	}

	e.drainLocked()

	if e.activeLocked() >= e.numWorkers || !e.pool.AcquireCapacity() {
		e.mu.Unlock()
		return 0, ErrCapacityExceeded
	}

	job := &Job{
		ID:         e.nextID,
		Config:     cfg.Clone(),
		State:      JobPending,
		SubmitTime: e.sinceEpoch(),
	}

	e.nextID++
	e.jobs[job.ID] = job

	snap := job.snapshot()

	e.mu.Unlock()

	e.logger.Debug("job submitted", "job_id", job.ID)

	e.recordIn(snap)

	for _, cb := range e.callbacks {
		cb.OnLaunch(snap)
	}

	e.mu.Lock()
	if job.State == JobPending {
		job.State = JobRunning
	}
	e.mu.Unlock()

	e.pool.Dispatch(Request{ID: snap.ID, Config: snap.Config}, e.completions)

	return snap.ID, nil
}

// Gather blocks until jobs are terminal, according to mode, and returns them
// in completion order. Each job is returned exactly once.
//
// It returns ErrNoPendingJobs when nothing was submitted and not yet
// gathered, and ctx.Err() when ctx is done first; no job is lost then.
//
// When every job was gathered but timed out executions still hold slots,
// Gather waits until at least one slot is free and returns no job.
func (e *Evaluator) Gather(ctx context.Context, mode GatherMode, batchSize int) ([]Job, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	waited := false

	for {
		e.mu.Lock()
		e.drainLocked()

		if len(e.jobs) == 0 {
			held := len(e.detached)

			switch {
			case held >= e.numWorkers:
				// Wait for a release.
			case held > 0 || waited:
				e.mu.Unlock()
				return nil, nil
			default:
				e.mu.Unlock()
				return nil, ErrNoPendingJobs
			}
		}

		n := 0

		switch mode {
		case GatherBatch:
			if want := min(batchSize, len(e.jobs)); len(e.finished) >= want {
				n = want
			}
		default:
			n = len(e.finished)
		}

		if n > 0 {
			jobs := e.takeLocked(n)
			e.mu.Unlock()

			e.afterGather(jobs)

			return jobs, nil
		}

		e.mu.Unlock()

		select {
		case out := <-e.completions:
			e.mu.Lock()
			e.absorbLocked(append([]Outcome{out}, e.pollLocked()...))
			e.mu.Unlock()

			waited = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NumPendingJobs returns the number of jobs submitted and not yet gathered.
func (e *Evaluator) NumPendingJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.jobs)
}

// NumRunning returns the number of slots in use: jobs pending or running,
// plus timed out executions that did not return yet.
func (e *Evaluator) NumRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()

	return e.activeLocked()
}

// NumWorkers returns the concurrency limit.
func (e *Evaluator) NumWorkers() int { return e.numWorkers }

// Elapsed returns the time since the evaluator was created.
func (e *Evaluator) Elapsed() time.Duration { return time.Since(e.epoch) }

// Callbacks returns the registered callbacks.
func (e *Evaluator) Callbacks() []Callback { return slices.Clone(e.callbacks) }

// SearchID returns the storage search identifier, empty without storage.
func (e *Evaluator) SearchID() string { return e.searchID }

// Cancel stops the evaluator. Running jobs are first given until ctx is
// nearly done to finish; the pool is then shut down, cancelling what still
// runs. It returns every job not yet gathered: finished ones as usual, the
// others marked Cancelled. No job can be submitted afterwards.
//
// A ctx without deadline lets every running job finish. The error reports
// executions the pool could not wait for; the returned jobs are complete
// either way.
func (e *Evaluator) Cancel(ctx context.Context) ([]Job, error) {
	drainCtx, cancel := drainContext(ctx)
	defer cancel()

	return e.shutdown(drainCtx, ctx)
}

// Close shuts the pool down at once, bounded by ctx, discarding jobs not yet
// gathered.
func (e *Evaluator) Close(ctx context.Context) error {
	_, err := e.shutdown(nil, ctx)

	return err
}

// shutdown lets running jobs finish until drainCtx is done, when not nil,
// then shuts the pool down and collects what it reports until ctx is done.
func (e *Evaluator) shutdown(drainCtx, ctx context.Context) ([]Job, error) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if drainCtx != nil {
		e.waitRunning(drainCtx)
	}

	shutdownErr := e.pool.Shutdown(ctx)

	e.waitRunning(ctx)

	e.mu.Lock()

	e.drainLocked()

	var leftover []JobID

	for id, j := range e.jobs {
		if !j.State.Terminal() {
			leftover = append(leftover, id)
		}
	}

	slices.Sort(leftover)

	end := e.sinceEpoch()

	for _, id := range leftover {
		j := e.jobs[id]
		j.State = JobCancelled
		j.Err = fmt.Errorf("%w: still running at shutdown", ErrJobCancelled)
		j.Failure = j.Err.Error()
		j.EndTime = end

		e.finished = append(e.finished, id)
	}

	jobs := e.takeLocked(len(e.finished))

	e.mu.Unlock()

	e.afterGather(jobs)

	if len(leftover) > 0 {
		e.logger.Warn("jobs cancelled at shutdown", "count", len(leftover))
	}

	return jobs, shutdownErr
}

// waitRunning absorbs outcomes until no job is pending or running, or ctx is
// done.
func (e *Evaluator) waitRunning(ctx context.Context) {
	for {
		e.mu.Lock()
		e.drainLocked()
		running := e.runningLocked()
		e.mu.Unlock()

		if running == 0 {
			return
		}

		select {
		case out := <-e.completions:
			e.mu.Lock()
			e.absorbLocked(append([]Outcome{out}, e.pollLocked()...))
			e.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// drainContext returns ctx shortened by a reserve for the pool shutdown: a
// tenth of what is left, at most maxShutdownReserve.
func drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}

	reserve := min(time.Until(deadline)/10, maxShutdownReserve)

	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

//////
// Internals. Methods suffixed Locked need e.mu held.
//////

func (e *Evaluator) sinceEpoch() time.Duration { return time.Since(e.epoch) }

// activeLocked counts the slots in use.
func (e *Evaluator) activeLocked() int {
	return e.runningLocked() + len(e.detached)
}

func (e *Evaluator) runningLocked() int {
	n := 0

	for _, j := range e.jobs {
		if !j.State.Terminal() {
			n++
		}
	}

	return n
}

// pollLocked reads every outcome already waiting on the channel.
func (e *Evaluator) pollLocked() []Outcome {
	var outs []Outcome

	for {
		select {
		case out := <-e.completions:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func (e *Evaluator) drainLocked() {
	if outs := e.pollLocked(); len(outs) > 0 {
		e.absorbLocked(outs)
	}
}

// absorbLocked applies one pass of outcomes. Outcomes of the same pass are
// queued by end time, then by job id.
func (e *Evaluator) absorbLocked(outs []Outcome) {
	slices.SortFunc(outs, func(a, b Outcome) int {
		if c := a.End.Compare(b.End); c != 0 {
			return c
		}

		return int(a.ID) - int(b.ID)
	})

	var released []JobID

	for _, out := range outs {
		if out.Released {
			released = append(released, out.ID)
			continue
		}

		if out.Detached {
			e.detached[out.ID] = struct{}{}
		}

		j, ok := e.jobs[out.ID]
		if !ok || j.State.Terminal() {
			e.logger.Debug("dropping outcome of unknown job", "job_id", out.ID)
			continue
		}

		if !out.Start.IsZero() {
			j.StartTime = out.Start.Sub(e.epoch)
		}

		if !out.End.IsZero() {
			j.EndTime = out.End.Sub(e.epoch)
		}

		err := out.Err
		if err == nil && (math.IsNaN(out.Result.Objective) || math.IsInf(out.Result.Objective, 0)) {
			err = fmt.Errorf("%w: non-finite objective %v", ErrJobFailed, out.Result.Objective)
		}

		switch {
		case err == nil:
			res := out.Result
			j.State = JobDone
			j.Result = &res
		case errors.Is(err, ErrJobCancelled):
			j.State = JobCancelled
			j.Err = err
			j.Failure = err.Error()
		default:
			j.State = JobFailed
			j.Err = err
			j.Failure = err.Error()
		}

		e.finished = append(e.finished, j.ID)
	}

	// A release always follows its detached outcome, possibly in this pass.
	for _, id := range released {
		delete(e.detached, id)
	}
}

// takeLocked removes the first n finished jobs and stamps their gather time.
func (e *Evaluator) takeLocked(n int) []Job {
	now := max(e.sinceEpoch(), e.lastGather)

	out := make([]Job, 0, n)

	for _, id := range e.finished[:n] {
		j := e.jobs[id]
		j.GatherTime = max(now, j.SubmitTime)

		if j.GatherTime > e.lastGather {
			e.lastGather = j.GatherTime
		}

		out = append(out, j.snapshot())

		delete(e.jobs, id)
	}

	e.finished = slices.Delete(e.finished, 0, n)

	return out
}

func (e *Evaluator) afterGather(jobs []Job) {
	for _, j := range jobs {
		l := e.logger.With("job_id", j.ID, "state", j.State.String())

		if j.State == JobDone {
			l.Debug("job gathered", "objective", j.Result.Objective)
		} else {
			l.Debug("job gathered", "failure", j.Failure)
		}

		e.recordOut(j)

		for _, cb := range e.callbacks {
			cb.OnDone(j)
		}
	}
}

//////
// Storage.
//////

func (e *Evaluator) recordIn(j Job) {
	if e.store == nil {
		return
	}

	ctx := context.Background()

	sid, err := e.store.CreateJob(ctx, e.searchID)
	if err != nil {
		e.logger.Warn("storage: create job", "job_id", j.ID, "error", err)
		return
	}

	e.mu.Lock()
	e.storeIDs[j.ID] = sid
	e.mu.Unlock()

	if err := e.store.StoreJobIn(ctx, sid, j.Config); err != nil {
		e.logger.Warn("storage: store input", "job_id", j.ID, "error", err)
	}
}

func (e *Evaluator) recordOut(j Job) {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	sid, ok := e.storeIDs[j.ID]
	delete(e.storeIDs, j.ID)
	e.mu.Unlock()

	if !ok {
		return
	}

	ctx := context.Background()

	var out any = "F_" + j.State.String()
	if j.State == JobDone {
		out = j.Result.Objective
	}

	if err := e.store.StoreJobOut(ctx, sid, out); err != nil {
		e.logger.Warn("storage: store output", "job_id", j.ID, "error", err)
	}

	md := map[string]any{
		"timestamp_submit": j.SubmitTime.Seconds(),
		"timestamp_gather": j.GatherTime.Seconds(),
		"timestamp_start":  j.StartTime.Seconds(),
		"timestamp_end":    j.EndTime.Seconds(),
	}

	if j.Failure != "" {
		md["failure"] = j.Failure
	}

	if j.Result != nil {
		for k, v := range j.Result.Metadata {
			md[k] = v
		}
	}

	for k, v := range md {
		if err := e.store.StoreJobMetadata(ctx, sid, k, v); err != nil {
			e.logger.Warn("storage: store metadata", "job_id", j.ID, "key", k, "error", err)
		}
	}
}
