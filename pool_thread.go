package aho

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// threadPool runs every request in its own goroutine, at most numWorkers at
// a time.
//
// A goroutine cannot be killed: when a job exceeds its timeout, or the pool
// is shut down, the outcome is reported right away as Detached while the
// function keeps running with a cancelled context. Its slot is only freed,
// and a Released outcome sent, once the function returns.
type threadPool struct {
	run     RunFunc
	timeout time.Duration
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	live atomic.Int64
	wg   sync.WaitGroup
}

func newThreadPool(run RunFunc, opts EvaluatorOptions) (WorkerPool, error) {
	if run == nil {
		return nil, fmt.Errorf("thread transport needs a run function")
	}

	if opts.NumWorkers < 1 {
		return nil, fmt.Errorf("thread transport needs num_workers >= 1, got %d", opts.NumWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &threadPool{
		run:     run,
		timeout: opts.JobTimeout,
		sem:     make(chan struct{}, opts.NumWorkers),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (p *threadPool) NumWorkers() int { return cap(p.sem) }

func (p *threadPool) AcquireCapacity() bool {
	return p.ctx.Err() == nil && len(p.sem) < cap(p.sem)
}

func (p *threadPool) Dispatch(req Request, done chan<- Outcome) {
	if p.ctx.Err() != nil {
		now := time.Now()
		done <- Outcome{ID: req.ID, Err: fmt.Errorf("%w: pool shut down", ErrJobCancelled), Start: now, End: now}

		return
	}

	select {
	case p.sem <- struct{}{}:
	default:
		now := time.Now()
		done <- Outcome{ID: req.ID, Err: fmt.Errorf("%w: %w", ErrJobFailed, ErrCapacityExceeded), Start: now, End: now}

		return
	}

	p.live.Add(1)
	p.wg.Add(1)

	go p.execute(req, done)
}

func (p *threadPool) execute(req Request, done chan<- Outcome) {
	ctx, cancel := jobContext(p.ctx, p.timeout)
	defer cancel()

	type ret struct {
		res Result
		err error
	}

	ch := make(chan ret, 1)
	start := time.Now()

	go func() {
		defer p.wg.Done()
		defer p.live.Add(-1)

		res, err := safeRun(ctx, p.run, req.Config)
		ch <- ret{res: res, err: err}
	}()

	out := Outcome{ID: req.ID, Start: start}

	select {
	case r := <-ch:
		out.Result = r.res
		if r.err != nil {
			out.Err = classify(p.ctx, ctx, r.err)
		}

		out.End = time.Now()

		<-p.sem
		done <- out

		return
	case <-ctx.Done():
	}

	out.Err = classify(p.ctx, ctx, ctx.Err())
	out.End = time.Now()
	out.Detached = true
	done <- out

	<-ch
	<-p.sem
	done <- Outcome{ID: req.ID, Released: true, End: time.Now()}
}

func (p *threadPool) Shutdown(ctx context.Context) error {
	p.cancel()

	waited := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d executions still running", ErrWorkersAbandoned, p.live.Load())
	}
}
