package aho

import (
	"context"
	"fmt"
	"time"
)

// serialPool executes each request inline, inside Dispatch, one after the
// other. It has a single slot and makes runs fully deterministic for a given
// seed, which is what it is for. A job exceeding its timeout is reported as
// timed out once the function returns.
type serialPool struct {
	run     RunFunc
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func newSerialPool(run RunFunc, opts EvaluatorOptions) (WorkerPool, error) {
	if run == nil {
		return nil, fmt.Errorf("serial transport needs a run function")
	}

	if opts.NumWorkers > 1 {
		return nil, fmt.Errorf("serial transport runs one job at a time, got num_workers=%d", opts.NumWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &serialPool{run: run, timeout: opts.JobTimeout, ctx: ctx, cancel: cancel}, nil
}

func (p *serialPool) NumWorkers() int { return 1 }

func (p *serialPool) AcquireCapacity() bool { return p.ctx.Err() == nil }

func (p *serialPool) Dispatch(req Request, done chan<- Outcome) {
	ctx, cancel := jobContext(p.ctx, p.timeout)
	defer cancel()

	out := Outcome{ID: req.ID, Start: time.Now()}

	res, err := safeRun(ctx, p.run, req.Config)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		out.Err = classify(p.ctx, ctx, err)
	} else {
		out.Result = res
	}

	out.End = time.Now()
	done <- out
}

func (p *serialPool) Shutdown(context.Context) error {
	p.cancel()

	return nil
}
