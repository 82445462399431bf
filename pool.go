package aho

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

//////
// Const, vars, types.
//////

// Request is the unit of work handed to a WorkerPool.
type Request struct {
	ID     JobID
	Config Config
}

// Outcome is what a WorkerPool delivers once a request stops executing.
// Err is nil on success; otherwise it wraps ErrJobFailed, ErrJobTimeout or
// ErrJobCancelled.
type Outcome struct {
	ID     JobID
	Result Result
	Err    error
	Start  time.Time
	End    time.Time

	// Detached is set when the outcome is reported while the execution keeps
	// running, such as a function ignoring its cancelled context. Its slot stays
	// taken until a Released outcome with the same ID follows.
	Detached bool

	// Released only signals that a detached execution returned and freed its
	// slot. It carries no result.
	Released bool
}

// WorkerPool owns a fixed number of concurrent execution slots.
//
// Contract:
//   - Dispatch does not block on the execution, except in the serial
//     transport which runs it inline. Exactly one Outcome per request is
//     eventually sent on done, followed by a Released one when it was
//     Detached.
//   - A slot is released before its Outcome is sent, so AcquireCapacity never
//     under-reports what the caller observed as finished. The exception is a
//     Detached outcome: the slot is released before the Released one.
//   - At most NumWorkers executions run at once, detached ones included.
//   - Failures of the black-box function (error, panic, crash, timeout) are
//     Outcomes, never faults of the pool.
//   - Shutdown cancels running work and waits for it, bounded by ctx. Work
//     that could not be waited for is reported with ErrWorkersAbandoned.
type WorkerPool interface {
	NumWorkers() int
	AcquireCapacity() bool
	Dispatch(req Request, done chan<- Outcome)
	Shutdown(ctx context.Context) error
}

// PoolFactory builds a WorkerPool for a transport. run is nil for transports
// that do not execute in-process functions.
type PoolFactory func(run RunFunc, opts EvaluatorOptions) (WorkerPool, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]PoolFactory{
		"serial":     newSerialPool,
		"thread":     newThreadPool,
		"subprocess": newSubprocessPool,
	}
)

//////
// Registry.
//////

// RegisterTransport makes a worker pool available to NewEvaluator under name.
// Registering an existing name replaces it.
func RegisterTransport(name string, factory PoolFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	transports[name] = factory
}

// Transports returns the registered transport names, sorted.
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()

	names := make([]string, 0, len(transports))
	for n := range transports {
		names = append(names, n)
	}

	slices.Sort(names)

	return names
}

func lookupTransport(name string) (PoolFactory, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()

	f, ok := transports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, Transports())
	}

	return f, nil
}

//////
// Helpers shared by the in-process transports.
//////

// safeRun calls run and turns errors and panics into ErrJobFailed.
func safeRun(ctx context.Context, run RunFunc, cfg Config) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", ErrJobFailed, r, debug.Stack())
		}
	}()

	res, err = run(ctx, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrJobFailed, err)
	}

	return res, nil
}

// classify maps the context state of an execution onto the outcome error.
// parent is the pool context, cancelled at shutdown; ctx is the per-job one.
func classify(parent, ctx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %w", ErrJobCancelled, parent.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrJobTimeout, ctx.Err())
	default:
		return err
	}
}

func jobContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}

	return context.WithCancel(parent)
}
