package aho

import "errors"

//////
// Error taxonomy.
//////

var (
	// ErrCapacityExceeded is returned by Submit when the number of pending and
	// running jobs already equals the concurrency limit. Recoverable: gather
	// and retry.
	ErrCapacityExceeded = errors.New("aho: capacity exceeded")

	// ErrJobFailed marks a job whose black-box function returned an error,
	// panicked, or whose worker crashed. It is recorded on the job, never
	// returned from Search.Run.
	ErrJobFailed = errors.New("aho: job failed")

	// ErrJobTimeout marks a job that exceeded the per-job timeout.
	ErrJobTimeout = errors.New("aho: job timed out")

	// ErrJobCancelled marks a job cancelled at shutdown.
	ErrJobCancelled = errors.New("aho: job cancelled")

	// ErrModelFitting is returned by a SurrogateModel that cannot fit or
	// suggest. The search falls back to random sampling for that suggestion.
	ErrModelFitting = errors.New("aho: model fitting failed")

	// ErrInvalidConfiguration is returned when a configuration is rejected by
	// the ConfigurationSpace.
	ErrInvalidConfiguration = errors.New("aho: invalid configuration")

	// ErrSearchAborted wraps the unrecoverable controller-level error that
	// moved a search to the Aborted state.
	ErrSearchAborted = errors.New("aho: search aborted")

	// ErrNoPendingJobs is returned by Gather when nothing is outstanding.
	ErrNoPendingJobs = errors.New("aho: no pending jobs")

	// ErrUnknownTransport is returned when no worker pool is registered under
	// the requested method name.
	ErrUnknownTransport = errors.New("aho: unknown transport")

	// ErrWorkersAbandoned is returned by a pool Shutdown that could not wait
	// for every execution to return.
	ErrWorkersAbandoned = errors.New("aho: workers abandoned")

	// ErrSearchStopped is the Results.Reason of a search ended by an early
	// stopping callback. It is not returned from Run.
	ErrSearchStopped = errors.New("aho: search stopped")

	// ErrEvaluatorClosed is returned by Submit after Cancel or Close.
	ErrEvaluatorClosed = errors.New("aho: evaluator closed")
)
