package aho

import (
	"time"
)

// JobID identifies a job within one Evaluator. Ids start at 1, grow by one
// per submission and are never reused.
type JobID int

// JobState is the lifecycle state of a job.
type JobState int

const (
	JobPending   JobState = iota // Accepted by Submit, not yet handed to the pool
	JobRunning                   // Dispatched to the pool
	JobDone                      // Finished with a result
	JobFailed                    // Returned an error, panicked, crashed or timed out
	JobCancelled                 // Cancelled at shutdown
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Done, Failed or Cancelled.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// Job is one scheduled evaluation of the black-box function. Jobs are owned by
// the Evaluator; callers only ever see value snapshots.
type Job struct {
	ID     JobID
	Config Config
	State  JobState

	// SubmitTime and GatherTime are measured from the evaluator's epoch.
	SubmitTime time.Duration
	GatherTime time.Duration

	// StartTime and EndTime delimit the execution as reported by the worker
	// pool, measured from the evaluator's epoch. Zero when unknown.
	StartTime time.Duration
	EndTime   time.Duration

	// Result is set only when State is JobDone.
	Result *Result

	// Failure and Err are set only when State is JobFailed or JobCancelled.
	Failure string
	Err     error
}

// Observation converts a Done job into the record a model consumes. The
// second return value is false for any other state.
func (j Job) Observation() (Observation, bool) {
	if j.State != JobDone || j.Result == nil {
		return Observation{}, false
	}

	return Observation{
		JobID:     j.ID,
		Config:    j.Config.Clone(),
		Objective: j.Result.Objective,
		Metadata:  cloneMetadata(j.Result.Metadata),
	}, true
}

func (j *Job) snapshot() Job {
	out := *j
	out.Config = j.Config.Clone()

	if j.Result != nil {
		r := *j.Result
		r.Metadata = cloneMetadata(j.Result.Metadata)
		out.Result = &r
	}

	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
