package aho

import (
	"context"
	"math/rand"

	"golang.org/x/exp/constraints"
)

// Config is one point of the search space: a structured assignment of values
// to tunable variables. Values are float64, int or string depending on the
// parameter kind declared in the Space.
type Config map[string]any

// Clone returns a shallow copy of the configuration. Values are scalars, so a
// shallow copy is enough to detach the clone from the original.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}

	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}

	return out
}

// Result is what a black-box function returns for one configuration.
type Result struct {
	// Objective is the scalar value being maximized (or minimized, see
	// SearchOptions.Minimize).
	Objective float64

	// Metadata holds free-form values returned next to the objective. It is
	// carried to the output table and to storage, never to the model.
	Metadata map[string]any
}

// ObjectiveOnly wraps a bare objective value into a Result.
func ObjectiveOnly(v float64) Result {
	return Result{Objective: v}
}

// RunFunc is the black-box function contract. It receives one configuration
// and returns its objective, or an error. The function must not depend on
// caller-process global state: it may run in a separate goroutine or, through
// the subprocess transport, in a separate process.
//
// The context is cancelled when the per-job timeout elapses or when the
// evaluator is shut down. Well behaved functions return promptly after that.
//
// Usage example:
//
//	run := RunFunc(func(ctx context.Context, cfg Config) (Result, error) {
//	    x := cfg["x"].(float64)
//	    return ObjectiveOnly(-x * x), nil
//	})
type RunFunc func(ctx context.Context, cfg Config) (Result, error)

// Observation is the immutable (configuration, objective, metadata) record
// derived from a Done job. It is the unit consumed by a SurrogateModel.
//
// The Objective carried by an Observation is always "higher is better": a
// search that minimizes negates the raw objective before telling the model.
type Observation struct {
	JobID     JobID
	Config    Config
	Objective float64
	Metadata  map[string]any
}

// ObservationLog is the append-only sequence of observations told to the
// model, in gather order.
type ObservationLog []Observation

// Objectives returns the objective values of the log, in order.
func (l ObservationLog) Objectives() []float64 {
	out := make([]float64, len(l))
	for i, o := range l {
		out[i] = o.Objective
	}

	return out
}

// Replay tells every observation of the log to model, one at a time, in the
// order they were gathered. Replaying the log of a search into a fresh model
// reproduces the model state the search ended with.
func (l ObservationLog) Replay(model SurrogateModel) error {
	for _, o := range l {
		if err := model.Tell(o); err != nil {
			return err
		}
	}

	return nil
}

// ProgressUpdate represents the current state of a search. One update is
// sent for every gathered job when SearchOptions.ProgressChan is set.
type ProgressUpdate struct {
	// Phase is the search state name ("initializing", "running", ...).
	Phase string

	// CurrentIteration is the number of jobs accounted against the budget.
	CurrentIteration int

	// TotalIterations is the evaluation budget.
	TotalIterations int

	// JobID is the job that triggered this update.
	JobID JobID

	// CurrentConfig holds the configuration of that job.
	CurrentConfig Config

	// CurrentBestConfig holds the best configuration found so far.
	CurrentBestConfig Config

	// CurrentBestObjective holds the best raw objective found so far.
	CurrentBestObjective float64

	// LastObjective holds the raw objective of the job, NaN when it failed.
	LastObjective float64

	// InFlight is the number of jobs still pending or running.
	InFlight int
}

// ParameterRange defines the valid range for a numeric hyperparameter used by
// OptimizeHyperparameters. Each hyperparameter must have a minimum and maximum
// value to define its search space.
//
// Type Parameter:
//   - T: The numeric type for this parameter range (int64 or float64)
//
// Fields:
// - Min: The minimum (inclusive) value for this hyperparameter
// - Max: The maximum (inclusive) value for this hyperparameter
//
// Usage:
//
//	// Example 1: Buffer size range from 1KB to 1MB
//	bufferSizeRange := ParameterRange[int64]{
//	    Min: 1024,      // 1KB
//	    Max: 1048576,   // 1MB
//	}
//
//	// Example 2: Learning rate range from 0.0001 to 0.1
//	learningRateRange := ParameterRange[float64]{
//	    Min: 0.0001,
//	    Max: 0.1,
//	}
//
// Validation:
// - Min must be less than or equal to Max
// - The range is inclusive of both Min and Max values
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	// Min defines the minimum allowed value (inclusive) for this hyperparameter.
	Min T

	// Max defines the maximum allowed value (inclusive) for this hyperparameter.
	Max T
}

// BenchmarkFunc defines the signature for functions whose execution time is
// minimized by OptimizeHyperparameters.
//
// Parameters:
//   - params: Variable number of numeric parameters, one per ParameterRange
//     given to OptimizeHyperparameters, in the same order.
//
// Returns:
// - error: Return nil if the benchmark succeeded, or an error if it failed.
// A failed benchmark is recorded as a failed job and never told to the model.
type BenchmarkFunc[T constraints.Integer | constraints.Float] func(params ...T) error

// AcquisitionFunc defines the signature for acquisition functions used by the
// Gaussian process surrogate to rank candidate points.
//
// Parameters:
// - mean: The predicted loss at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - UCB: Upper Confidence Bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ExpectedImprovement: Expected magnitude of improvement
// - ThompsonSampling: Random sampling from posterior
//
// Implementation notes for custom acquisition functions:
// - Should handle edge cases (zero variance, extreme means)
// - Should return lower values for more promising points
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by the acquisition functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off in UCB.
	// - Higher values (e.g., 3.0 or 5.0) encourage more exploration
	// - Lower values (e.g., 0.1 or 0.5) focus more on exploiting known good areas
	Beta float64

	// Xi is the minimum improvement requested by PI and EI.
	// Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the lowest loss observed so far. The surrogate refreshes it
	// before every suggestion.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// The surrogate sets it to the search's generator before every suggestion.
	RandomState *rand.Rand
}

// OptimizationConfig holds the configuration of OptimizeHyperparameters.
//
// Usage example:
//
//	config := OptimizationConfig{
//	    Iterations:      50,
//	    InitialSamples:  10,
//	    NumCandidates:   100,
//	    NumWorkers:      4,
//	    AcquisitionFunc: ExpectedImprovement,
//	    AcqParams: AcquisitionParams{
//	        Xi: 0.01,
//	    },
//	}
//
// Performance impact notes:
// - Total evaluations = InitialSamples + Iterations
// - Higher NumCandidates = better per-suggestion results but slower asks
// - NumWorkers > 1 evaluates that many benchmarks concurrently, which skews
// timings of CPU bound benchmarks
type OptimizationConfig struct {
	// Iterations determines how many model-guided evaluations run after the
	// initial sampling phase.
	Iterations int

	// InitialSamples determines how many random points are evaluated before
	// the model is consulted.
	InitialSamples int

	// NumCandidates determines how many random candidates the surrogate ranks
	// per suggestion.
	NumCandidates int

	// NumWorkers is the number of benchmarks evaluated concurrently.
	// Values below 1 mean 1.
	NumWorkers int

	// AcquisitionFunc determines the strategy for selecting the next point.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the parameters for the acquisition function.
	AcqParams AcquisitionParams

	// ProgressChan is used to send progress updates during optimization.
	// If nil, no updates will be sent.
	ProgressChan chan<- ProgressUpdate
}
