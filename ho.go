package aho

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

//////
// Exported functionalities.
//////

// DefaultConfig returns a default configuration.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		Iterations:      50,
		InitialSamples:  10,
		NumCandidates:   50,
		NumWorkers:      1,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			Beta:        2.0,
			RandomState: rand.New(rand.NewSource(time.Now().UnixNano())),
			Xi:          0.01,
		},
		ProgressChan: nil, // Default to no progress updates.
	}
}

// OptimizeHyperparameters uses Bayesian optimization to find the parameters
// for which benchmarkFunc runs the fastest. It is a thin layer over Search:
// every call of benchmarkFunc is a job, its wall-clock duration is the
// objective to minimize, and a Gaussian process surrogate picks the next
// parameters to try.
//
// Type Parameter:
//   - T: The numeric type for parameters (int64 or float64)
//
// Parameters:
// - config: OptimizationConfig controlling the optimization process
// - benchmarkFunc: The function whose parameters you want to optimize
// - hypers: One or more ParameterRange defining the search space
//
// Returns:
// - []T: The best parameters found (in same order as hypers). All zeros when
// no benchmark succeeded or a range is invalid.
//
// Usage example:
//
//	// Integer optimization example
//	ranges := []ParameterRange[int64]{
//	    {Min: 1024, Max: 1048576},  // Buffer size (1KB to 1MB)
//	    {Min: 1, Max: 32},          // Worker count
//	}
//
//	intBenchmark := BenchmarkFunc[int64](func(params ...int64) error {
//	    bufferSize := params[0]
//	    workerCount := params[1]
//	    return runWorkload(bufferSize, workerCount)
//	})
//
//	bestIntParams := OptimizeHyperparameters(
//	    DefaultConfig(),
//	    intBenchmark,
//	    ranges...,
//	)
//
// How it works:
// 1. Evaluates InitialSamples random points
// 2. Then, until InitialSamples + Iterations benchmarks ran:
//   - Ranks NumCandidates points with the Gaussian process and AcquisitionFunc
//   - Evaluates the most promising one, NumWorkers at a time
//   - Tells the model the measured duration as soon as it is known
//
// 3. Returns the fastest parameters found
//
// Important notes:
// - A benchmark returning an error is recorded as failed and never told to
// the model.
// - Safe to call concurrently with different configs.
func OptimizeHyperparameters[T constraints.Integer | constraints.Float](
	config OptimizationConfig,
	benchmarkFunc BenchmarkFunc[T],
	hypers ...ParameterRange[T],
) []T {
	best := make([]T, len(hypers))

	if len(hypers) == 0 {
		return best
	}

	logger := slog.Default()

	space, err := rangesToSpace(hypers)
	if err != nil {
		logger.Error("invalid parameter range", "error", err)

		return best
	}

	run := func(_ context.Context, cfg Config) (Result, error) {
		params := configToParams[T](cfg, len(hypers))

		start := time.Now()
		err := benchmarkFunc(params...)

		return ObjectiveOnly(time.Since(start).Seconds()), err
	}

	ev, err := NewEvaluator("thread", run, EvaluatorOptions{NumWorkers: max(config.NumWorkers, 1), Logger: logger})
	if err != nil {
		logger.Error("create evaluator", "error", err)

		return best
	}

	model := NewGaussianProcessSurrogate(space,
		WithAcquisition(config.AcquisitionFunc, config.AcqParams),
		WithNumCandidates(config.NumCandidates),
	)

	opts := DefaultSearchOptions()
	opts.InitialSamples = config.InitialSamples
	opts.Minimize = true
	opts.ProgressChan = config.ProgressChan
	opts.Logger = logger

	if config.AcqParams.RandomState != nil {
		opts.Seed = config.AcqParams.RandomState.Int63()
	}

	search, err := NewSearch(space, model, ev, opts)
	if err != nil {
		logger.Error("create search", "error", err)
		ev.Close(context.Background())

		return best
	}

	results, err := search.Run(context.Background(), config.InitialSamples+config.Iterations, 0)
	if err != nil {
		logger.Error("search aborted", "error", err)
	}

	if results == nil {
		return best
	}

	if rec, ok := results.Best(); ok {
		best = configToParams[T](rec.Config, len(hypers))
	}

	return best
}

//////
// Helpers.
//////

func paramName(i int) string { return fmt.Sprintf("p%d", i) }

func isIntegerType[T constraints.Integer | constraints.Float]() bool {
	half := 0.5

	return T(half) == 0
}

func rangesToSpace[T constraints.Integer | constraints.Float](hypers []ParameterRange[T]) (*Space, error) {
	space := NewSpace()
	kind := KindFloat

	if isIntegerType[T]() {
		kind = KindInt
	}

	for i, h := range hypers {
		if err := space.AddParam(Param{
			Name: paramName(i),
			Kind: kind,
			Low:  float64(h.Min),
			High: float64(h.Max),
		}); err != nil {
			return nil, err
		}
	}

	return space, nil
}

func configToParams[T constraints.Integer | constraints.Float](cfg Config, n int) []T {
	params := make([]T, n)

	for i := range params {
		switch v := cfg[paramName(i)].(type) {
		case int:
			params[i] = T(v)
		case float64:
			params[i] = T(v)
		}
	}

	return params
}
