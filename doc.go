// Package aho provides asynchronous hyperparameter optimization: it evaluates
// an expensive black-box function on many configurations at once, across a
// pool of workers, and lets a sequential model-based optimizer pick the next
// configurations as results come back, in whatever order they finish.
//
// # Features
//
// The package includes the following key features:
//
//   - Ask-tell search loop: every worker is kept busy; each outcome is told
//     to the model as soon as it is gathered
//   - Constant liar: in-flight configurations are shown to the model with a
//     provisional objective, so concurrent suggestions spread out
//   - Pluggable models: a Gaussian process surrogate with UCB, PI, EI and
//     Thompson Sampling acquisition, and a random baseline
//   - Pluggable transports: serial, goroutine and subprocess worker pools,
//     more via RegisterTransport
//   - Failure isolation: errors, panics, crashes and timeouts of the
//     black-box function are failed jobs, never a failed search
//   - Job storage in memory or SQLite, callbacks, early stopping, YAML
//     search files
//
// # Installation
//
// To install the package, use:
//
//	go get github.com/thalesfsp/aho
//
// # Quick start
//
//	space := aho.NewSpace().
//	    AddFloat("x", -10, 10).
//	    AddCategorical("activation", "relu", "tanh")
//
//	run := func(ctx context.Context, cfg aho.Config) (aho.Result, error) {
//	    x := cfg["x"].(float64)
//	    return aho.ObjectiveOnly(-x * x), nil
//	}
//
//	ev, err := aho.NewEvaluator("thread", run, aho.EvaluatorOptions{NumWorkers: 4})
//	if err != nil {
//	    return err
//	}
//
//	search, err := aho.NewSearch(space, aho.NewGaussianProcessSurrogate(space), ev, aho.DefaultSearchOptions())
//	if err != nil {
//	    return err
//	}
//
//	results, err := search.Run(ctx, 100, 0)
//
// The results hold one row per gathered job. Results.WriteCSV writes them
// with the columns p:<name> for every parameter, job_id, objective,
// timestamp_submit, timestamp_gather, status and failure.
//
// # Acquisition Functions
//
// The Gaussian process surrogate ranks candidates with one of four
// acquisition functions:
//
//  1. Upper Confidence Bound (UCB), the default, controlled by Beta (higher =
//     more exploration)
//  2. Probability of Improvement (PI), conservative, controlled by Xi
//  3. Expected Improvement (EI), controlled by Xi
//  4. Thompson Sampling, no parameter
//
//	model := aho.NewGaussianProcessSurrogate(space,
//	    aho.WithAcquisition(aho.ExpectedImprovement, aho.AcquisitionParams{Xi: 0.01}),
//	)
//
// # Benchmark tuning
//
// OptimizeHyperparameters is the one-call entry point: it
// finds the numeric parameters for which a benchmark function runs the
// fastest.
//
//	best := aho.OptimizeHyperparameters(aho.DefaultConfig(), benchmark,
//	    aho.ParameterRange[int]{Min: 1, Max: 100},
//	)
//
// # Thread Safety
//
// Submit never waits for a slot, though the serial transport evaluates inline
// and storage writes happen inside it. Gather, Cancel and Close wait for
// outcomes. Worker pools hand outcomes to the Evaluator on a channel it owns,
// and only the Evaluator mutates jobs. The model is only used by the
// goroutine running Search.Run, so models need no locking.
package aho
