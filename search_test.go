package aho

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func negSquare(_ context.Context, cfg Config) (Result, error) {
	x := cfg["x"].(float64)

	return ObjectiveOnly(-x * x), nil
}

func newTestSearch(t *testing.T, method string, workers int, run RunFunc, model SurrogateModel, space ConfigurationSpace, opts SearchOptions) *Search {
	t.Helper()

	ev, err := NewEvaluator(method, run, EvaluatorOptions{NumWorkers: workers})
	require.NoError(t, err)

	s, err := NewSearch(space, model, ev, opts)
	require.NoError(t, err)

	return s
}

func testOptions(seed int64) SearchOptions {
	opts := DefaultSearchOptions()
	opts.Seed = seed
	opts.InitialSamples = 5

	return opts
}

func TestSearchQuadratic(t *testing.T) {
	space := NewSpace().AddFloat("x", -10, 10)
	s := newTestSearch(t, "thread", 2, negSquare, NewGaussianProcessSurrogate(space), space, testOptions(42))

	results, err := s.Run(context.Background(), 100, 0)
	require.NoError(t, err)

	assert.Equal(t, SearchCompleted, results.State)
	assert.Equal(t, SearchCompleted, s.State())
	assert.NoError(t, results.Reason)
	require.Equal(t, 100, results.Len())
	assert.Empty(t, results.Cancelled)

	seen := make(map[JobID]bool)
	for _, r := range results.Records {
		seen[r.JobID] = true

		assert.Equal(t, JobDone, r.Status)
		assert.GreaterOrEqual(t, r.GatherTime, r.SubmitTime)
	}

	for id := JobID(1); id <= 100; id++ {
		assert.True(t, seen[id], "missing job %d", id)
	}

	best, ok := results.Best()
	require.True(t, ok)
	assert.GreaterOrEqual(t, *best.Objective, -0.5)

	assert.Len(t, s.Observations(), 100)
	assert.NotEmpty(t, results.RunID)
}

func TestSearchFailureIsolation(t *testing.T) {
	run := func(ctx context.Context, cfg Config) (Result, error) {
		if cfg["x"].(float64) < 0 {
			return Result{}, errors.New("negative input")
		}

		return negSquare(ctx, cfg)
	}

	space := NewSpace().AddFloat("x", -10, 10)
	s := newTestSearch(t, "thread", 3, run, NewGaussianProcessSurrogate(space), space, testOptions(7))

	results, err := s.Run(context.Background(), 30, 0)
	require.NoError(t, err)

	assert.Equal(t, 30, results.Len())
	assert.NotEmpty(t, results.Failed())
	assert.Len(t, s.Observations(), len(results.Done()))

	for _, r := range results.Failed() {
		assert.Nil(t, r.Objective)
		assert.Contains(t, r.Failure, "negative input")
	}

	for _, o := range s.Observations() {
		assert.GreaterOrEqual(t, o.Config["x"].(float64), 0.0)
	}
}

func TestSearchMinimize(t *testing.T) {
	run := func(_ context.Context, cfg Config) (Result, error) {
		x := cfg["x"].(float64)
		return ObjectiveOnly(x * x), nil
	}

	space := NewSpace().AddFloat("x", -10, 10)

	opts := testOptions(11)
	opts.Minimize = true

	s := newTestSearch(t, "thread", 2, run, NewGaussianProcessSurrogate(space), space, opts)

	results, err := s.Run(context.Background(), 60, 0)
	require.NoError(t, err)

	best, ok := results.Best()
	require.True(t, ok)
	assert.LessOrEqual(t, *best.Objective, 1.0)

	// The model was told negated objectives; rows keep the raw ones.
	for _, o := range s.Observations() {
		assert.LessOrEqual(t, o.Objective, 0.0)
	}

	for _, r := range results.Done() {
		assert.GreaterOrEqual(t, *r.Objective, 0.0)
	}
}

func TestSearchTimeout(t *testing.T) {
	run := func(ctx context.Context, cfg Config) (Result, error) {
		time.Sleep(20 * time.Millisecond)
		return negSquare(ctx, cfg)
	}

	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "thread", 2, run, NewRandomSurrogate(space), space, testOptions(1))

	start := time.Now()

	results, err := s.Run(context.Background(), 1000, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, SearchCompleted, results.State)
	assert.ErrorIs(t, results.Reason, context.DeadlineExceeded)
	assert.Less(t, results.Len(), 1000)
	assert.Greater(t, results.Len(), 0)
}

func TestSearchContextCancelAborts(t *testing.T) {
	run := func(ctx context.Context, cfg Config) (Result, error) {
		time.Sleep(5 * time.Millisecond)
		return negSquare(ctx, cfg)
	}

	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "thread", 2, run, NewRandomSurrogate(space), space, testOptions(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := s.Run(ctx, -1, 0)
	assert.ErrorIs(t, err, ErrSearchAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NotNil(t, results)
	assert.Equal(t, SearchAborted, results.State)
	assert.Greater(t, results.Len(), 0)
}

func TestSearchDrainsInFlightJobsWithinGracePeriod(t *testing.T) {
	run := func(ctx context.Context, cfg Config) (Result, error) {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}

		return negSquare(ctx, cfg)
	}

	opts := testOptions(1)
	opts.GracePeriod = 5 * time.Second

	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "thread", 2, run, NewRandomSurrogate(space), space, opts)

	// The jobs outlive the run but not the grace period.
	results, err := s.Run(context.Background(), 100, 30*time.Millisecond)
	require.NoError(t, err)

	assert.ErrorIs(t, results.Reason, context.DeadlineExceeded)
	assert.Empty(t, results.Cancelled)
	require.Equal(t, 2, results.Len())

	for _, r := range results.Records {
		assert.Equal(t, JobDone, r.Status)
		assert.NotNil(t, r.Objective)
	}
}

func TestSearchCancelsJobsOutlivingGracePeriod(t *testing.T) {
	run := func(ctx context.Context, cfg Config) (Result, error) {
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}

		return negSquare(ctx, cfg)
	}

	opts := testOptions(1)
	opts.GracePeriod = 50 * time.Millisecond

	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "thread", 2, run, NewRandomSurrogate(space), space, opts)

	start := time.Now()

	results, err := s.Run(context.Background(), 100, 30*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, results.Len())
	assert.ElementsMatch(t, []JobID{1, 2}, results.Cancelled)
}

// concurrency wraps a run function and records how many calls overlap at
// most.
type concurrency struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (c *concurrency) wrap(run RunFunc) RunFunc {
	return func(ctx context.Context, cfg Config) (Result, error) {
		n := c.cur.Add(1)
		defer c.cur.Add(-1)

		for {
			p := c.peak.Load()
			if n <= p || c.peak.CompareAndSwap(p, n) {
				break
			}
		}

		return run(ctx, cfg)
	}
}

func TestSearchNeverExceedsNumWorkers(t *testing.T) {
	c := &concurrency{}

	run := c.wrap(func(ctx context.Context, cfg Config) (Result, error) {
		time.Sleep(2 * time.Millisecond)
		return negSquare(ctx, cfg)
	})

	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "thread", 4, run, NewRandomSurrogate(space), space, testOptions(1))

	results, err := s.Run(context.Background(), 40, 0)
	require.NoError(t, err)
	assert.Equal(t, 40, results.Len())

	assert.LessOrEqual(t, c.peak.Load(), int64(4))
	assert.Positive(t, c.peak.Load())
}

func TestSearchNeverExceedsNumWorkersWithJobTimeout(t *testing.T) {
	c := &concurrency{}

	// Ignores its context, so every call outlives its timeout.
	run := c.wrap(func(_ context.Context, _ Config) (Result, error) {
		time.Sleep(30 * time.Millisecond)
		return ObjectiveOnly(1), nil
	})

	ev, err := NewEvaluator("thread", run, EvaluatorOptions{NumWorkers: 2, JobTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	space := NewSpace().AddFloat("x", -1, 1)

	s, err := NewSearch(space, NewRandomSurrogate(space), ev, testOptions(1))
	require.NoError(t, err)

	results, err := s.Run(context.Background(), 10, 0)
	require.NoError(t, err)

	assert.Equal(t, SearchCompleted, results.State)
	require.Equal(t, 10, results.Len())

	for _, r := range results.Records {
		assert.Equal(t, JobFailed, r.Status)
		assert.Contains(t, r.Failure, ErrJobTimeout.Error())
	}

	assert.LessOrEqual(t, c.peak.Load(), int64(2))
}

func TestSearchKeepsEveryWorkerBusy(t *testing.T) {
	const workers, budget = 3, 8

	pool := &fakePool{n: workers}

	ev, err := NewEvaluatorWithPool(pool, EvaluatorOptions{})
	require.NoError(t, err)

	space := NewSpace().AddFloat("x", -1, 1)

	s, err := NewSearch(space, NewRandomSurrogate(space), ev, testOptions(1))
	require.NoError(t, err)

	type ran struct {
		results *Results
		err     error
	}

	done := make(chan ran, 1)

	go func() {
		results, err := s.Run(context.Background(), budget, 0)
		done <- ran{results, err}
	}()

	// Every time a job finishes, its slot is refilled while budget remains.
	for finished := 0; finished < budget; finished++ {
		want := min(workers, budget-finished)

		require.Eventually(t, func() bool { return pool.outstanding() == want }, 5*time.Second, time.Millisecond)

		pool.finishNext()
	}

	var r ran

	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search did not end")
	}

	require.NoError(t, r.err)
	assert.Equal(t, budget, r.results.Len())

	pool.mu.Lock()
	defer pool.mu.Unlock()

	assert.Equal(t, workers, pool.peak)
	assert.Len(t, pool.requests, budget)
}

// failingModel fails Tell after a number of observations, or Suggest always.
type failingModel struct {
	RandomSurrogate
	tellAfter  int
	suggestErr error
	invalid    bool
}

func (m *failingModel) Tell(obs ...Observation) error {
	if m.tellAfter > 0 && m.Len()+len(obs) > m.tellAfter {
		return errors.New("model corrupted")
	}

	return m.RandomSurrogate.Tell(obs...)
}

func (m *failingModel) Suggest(rng *rand.Rand, overlay []Observation) (Config, error) {
	if m.suggestErr != nil {
		return nil, m.suggestErr
	}

	if m.invalid {
		return Config{"x": 100.0}, nil
	}

	return m.RandomSurrogate.Suggest(rng, overlay)
}

func TestSearchAbortsOnTellFailure(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	model := &failingModel{RandomSurrogate: *NewRandomSurrogate(space), tellAfter: 3}

	s := newTestSearch(t, "serial", 1, negSquare, model, space, testOptions(1))

	results, err := s.Run(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrSearchAborted)
	assert.Contains(t, err.Error(), "model corrupted")

	require.NotNil(t, results)
	assert.Equal(t, SearchAborted, results.State)
	assert.Equal(t, 4, results.Len())
	assert.Len(t, s.Observations(), 3)
}

func TestSearchFallsBackOnFittingError(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	model := &failingModel{RandomSurrogate: *NewRandomSurrogate(space), suggestErr: ErrModelFitting}

	opts := testOptions(1)
	opts.InitialSamples = 0

	s := newTestSearch(t, "thread", 2, negSquare, model, space, opts)

	results, err := s.Run(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, results.Len())
}

func TestSearchAbortsOnSuggestError(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	model := &failingModel{RandomSurrogate: *NewRandomSurrogate(space), suggestErr: errors.New("no more ideas")}

	opts := testOptions(1)
	opts.InitialSamples = 2

	s := newTestSearch(t, "serial", 1, negSquare, model, space, opts)

	results, err := s.Run(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrSearchAborted)
	assert.Equal(t, 2, results.Len())
}

func TestSearchResamplesInvalidSuggestions(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	model := &failingModel{RandomSurrogate: *NewRandomSurrogate(space), invalid: true}

	opts := testOptions(1)
	opts.InitialSamples = 0
	opts.MaxResample = 2

	s := newTestSearch(t, "thread", 2, negSquare, model, space, opts)

	results, err := s.Run(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Equal(t, 5, results.Len())

	for _, r := range results.Records {
		assert.NoError(t, space.Validate(r.Config))
	}
}

// spyModel records the overlay sizes it is given.
type spyModel struct {
	RandomSurrogate

	mu       sync.Mutex
	overlays []int
}

func (m *spyModel) Suggest(rng *rand.Rand, overlay []Observation) (Config, error) {
	m.mu.Lock()
	m.overlays = append(m.overlays, len(overlay))
	m.mu.Unlock()

	return m.RandomSurrogate.Suggest(rng, overlay)
}

func (m *spyModel) Predict(Config) (float64, float64, error) { return 0, 1, nil }

func TestSearchLiesAboutInFlightConfigurations(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	model := &spyModel{RandomSurrogate: *NewRandomSurrogate(space)}

	opts := testOptions(1)
	opts.InitialSamples = 0
	opts.Liar = LiarBeliever

	s := newTestSearch(t, "thread", 3, negSquare, model, space, opts)

	results, err := s.Run(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, results.Len())

	// Each ask of the first batch sees the configurations picked before it.
	assert.Equal(t, []int{0, 1, 2}, model.overlays)

	// Lies are never told.
	assert.Equal(t, 3, model.Len())
}

func TestSearchReplayIsDeterministic(t *testing.T) {
	space := NewSpace().AddFloat("x", -10, 10).AddInt("n", 1, 5)

	run := func(_ context.Context, cfg Config) (Result, error) {
		x := cfg["x"].(float64)
		return ObjectiveOnly(-x*x - float64(cfg["n"].(int))), nil
	}

	runOnce := func() (*Results, *Search, *GaussianProcessSurrogate) {
		model := NewGaussianProcessSurrogate(space, WithNumCandidates(30))
		s := newTestSearch(t, "serial", 1, run, model, space, testOptions(99))

		results, err := s.Run(context.Background(), 15, 0)
		require.NoError(t, err)

		return results, s, model
	}

	r1, s1, m1 := runOnce()
	r2, _, _ := runOnce()

	// Same seed, serial evaluation: same configurations.
	for i := range r1.Records {
		assert.Equal(t, r1.Records[i].Config, r2.Records[i].Config)
	}

	fresh := NewGaussianProcessSurrogate(space, WithNumCandidates(30))
	require.NoError(t, s1.Observations().Replay(fresh))
	assert.Equal(t, m1.Len(), fresh.Len())

	a, err := m1.Suggest(rand.New(rand.NewSource(5)), nil)
	require.NoError(t, err)

	b, err := fresh.Suggest(rand.New(rand.NewSource(5)), nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSearchProgress(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)

	progress := make(chan ProgressUpdate, 20)

	opts := testOptions(1)
	opts.ProgressChan = progress

	s := newTestSearch(t, "thread", 2, negSquare, NewRandomSurrogate(space), space, opts)

	_, err := s.Run(context.Background(), 10, 0)
	require.NoError(t, err)

	close(progress)

	var updates []ProgressUpdate
	for u := range progress {
		updates = append(updates, u)
	}

	require.Len(t, updates, 10)

	for i, u := range updates {
		assert.Equal(t, i+1, u.CurrentIteration)
		assert.Equal(t, 10, u.TotalIterations)
		assert.GreaterOrEqual(t, u.CurrentBestObjective, u.LastObjective)
	}
}

func TestSearchEarlyStopping(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)

	run := func(context.Context, Config) (Result, error) { return ObjectiveOnly(1), nil }

	stopper := &EarlyStopping{Patience: 3}

	ev, err := NewEvaluator("serial", run, EvaluatorOptions{Callbacks: []Callback{stopper}})
	require.NoError(t, err)

	s, err := NewSearch(space, NewRandomSurrogate(space), ev, testOptions(1))
	require.NoError(t, err)

	results, err := s.Run(context.Background(), 100, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, results.Reason, ErrSearchStopped)
	assert.Equal(t, 4, results.Len())
}

func TestSearchGatherBatch(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)

	opts := testOptions(1)
	opts.GatherMode = GatherBatch
	opts.GatherBatchSize = 2

	s := newTestSearch(t, "thread", 3, negSquare, NewGaussianProcessSurrogate(space), space, opts)

	results, err := s.Run(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, results.Len())
}

func TestSearchSubprocess(t *testing.T) {
	space := NewSpace().
		AddCategorical("mode", "ok").
		AddFloat("x", -1, 1).
		AddInt("n", 1, 3)

	ev, err := NewEvaluator("subprocess", nil, EvaluatorOptions{
		NumWorkers: 2,
		Command:    []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:        []string{"GO_WANT_HELPER_PROCESS=1"},
	})
	require.NoError(t, err)

	s, err := NewSearch(space, NewGaussianProcessSurrogate(space), ev, testOptions(3))
	require.NoError(t, err)

	results, err := s.Run(context.Background(), 6, 0)
	require.NoError(t, err)
	require.Equal(t, 6, results.Len())

	for _, r := range results.Records {
		require.Equal(t, JobDone, r.Status, r.Failure)

		x := r.Config["x"].(float64)
		assert.InDelta(t, -x*x, *r.Objective, 1e-12)
		assert.Equal(t, float64(r.Config["n"].(int)), r.Metadata["n"])
	}
}

func TestSearchStateString(t *testing.T) {
	want := map[SearchState]string{
		SearchInitializing: "initializing",
		SearchRunning:      "running",
		SearchCompleted:    "completed",
		SearchAborted:      "aborted",
		SearchState(99):    "unknown",
	}

	for state, name := range want {
		assert.Equal(t, name, state.String())
	}
}

func TestSearchRunsOnce(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)
	s := newTestSearch(t, "serial", 1, negSquare, NewRandomSurrogate(space), space, testOptions(1))

	_, err := s.Run(context.Background(), 2, 0)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), 2, 0)
	assert.Error(t, err)
}

func TestNewSearchValidation(t *testing.T) {
	space := NewSpace().AddFloat("x", -1, 1)

	ev, err := NewEvaluator("serial", negSquare, EvaluatorOptions{})
	require.NoError(t, err)

	_, err = NewSearch(nil, NewRandomSurrogate(space), ev, DefaultSearchOptions())
	assert.Error(t, err)

	_, err = NewSearch(space, nil, ev, DefaultSearchOptions())
	assert.Error(t, err)

	_, err = NewSearch(space, NewRandomSurrogate(space), nil, DefaultSearchOptions())
	assert.Error(t, err)

	opts := DefaultSearchOptions()
	opts.InitialSamples = -1

	_, err = NewSearch(space, NewRandomSurrogate(space), ev, opts)
	assert.Error(t, err)
}
