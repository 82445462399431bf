package aho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

//////
// Const, vars, types.
//////

// SearchState is the lifecycle state of a Search.
type SearchState int

const (
	SearchInitializing SearchState = iota // Created, or filling the first slots
	SearchRunning                         // Gathering and submitting
	SearchCompleted                       // Budget, timeout or early stopping reached
	SearchAborted                         // Model failure or cancelled context
)

func (s SearchState) String() string {
	switch s {
	case SearchInitializing:
		return "initializing"
	case SearchRunning:
		return "running"
	case SearchCompleted:
		return "completed"
	case SearchAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SearchOptions configures a Search.
type SearchOptions struct {
	// InitialSamples is how many of the first suggestions are drawn at random
	// from the space instead of asked to the model.
	InitialSamples int

	// Liar is how in-flight configurations are presented to the model.
	Liar LiarStrategy

	// Minimize makes the search look for the lowest objective. The model is
	// told negated objectives; the output table keeps the raw ones.
	Minimize bool

	// Seed seeds the search's random generator. Zero picks a time-based seed.
	Seed int64

	// GatherMode and GatherBatchSize are passed to Evaluator.Gather.
	GatherMode      GatherMode
	GatherBatchSize int

	// GracePeriod bounds how long in-flight jobs are waited for when the
	// search ends before they do.
	GracePeriod time.Duration

	// MaxResample is how many invalid suggestions are discarded before
	// falling back to a random sample.
	MaxResample int

	// ProgressChan receives one update per gathered job. Sends never block:
	// updates are dropped when nobody is listening.
	ProgressChan chan<- ProgressUpdate

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultSearchOptions returns the default search options.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		InitialSamples:  10,
		Liar:            LiarMin,
		GatherMode:      GatherAll,
		GatherBatchSize: 1,
		GracePeriod:     5 * time.Second,
		MaxResample:     10,
	}
}

// Search is the asynchronous ask-tell loop. It keeps every worker of the
// evaluator busy with configurations asked to the model, and tells the model
// each outcome as soon as it is gathered, in whatever order jobs finish.
//
// A Search runs once. It owns the evaluator: Run cancels it on exit.
type Search struct {
	space     ConfigurationSpace
	model     SurrogateModel
	evaluator *Evaluator
	opts      SearchOptions
	rng       *rand.Rand
	logger    *slog.Logger

	mu    sync.Mutex
	state SearchState
	log   ObservationLog
	ran   bool
}

// runState is what one Run tracks between iterations.
type runState struct {
	maxEvals  int
	submitted int
	accounted int
	asked     int
	inflight  map[JobID]Config

	best    Config
	bestObj float64
	hasBest bool

	results *Results
}

//////
// Factory.
//////

// NewSearch returns a search over space, asking model and evaluating through
// evaluator.
//
// Usage example:
//
//	space := NewSpace().AddFloat("x", -10, 10)
//	ev, _ := NewEvaluator("thread", run, EvaluatorOptions{NumWorkers: 4})
//	s, _ := NewSearch(space, NewGaussianProcessSurrogate(space), ev, DefaultSearchOptions())
//	results, err := s.Run(ctx, 100, 0)
func NewSearch(space ConfigurationSpace, model SurrogateModel, evaluator *Evaluator, opts SearchOptions) (*Search, error) {
	if space == nil {
		return nil, errors.New("nil configuration space")
	}

	if model == nil {
		return nil, errors.New("nil surrogate model")
	}

	if evaluator == nil {
		return nil, errors.New("nil evaluator")
	}

	if opts.InitialSamples < 0 {
		return nil, fmt.Errorf("initial samples must be >= 0, got %d", opts.InitialSamples)
	}

	if opts.MaxResample < 0 {
		return nil, fmt.Errorf("max resample must be >= 0, got %d", opts.MaxResample)
	}

	if opts.GatherBatchSize < 1 {
		opts.GatherBatchSize = 1
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Search{
		space:     space,
		model:     model,
		evaluator: evaluator,
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
	}, nil
}

//////
// Methods.
//////

// State returns the current state of the search.
func (s *Search) State() SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Observations returns the observations told to the model so far, in the
// order they were told. Objectives are negated when the search minimizes.
func (s *Search) Observations() ObservationLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.log)
}

// Run evaluates up to maxEvals configurations, or until timeout elapses when
// positive. A negative maxEvals means no budget.
//
// Jobs that fail are rows of the table; they never end the search. Run only
// returns an error, wrapping ErrSearchAborted, when the model cannot be told
// or asked anymore, or when ctx is cancelled. The partial Results are
// returned with it.
func (s *Search) Run(ctx context.Context, maxEvals int, timeout time.Duration) (*Results, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, errors.New("search already ran")
	}

	s.ran = true
	s.state = SearchInitializing
	s.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rs := &runState{
		maxEvals: maxEvals,
		inflight: make(map[JobID]Config),
		results: &Results{
			RunID:    uuid.Must(uuid.NewV7()).String(),
			Minimize: s.opts.Minimize,
		},
	}

	logger := s.logger.With("run_id", rs.results.RunID)
	logger.Info("search started", "max_evals", maxEvals, "num_workers", s.evaluator.NumWorkers(), "liar", s.opts.Liar.String())

	state, reason := s.loop(runCtx, ctx, rs, logger)

	s.drain(rs, logger)

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	rs.results.State = state
	rs.results.Reason = reason

	logger.Info("search ended",
		"state", state.String(),
		"rows", rs.results.Len(),
		"cancelled", len(rs.results.Cancelled),
		"reason", reason,
	)

	if state == SearchAborted {
		return rs.results, fmt.Errorf("%w: %w", ErrSearchAborted, reason)
	}

	return rs.results, nil
}

func (s *Search) loop(runCtx, parent context.Context, rs *runState, logger *slog.Logger) (SearchState, error) {
	if rs.maxEvals == 0 {
		return SearchCompleted, nil
	}

	if err := s.fill(rs, logger); err != nil {
		return SearchAborted, err
	}

	s.setState(SearchRunning)

	for {
		if rs.maxEvals > 0 && rs.accounted >= rs.maxEvals {
			return SearchCompleted, nil
		}

		if s.stopRequested() {
			logger.Info("early stopping")
			return SearchCompleted, ErrSearchStopped
		}

		jobs, err := s.evaluator.Gather(runCtx, s.opts.GatherMode, s.opts.GatherBatchSize)

		switch {
		case err == nil:
		case errors.Is(err, ErrNoPendingJobs):
			return SearchAborted, errors.New("no job could be submitted")
		case parent.Err() != nil:
			return SearchAborted, parent.Err()
		case runCtx.Err() != nil:
			logger.Info("search timed out")
			return SearchCompleted, runCtx.Err()
		default:
			return SearchAborted, err
		}

		if err := s.absorb(rs, jobs, true); err != nil {
			return SearchAborted, err
		}

		if rs.maxEvals > 0 && rs.accounted >= rs.maxEvals {
			return SearchCompleted, nil
		}

		if s.stopRequested() {
			logger.Info("early stopping")
			return SearchCompleted, ErrSearchStopped
		}

		if err := s.fill(rs, logger); err != nil {
			return SearchAborted, err
		}
	}
}

// absorb turns gathered jobs into rows and, when tell is set, tells the model
// the successful ones in one call.
func (s *Search) absorb(rs *runState, jobs []Job, tell bool) error {
	var told []Observation

	for _, j := range jobs {
		delete(rs.inflight, j.ID)

		if j.State == JobCancelled {
			rs.results.Cancelled = append(rs.results.Cancelled, j.ID)
			continue
		}

		rs.accounted++
		rs.results.Records = append(rs.results.Records, newRecord(j))

		last := math.NaN()

		if o, ok := j.Observation(); ok {
			last = o.Objective

			if !rs.hasBest || rs.results.better(o.Objective, rs.bestObj) {
				rs.best, rs.bestObj, rs.hasBest = o.Config.Clone(), o.Objective, true
			}

			if s.opts.Minimize {
				o.Objective = -o.Objective
			}

			told = append(told, o)
		}

		s.progress(rs, j, last)
	}

	if !tell || len(told) == 0 {
		return nil
	}

	if err := s.model.Tell(told...); err != nil {
		return fmt.Errorf("tell: %w", err)
	}

	s.mu.Lock()
	s.log = append(s.log, told...)
	s.mu.Unlock()

	return nil
}

// fill asks one configuration per free slot, within the remaining budget,
// and submits it.
func (s *Search) fill(rs *runState, logger *slog.Logger) error {
	free := s.evaluator.NumWorkers() - s.evaluator.NumRunning()
	if rs.maxEvals > 0 {
		free = min(free, rs.maxEvals-rs.submitted)
	}

	for i := 0; i < free; i++ {
		cfg, err := s.ask(rs, logger)
		if err != nil {
			return err
		}

		id, err := s.evaluator.Submit(cfg)
		if errors.Is(err, ErrCapacityExceeded) {
			break
		}

		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		rs.inflight[id] = cfg
		rs.submitted++
		rs.asked++
	}

	return nil
}

// ask returns the next valid configuration: a random sample during the
// initial phase, the model's suggestion afterwards.
func (s *Search) ask(rs *runState, logger *slog.Logger) (Config, error) {
	for attempt := 0; attempt <= s.opts.MaxResample; attempt++ {
		var cfg Config

		if rs.asked < s.opts.InitialSamples {
			cfg = s.space.Sample(s.rng)
		} else {
			suggested, err := s.model.Suggest(s.rng, s.overlay(rs))

			switch {
			case err == nil:
				cfg = suggested
			case errors.Is(err, ErrModelFitting):
				logger.Warn("model fitting failed, sampling at random", "error", err)
				cfg = s.space.Sample(s.rng)
			default:
				return nil, fmt.Errorf("suggest: %w", err)
			}
		}

		if err := s.space.Validate(cfg); err != nil {
			logger.Debug("discarding invalid configuration", "attempt", attempt, "error", err)
			continue
		}

		return cfg, nil
	}

	logger.Warn("too many invalid suggestions, sampling at random", "max_resample", s.opts.MaxResample)

	cfg := s.space.Sample(s.rng)
	if err := s.space.Validate(cfg); err != nil {
		return nil, fmt.Errorf("random fallback: %w", err)
	}

	return cfg, nil
}

func (s *Search) overlay(rs *runState) []Observation {
	if s.opts.Liar == LiarNone || len(rs.inflight) == 0 {
		return nil
	}

	ids := make([]JobID, 0, len(rs.inflight))
	for id := range rs.inflight {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	pending := make([]Observation, len(ids))
	for i, id := range ids {
		pending[i] = Observation{JobID: id, Config: rs.inflight[id]}
	}

	s.mu.Lock()
	told := s.log.Objectives()
	s.mu.Unlock()

	return s.opts.Liar.overlay(s.model, told, pending)
}

// drain cancels the evaluator, letting in-flight jobs finish within the
// grace period. Those that do become rows; they are not told to the model.
func (s *Search) drain(rs *runState, logger *slog.Logger) {
	grace := s.opts.GracePeriod
	if grace <= 0 {
		grace = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	jobs, err := s.evaluator.Cancel(ctx)
	if err != nil {
		logger.Warn("evaluator shutdown", "error", err)
	}

	// tell is false, so absorb cannot fail.
	_ = s.absorb(rs, jobs, false)
}

func (s *Search) stopRequested() bool {
	for _, cb := range s.evaluator.Callbacks() {
		if st, ok := cb.(Stopper); ok && st.ShouldStop() {
			return true
		}
	}

	return false
}

func (s *Search) setState(state SearchState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Search) progress(rs *runState, j Job, last float64) {
	if s.opts.ProgressChan == nil {
		return
	}

	update := ProgressUpdate{
		Phase:                s.State().String(),
		CurrentIteration:     rs.accounted,
		TotalIterations:      rs.maxEvals,
		JobID:                j.ID,
		CurrentConfig:        j.Config.Clone(),
		CurrentBestConfig:    rs.best.Clone(),
		CurrentBestObjective: rs.bestObj,
		LastObjective:        last,
		InFlight:             len(rs.inflight),
	}

	select {
	case s.opts.ProgressChan <- update:
	default:
	}
}
