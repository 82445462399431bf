package aho

import (
	"math/rand"
)

// SurrogateModel is the contract a sequential model plugs into the search
// through. The search owns the model: Tell and Suggest are only ever called
// from the goroutine running Search.Run, so implementations need no locking.
//
// Objectives are "higher is better" on both sides of the contract.
type SurrogateModel interface {
	// Tell adds observations to the fitted state. The state after telling a
	// sequence of observations must only depend on that sequence.
	Tell(obs ...Observation) error

	// Suggest proposes one configuration. overlay holds provisional
	// observations for jobs whose outcome is unknown; the model must account
	// for them in this call only and never persist them.
	//
	// Implementations return an error wrapping ErrModelFitting when the
	// current observations do not allow a suggestion; the search then falls
	// back to random sampling.
	Suggest(rng *rand.Rand, overlay []Observation) (Config, error)
}

// Predictor is implemented by models able to estimate the objective at an
// unobserved configuration. LiarBeliever needs it.
type Predictor interface {
	Predict(cfg Config) (mean, variance float64, err error)
}

// RandomSurrogate ignores every observation and samples uniformly. It is the
// baseline model, and what the search degrades to on fitting errors.
type RandomSurrogate struct {
	space ConfigurationSpace
	told  int
}

// NewRandomSurrogate returns a random search model over space.
func NewRandomSurrogate(space ConfigurationSpace) *RandomSurrogate {
	return &RandomSurrogate{space: space}
}

// Tell counts the observations.
func (r *RandomSurrogate) Tell(obs ...Observation) error {
	r.told += len(obs)

	return nil
}

// Len returns the number of observations told.
func (r *RandomSurrogate) Len() int { return r.told }

// Suggest samples the space.
func (r *RandomSurrogate) Suggest(rng *rand.Rand, _ []Observation) (Config, error) {
	return r.space.Sample(rng), nil
}
