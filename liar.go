package aho

import (
	"fmt"
	"strings"
)

// LiarStrategy chooses the provisional objective given to the model for
// configurations whose evaluation is still in flight, so that concurrent
// suggestions do not all land on the same point. The lies only live for one
// Suggest call; they are never told to the model.
type LiarStrategy int

const (
	// LiarMin lies with the worst objective observed so far.
	LiarMin LiarStrategy = iota

	// LiarMax lies with the best objective observed so far.
	LiarMax

	// LiarMean lies with the mean of the observed objectives.
	LiarMean

	// LiarBeliever lies with the model's own prediction. Models that do not
	// implement Predictor get LiarMin.
	LiarBeliever

	// LiarNone gives the model no overlay at all.
	LiarNone
)

func (s LiarStrategy) String() string {
	switch s {
	case LiarMin:
		return "cl_min"
	case LiarMax:
		return "cl_max"
	case LiarMean:
		return "cl_mean"
	case LiarBeliever:
		return "kriging_believer"
	case LiarNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseLiarStrategy accepts the names returned by String, plus "min", "max",
// "mean" and "believer".
func ParseLiarStrategy(s string) (LiarStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cl_min", "min":
		return LiarMin, nil
	case "cl_max", "max":
		return LiarMax, nil
	case "cl_mean", "mean":
		return LiarMean, nil
	case "kriging_believer", "believer":
		return LiarBeliever, nil
	case "none":
		return LiarNone, nil
	default:
		return 0, fmt.Errorf("unknown liar strategy %q", s)
	}
}

// overlay fills in the objective of every pending observation. told holds
// the objectives the model has seen, in model space.
func (s LiarStrategy) overlay(model SurrogateModel, told []float64, pending []Observation) []Observation {
	if s == LiarNone || len(pending) == 0 {
		return nil
	}

	if s == LiarBeliever {
		if p, ok := model.(Predictor); ok {
			out, ok := believe(p, pending)
			if ok {
				return out
			}
		}

		s = LiarMin
	}

	if len(told) == 0 {
		return nil
	}

	lie := told[0]

	switch s {
	case LiarMax:
		for _, v := range told[1:] {
			lie = max(lie, v)
		}
	case LiarMean:
		var sum float64
		for _, v := range told {
			sum += v
		}

		lie = sum / float64(len(told))
	default:
		for _, v := range told[1:] {
			lie = min(lie, v)
		}
	}

	out := make([]Observation, len(pending))
	for i, p := range pending {
		p.Objective = lie
		out[i] = p
	}

	return out
}

func believe(p Predictor, pending []Observation) ([]Observation, bool) {
	out := make([]Observation, len(pending))

	for i, o := range pending {
		mean, _, err := p.Predict(o.Config)
		if err != nil {
			return nil, false
		}

		o.Objective = mean
		out[i] = o
	}

	return out, true
}
