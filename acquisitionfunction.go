package aho

import (
	"fmt"
	"math"
	"strings"
)

//////
// Available acquisition functions for Bayesian optimization.
// Each function helps decide which points to evaluate next by balancing
// exploration (trying new areas) and exploitation (focusing on known good areas).
// The surrogate works on losses, so lower acquisition values are better.
//////

// minVariance keeps PI and EI finite at observed points.
const minVariance = 1e-12

// UCB implements the Upper Confidence Bound acquisition function, written as
// a lower confidence bound on the loss.
//
// How it works:
// - Combines the predicted mean loss with the uncertainty (variance)
// - Lower values are better
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Example:
//
//	params := AcquisitionParams{
//	    Beta: 2.0,  // Balance between exploration and exploitation
//	}
//	value := UCB(0.5, 0.2, params)  // Evaluate a point with mean=0.5, variance=0.2
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(math.Max(variance, 0))
}

// ProbabilityOfImprovement (PI) returns the negated probability that a point
// improves upon BestSoFar by at least Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - When you're fine with small improvements
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, minVariance))

	z := (params.BestSoFar - params.Xi - mean) / sigma

	return -normalCDF(z)
}

// ExpectedImprovement (EI) returns the negated expected improvement over
// BestSoFar.
//
// How it works:
// - Combines the probability of improvement with the magnitude of improvement
// - Often provides better exploration than PI
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	if variance <= minVariance {
		return -math.Max(improvement, 0)
	}

	sigma := math.Sqrt(variance)
	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling implements Thompson Sampling acquisition by drawing a
// random sample from the posterior distribution at the point.
//
// Warning:
// - RandomState must be set; the Gaussian process surrogate sets it to the
// search's generator before every suggestion.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(math.Max(variance, 0))*params.RandomState.NormFloat64()
}

// ParseAcquisitionFunc maps "ucb", "pi", "ei" or "thompson" to the built-in
// acquisition function.
func ParseAcquisitionFunc(name string) (AcquisitionFunc, error) {
	switch strings.ToLower(name) {
	case "", "ucb":
		return UCB, nil
	case "pi", "probability_of_improvement":
		return ProbabilityOfImprovement, nil
	case "ei", "expected_improvement":
		return ExpectedImprovement, nil
	case "thompson", "ts", "thompson_sampling":
		return ThompsonSampling, nil
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", name)
	}
}
